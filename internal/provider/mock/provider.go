package mock

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/voice-campaign-dispatch/internal/config"
	"github.com/acme/voice-campaign-dispatch/internal/provider"
)

// Provider simulates the external call-placing service.
type Provider struct {
	acceptRate float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewProvider constructs a mock provider.
func NewProvider(cfg config.ProviderConfig) *Provider {
	return &Provider{
		acceptRate: 0.95,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// PlaceCall simulates handing a call to the provider. A small fraction of
// requests is rejected synchronously to exercise the launch-failure path.
func (p *Provider) PlaceCall(ctx context.Context, req provider.PlaceCallRequest) (provider.PlaceCallResult, error) {
	latency, rejected := p.roll()

	select {
	case <-ctx.Done():
		return provider.PlaceCallResult{}, ctx.Err()
	case <-time.After(latency):
	}

	if rejected {
		return provider.PlaceCallResult{}, fmt.Errorf("mock provider: rejected number %s", req.RecipientNumber)
	}

	return provider.PlaceCallResult{CallReference: "mock-" + uuid.NewString()}, nil
}

// roll draws the simulated latency and accept decision under the lock;
// rand.Rand is not safe for concurrent use and PlaceCall runs from the
// completion worker's refill and the reclaimer at once.
func (p *Provider) roll() (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	latency := time.Duration(10+p.rng.Intn(90)) * time.Millisecond
	return latency, p.rng.Float64() > p.acceptRate
}
