package mock

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/acme/voice-campaign-dispatch/internal/config"
	"github.com/acme/voice-campaign-dispatch/internal/provider"
)

func TestPlaceCallConcurrent(t *testing.T) {
	p := NewProvider(config.ProviderConfig{})

	// The provider is shared between the completion worker and the reclaimer,
	// so simultaneous placements must be safe under the race detector.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				result, err := p.PlaceCall(context.Background(), provider.PlaceCallRequest{
					CampaignID:      uuid.New(),
					RecipientID:     uuid.New(),
					CallerID:        "+15550000000",
					RecipientNumber: "+15550001234",
					Attempt:         1,
				})
				if err == nil && result.CallReference == "" {
					t.Error("accepted call without a call reference")
				}
			}
		}()
	}
	wg.Wait()
}
