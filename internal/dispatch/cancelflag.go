package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// CancelFlag is the fast-path cancellation signal checked before every claim.
// The durable campaign status remains the source of truth; the flag lets a
// horizontally-scaled fleet stop admitting without a Postgres round trip.
type CancelFlag interface {
	Set(ctx context.Context, campaignID uuid.UUID) error
	IsSet(ctx context.Context, campaignID uuid.UUID) (bool, error)
}

// RedisCancelFlag stores cancellation flags in Redis.
type RedisCancelFlag struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCancelFlag constructs the flag store.
func NewRedisCancelFlag(client *redis.Client, ttl time.Duration) *RedisCancelFlag {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCancelFlag{client: client, ttl: ttl}
}

// Set marks the campaign as canceled.
func (f *RedisCancelFlag) Set(ctx context.Context, campaignID uuid.UUID) error {
	if err := f.client.Set(ctx, f.key(campaignID), 1, f.ttl).Err(); err != nil {
		return fmt.Errorf("cancel flag: set: %w", err)
	}
	return nil
}

// IsSet reports whether the campaign carries a cancellation flag.
func (f *RedisCancelFlag) IsSet(ctx context.Context, campaignID uuid.UUID) (bool, error) {
	n, err := f.client.Exists(ctx, f.key(campaignID)).Result()
	if err != nil {
		return false, fmt.Errorf("cancel flag: check: %w", err)
	}
	return n > 0, nil
}

func (f *RedisCancelFlag) key(campaignID uuid.UUID) string {
	return fmt.Sprintf("dispatch:campaign:%s:canceled", campaignID.String())
}
