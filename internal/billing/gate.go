package billing

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	apperrors "github.com/acme/voice-campaign-dispatch/pkg/errors"
)

// Gate is the paywall collaborator consulted before admission. Campaigns
// belonging to a blocked workspace must not admit new work.
type Gate interface {
	Allow(ctx context.Context, workspaceID uuid.UUID) error
}

// RedisGate reads billing block flags maintained by the billing system. The
// flag is a cache; absence means the workspace is in good standing.
type RedisGate struct {
	client *redis.Client
}

// NewRedisGate constructs the gate.
func NewRedisGate(client *redis.Client) *RedisGate {
	return &RedisGate{client: client}
}

// Allow returns ErrPaywall when the workspace is flagged as blocked.
func (g *RedisGate) Allow(ctx context.Context, workspaceID uuid.UUID) error {
	key := blockKey(workspaceID)
	blocked, err := g.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("billing gate: check %s: %w", key, err)
	}
	if blocked > 0 {
		return fmt.Errorf("%w: workspace %s", apperrors.ErrPaywall, workspaceID)
	}
	return nil
}

func blockKey(workspaceID uuid.UUID) string {
	return fmt.Sprintf("dispatch:billing:blocked:%s", workspaceID.String())
}

// AllowAll is a gate that never blocks, used when billing checks are disabled.
type AllowAll struct{}

// Allow always succeeds.
func (AllowAll) Allow(ctx context.Context, workspaceID uuid.UUID) error {
	return nil
}
