package provider

import (
	"context"

	"github.com/google/uuid"
)

// PlaceCallRequest carries everything the voice provider needs to dial.
type PlaceCallRequest struct {
	CampaignID      uuid.UUID
	RecipientID     uuid.UUID
	CallerID        string
	RecipientNumber string
	AgentReference  string
	Variables       map[string]any
	Attempt         int
}

// PlaceCallResult is the synchronous answer from the provider. The terminal
// outcome arrives later via the completion webhook.
type PlaceCallResult struct {
	CallReference string
}

// Provider abstracts the external call-placing service. The provider enforces
// its own concurrency ceiling; a synchronous error here means the call never
// entered the provider's pipeline.
type Provider interface {
	PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error)
}
