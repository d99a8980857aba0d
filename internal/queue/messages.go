package queue

import (
	"time"

	"github.com/google/uuid"
)

// CompletionMessage carries a provider completion notification from the
// webhook endpoint to the completion worker.
type CompletionMessage struct {
	CallReference string    `json:"call_reference"`
	Outcome       string    `json:"outcome"`
	DurationMs    int64     `json:"duration_ms"`
	Cost          float64   `json:"cost"`
	ReceivedAt    time.Time `json:"received_at"`
}

// CampaignStatusMessage is an audit event emitted on campaign transitions.
type CampaignStatusMessage struct {
	CampaignID  uuid.UUID `json:"campaign_id"`
	WorkspaceID uuid.UUID `json:"workspace_id"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Reason      string    `json:"reason,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}
