package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/voice-campaign-dispatch/internal/domain"
)

// CallEventStore persists call placement and completion events in Scylla.
type CallEventStore struct {
	session *gocql.Session
}

// NewCallEventStore creates a new store.
func NewCallEventStore(session *gocql.Session) *CallEventStore {
	return &CallEventStore{session: session}
}

// Append inserts an event into the per-campaign timeline.
func (s *CallEventStore) Append(ctx context.Context, event domain.CallEvent) error {
	bucket := bucketDate(event.OccurredAt)
	if err := s.session.Query(`INSERT INTO call_events_by_campaign
		(campaign_id, bucket, event_id, recipient_id, call_reference, phone_number, event_type, outcome, attempt, duration_ms, cost, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.CampaignID.String(), bucket, event.ID.String(), event.RecipientID.String(),
		event.CallReference, event.PhoneNumber, event.EventType, string(event.Outcome),
		event.Attempt, event.Duration.Milliseconds(), event.Cost, event.OccurredAt,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("call events: insert: %w", err)
	}
	return nil
}

// ListByCampaign lists events for a campaign with pagination.
func (s *CallEventStore) ListByCampaign(ctx context.Context, campaignID uuid.UUID, limit int, pagingState []byte) ([]domain.CallEvent, []byte, error) {
	if limit <= 0 {
		limit = 100
	}

	iter := s.session.Query(`SELECT campaign_id, event_id, recipient_id, call_reference, phone_number, event_type, outcome, attempt, duration_ms, cost, occurred_at
		FROM call_events_by_campaign WHERE campaign_id = ?`, campaignID.String()).
		WithContext(ctx).PageSize(limit).PageState(pagingState).Iter()

	var events []domain.CallEvent
	var (
		campaignIDStr string
		eventIDStr    string
		recipientStr  string
		callRef       string
		phone         string
		eventType     string
		outcome       string
		attempt       int
		durationMs    int64
		cost          float64
		occurredAt    time.Time
	)

	for iter.Scan(&campaignIDStr, &eventIDStr, &recipientStr, &callRef, &phone, &eventType, &outcome, &attempt, &durationMs, &cost, &occurredAt) {
		eventID, err := uuid.Parse(eventIDStr)
		if err != nil {
			continue
		}
		recipientID, _ := uuid.Parse(recipientStr)

		events = append(events, domain.CallEvent{
			ID:            eventID,
			CampaignID:    campaignID,
			RecipientID:   recipientID,
			CallReference: callRef,
			PhoneNumber:   phone,
			EventType:     eventType,
			Outcome:       domain.CallOutcome(outcome),
			Attempt:       attempt,
			Duration:      time.Duration(durationMs) * time.Millisecond,
			Cost:          cost,
			OccurredAt:    occurredAt,
		})
		if len(events) >= limit {
			break
		}
	}

	next := iter.PageState()
	if err := iter.Close(); err != nil {
		return nil, nil, fmt.Errorf("call events: list: %w", err)
	}
	return events, next, nil
}

func bucketDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
