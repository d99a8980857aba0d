package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/voice-campaign-dispatch/internal/domain"
	apperrors "github.com/acme/voice-campaign-dispatch/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
)

// CampaignRepository manages campaign persistence.
type CampaignRepository interface {
	Create(ctx context.Context, campaign *domain.Campaign) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	Update(ctx context.Context, campaign *domain.Campaign) error
	// UpdateStatusIf transitions the campaign only when its current status
	// matches from; returns false when another writer got there first.
	UpdateStatusIf(ctx context.Context, id uuid.UUID, from, to domain.CampaignStatus) (bool, error)
	List(ctx context.Context, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error)
	ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error)
	RefreshAggregates(ctx context.Context, id uuid.UUID, total, pending int64) error
}

// RecipientRepository stores campaign call targets. Every state transition is
// a status-gated conditional update so concurrent triggers cannot double-claim
// or double-complete a recipient.
type RecipientRepository interface {
	// BulkInsert adds recipients with insert-or-ignore semantics on
	// (campaign_id, phone_number); returns the number actually inserted.
	BulkInsert(ctx context.Context, campaignID uuid.UUID, recipients []domain.Recipient) (int, error)
	// ClaimPending computes the campaign's free concurrency slots from the
	// calling rows and atomically moves that many eligible pending recipients
	// into calling, oldest first. Count and claim are one unit, so concurrent
	// claimers can never admit past the limit between them.
	ClaimPending(ctx context.Context, campaignID uuid.UUID, concurrencyLimit int, now time.Time) ([]domain.Recipient, error)
	Stats(ctx context.Context, campaignID uuid.UUID) (domain.CampaignStats, error)
	// MarkLaunched records a successful provider hand-off on a calling row.
	MarkLaunched(ctx context.Context, id uuid.UUID, callReference string, at time.Time) error
	// FinishIfCalling applies a terminal status only when the recipient is
	// still calling; reports whether the transition happened.
	FinishIfCalling(ctx context.Context, id uuid.UUID, to domain.CallStatus) (bool, error)
	// RequeueIfCalling returns a calling recipient to pending with a
	// next-attempt time; reports whether the transition happened.
	RequeueIfCalling(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time) (bool, error)
	GetByCallReference(ctx context.Context, callReference string) (*domain.Recipient, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Recipient, error)
	// ListStuck returns calling recipients whose last activity predates cutoff.
	ListStuck(ctx context.Context, campaignID uuid.UUID, cutoff time.Time, limit int) ([]domain.Recipient, error)
	// CancelPending bulk-moves all pending recipients to canceled.
	CancelPending(ctx context.Context, campaignID uuid.UUID) (int64, error)
	ListByCampaign(ctx context.Context, campaignID uuid.UUID, status domain.CallStatus, limit int) ([]domain.Recipient, error)
}

// CallEventStore persists call placement and completion events.
type CallEventStore interface {
	Append(ctx context.Context, event domain.CallEvent) error
	ListByCampaign(ctx context.Context, campaignID uuid.UUID, limit int, pagingState []byte) ([]domain.CallEvent, []byte, error)
}
