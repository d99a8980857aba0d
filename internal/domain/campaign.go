package domain

import (
	"time"

	"github.com/google/uuid"
)

// CampaignStatus enumerates lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusScheduled CampaignStatus = "scheduled"
	CampaignStatusActive    CampaignStatus = "active"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusCanceled  CampaignStatus = "canceled"
	CampaignStatusFailed    CampaignStatus = "failed"
)

// IsTerminal reports whether no further campaign transitions are allowed.
func (s CampaignStatus) IsTerminal() bool {
	switch s {
	case CampaignStatusCompleted, CampaignStatusCanceled, CampaignStatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether the lifecycle permits moving to the target status.
func (s CampaignStatus) CanTransition(to CampaignStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch to {
	case CampaignStatusScheduled:
		return s == CampaignStatusDraft
	case CampaignStatusActive:
		return s == CampaignStatusDraft || s == CampaignStatusScheduled
	case CampaignStatusCompleted:
		return s == CampaignStatusActive
	case CampaignStatusCanceled:
		return s == CampaignStatusActive || s == CampaignStatusScheduled
	case CampaignStatusFailed:
		// setup-level rejection only, before any call is placed
		return s == CampaignStatusDraft || s == CampaignStatusScheduled
	}
	return false
}

// ScheduleType distinguishes immediate starts from timed ones.
type ScheduleType string

const (
	ScheduleImmediate ScheduleType = "immediate"
	ScheduleScheduled ScheduleType = "scheduled"
)

// CallStatus enumerates lifecycle stages for an individual recipient.
type CallStatus string

const (
	CallStatusPending   CallStatus = "pending"
	CallStatusCalling   CallStatus = "calling"
	CallStatusCompleted CallStatus = "completed"
	CallStatusFailed    CallStatus = "failed"
	CallStatusNoAnswer  CallStatus = "no_answer"
	CallStatusBusy      CallStatus = "busy"
	CallStatusCanceled  CallStatus = "canceled"
)

// IsTerminal reports whether a recipient requires no further dispatching.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusFailed, CallStatusNoAnswer, CallStatusBusy, CallStatusCanceled:
		return true
	}
	return false
}

// CallOutcome is the terminal result reported for a placed call.
type CallOutcome string

const (
	OutcomeCompleted CallOutcome = "completed"
	OutcomeFailed    CallOutcome = "failed"
	OutcomeNoAnswer  CallOutcome = "no_answer"
	OutcomeBusy      CallOutcome = "busy"
	OutcomeTimeout   CallOutcome = "timeout"
	OutcomeInvalid   CallOutcome = "invalid_number"
)

// Retryable reports whether the outcome warrants another attempt.
func (o CallOutcome) Retryable() bool {
	switch o {
	case OutcomeBusy, OutcomeNoAnswer, OutcomeTimeout, OutcomeFailed:
		return true
	}
	return false
}

// Status maps the outcome to the recipient status recorded once attempts
// are exhausted (or immediately, for non-retryable outcomes).
func (o CallOutcome) Status() CallStatus {
	switch o {
	case OutcomeCompleted:
		return CallStatusCompleted
	case OutcomeBusy:
		return CallStatusBusy
	case OutcomeNoAnswer:
		return CallStatusNoAnswer
	default:
		return CallStatusFailed
	}
}

// Campaign models an outbound call campaign definition.
type Campaign struct {
	ID          uuid.UUID
	WorkspaceID uuid.UUID
	AgentID     uuid.UUID
	Name        string

	ScheduleType       ScheduleType
	ScheduledStartAt   *time.Time
	ScheduledExpiresAt *time.Time

	// Business hours window, minutes of day in the campaign time zone.
	BusinessHoursOnly  bool
	BusinessHoursStart int
	BusinessHoursEnd   int
	TimeZone           string

	ConcurrencyLimit int
	MaxAttempts      int
	RetryDelay       time.Duration

	Status CampaignStatus

	// Cached aggregates. Display only; never consulted for admission.
	TotalRecipients int64
	PendingCalls    int64

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Recipient represents one call target within a campaign.
type Recipient struct {
	ID            uuid.UUID
	CampaignID    uuid.UUID
	PhoneNumber   string
	Name          string
	Variables     map[string]any
	CallStatus    CallStatus
	Attempts      int
	LastAttemptAt *time.Time
	NextAttemptAt *time.Time
	CallReference *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// InFlight reports whether the recipient currently occupies a concurrency slot.
func (r *Recipient) InFlight() bool {
	return r.CallStatus == CallStatusCalling
}

// CallEvent captures a placement or completion for observability.
type CallEvent struct {
	ID            uuid.UUID
	CampaignID    uuid.UUID
	RecipientID   uuid.UUID
	CallReference string
	PhoneNumber   string
	EventType     string // placed, completed or reclaimed
	Outcome       CallOutcome
	Attempt       int
	Duration      time.Duration
	Cost          float64
	OccurredAt    time.Time
}

// CampaignStats aggregates recipient counts for operator visibility.
type CampaignStats struct {
	TotalRecipients int64
	Pending         int64
	Calling         int64
	Completed       int64
	Failed          int64
	NoAnswer        int64
	Busy            int64
	Canceled        int64
}

// NonTerminal returns the count of recipients still requiring work.
func (s CampaignStats) NonTerminal() int64 {
	return s.Pending + s.Calling
}
