package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/voice-campaign-dispatch/internal/billing"
	"github.com/acme/voice-campaign-dispatch/internal/domain"
	"github.com/acme/voice-campaign-dispatch/internal/provider"
	"github.com/acme/voice-campaign-dispatch/internal/queue"
	"github.com/acme/voice-campaign-dispatch/internal/repository"
	apperrors "github.com/acme/voice-campaign-dispatch/pkg/errors"
	"github.com/acme/voice-campaign-dispatch/pkg/logger"
)

// Trigger identifies which path invoked outcome application.
type Trigger string

const (
	TriggerWebhook Trigger = "webhook"
	TriggerReclaim Trigger = "reclaim"
)

// StatusNotifier publishes campaign lifecycle audit events.
type StatusNotifier interface {
	PublishStatus(ctx context.Context, msg queue.CampaignStatusMessage) error
}

// Engine drives recipients through the external provider: admission, launch
// and outcome application. Every recipient transition is a status-gated
// conditional update in the store, so the engine is safe to invoke
// concurrently from the start endpoint, the completion worker and the
// reclaimer at once.
type Engine struct {
	campaigns  repository.CampaignRepository
	recipients repository.RecipientRepository
	events     repository.CallEventStore
	provider   provider.Provider
	gate       billing.Gate
	flags      CancelFlag
	status     StatusNotifier
	logger     *logger.Logger

	callerID    string
	callTimeout time.Duration

	now func() time.Time
}

// NewEngine wires the dispatch engine.
func NewEngine(
	campaigns repository.CampaignRepository,
	recipients repository.RecipientRepository,
	events repository.CallEventStore,
	callProvider provider.Provider,
	gate billing.Gate,
	flags CancelFlag,
	status StatusNotifier,
	lg *logger.Logger,
	callerID string,
	callTimeout time.Duration,
) *Engine {
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	return &Engine{
		campaigns:   campaigns,
		recipients:  recipients,
		events:      events,
		provider:    callProvider,
		gate:        gate,
		flags:       flags,
		status:      status,
		logger:      lg,
		callerID:    callerID,
		callTimeout: callTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Admit claims up to the campaign's free concurrency slots worth of pending
// recipients and launches them. Idempotent and re-entrant; returns the number
// of recipients handed to the provider.
func (e *Engine) Admit(ctx context.Context, campaignID uuid.UUID) (int, error) {
	tracer := otel.Tracer("dispatch.engine")
	ctx, span := tracer.Start(ctx, "dispatch.admit", trace.WithAttributes(
		attribute.String("campaign.id", campaignID.String()),
	))
	defer span.End()

	campaign, err := e.campaigns.Get(ctx, campaignID)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("admit: load campaign: %w", err)
	}

	ok, err := e.admissible(ctx, campaign)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	if !ok {
		return 0, nil
	}

	// The store counts in-flight rows and claims the free slots as one atomic
	// unit, so concurrent admission passes cannot overshoot the limit between
	// them.
	claimed, err := e.recipients.ClaimPending(ctx, campaign.ID, campaign.ConcurrencyLimit, e.now())
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("admit: claim pending: %w", err)
	}
	span.SetAttributes(attribute.Int("recipients.claimed", len(claimed)))

	launched := 0
	for i := range claimed {
		if err := e.launch(ctx, campaign, &claimed[i]); err != nil {
			e.logger.Warn("dispatch: launch failed",
				zap.String("campaign_id", campaign.ID.String()),
				zap.String("recipient_id", claimed[i].ID.String()),
				zap.Error(err))
			continue
		}
		launched++
	}
	return launched, nil
}

// admissible checks every admission precondition: campaign state, cancel
// flag, billing gate, schedule window and business hours.
func (e *Engine) admissible(ctx context.Context, campaign *domain.Campaign) (bool, error) {
	if campaign.Status != domain.CampaignStatusActive {
		return false, nil
	}

	canceled, err := e.flags.IsSet(ctx, campaign.ID)
	if err != nil {
		return false, fmt.Errorf("admit: cancel flag: %w", err)
	}
	if canceled {
		return false, nil
	}

	if err := e.gate.Allow(ctx, campaign.WorkspaceID); err != nil {
		if errors.Is(err, apperrors.ErrPaywall) {
			e.logger.Info("dispatch: admission blocked by billing",
				zap.String("campaign_id", campaign.ID.String()),
				zap.String("workspace_id", campaign.WorkspaceID.String()))
			return false, nil
		}
		return false, fmt.Errorf("admit: billing gate: %w", err)
	}

	now := e.now()
	if !withinScheduleWindow(now, campaign) || !withinBusinessHours(now, campaign) {
		return false, nil
	}
	return true, nil
}

// launch hands a claimed recipient to the provider. A synchronous rejection
// or timeout releases the slot right away; the recipient never sits in
// calling without a live provider call behind it.
func (e *Engine) launch(ctx context.Context, campaign *domain.Campaign, recipient *domain.Recipient) error {
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	result, err := e.provider.PlaceCall(callCtx, provider.PlaceCallRequest{
		CampaignID:      campaign.ID,
		RecipientID:     recipient.ID,
		CallerID:        e.callerID,
		RecipientNumber: recipient.PhoneNumber,
		AgentReference:  campaign.AgentID.String(),
		Variables:       recipient.Variables,
		Attempt:         recipient.Attempts + 1,
	})
	cancel()

	if err != nil {
		return e.revertLaunch(ctx, campaign, recipient, err)
	}

	now := e.now()
	if err := e.recipients.MarkLaunched(ctx, recipient.ID, result.CallReference, now); err != nil {
		return fmt.Errorf("launch: mark launched: %w", err)
	}

	if err := e.events.Append(ctx, domain.CallEvent{
		ID:            uuid.New(),
		CampaignID:    campaign.ID,
		RecipientID:   recipient.ID,
		CallReference: result.CallReference,
		PhoneNumber:   recipient.PhoneNumber,
		EventType:     "placed",
		Attempt:       recipient.Attempts + 1,
		OccurredAt:    now,
	}); err != nil {
		e.logger.Warn("dispatch: record placement event", zap.Error(err))
	}
	return nil
}

func (e *Engine) revertLaunch(ctx context.Context, campaign *domain.Campaign, recipient *domain.Recipient, cause error) error {
	// Attempts are only counted on successful hand-off, so a launch failure
	// keeps the attempt budget intact. Retry spacing still applies to avoid
	// hammering a rejecting provider.
	if recipient.Attempts < campaign.MaxAttempts {
		if _, err := e.recipients.RequeueIfCalling(ctx, recipient.ID, e.now().Add(campaign.RetryDelay)); err != nil {
			return fmt.Errorf("launch revert: %w", err)
		}
	} else {
		if _, err := e.recipients.FinishIfCalling(ctx, recipient.ID, domain.CallStatusFailed); err != nil {
			return fmt.Errorf("launch revert: %w", err)
		}
	}
	return fmt.Errorf("place call: %w", cause)
}

// ApplyOutcome applies a terminal call outcome to a recipient. It is the one
// outcome function shared by the webhook path and the reclaim path; the
// status-gated store update makes duplicate deliveries no-ops. Returns true
// when the transition was applied by this invocation.
func (e *Engine) ApplyOutcome(ctx context.Context, recipientID uuid.UUID, outcome domain.CallOutcome, trig Trigger, duration time.Duration, cost float64) (bool, error) {
	tracer := otel.Tracer("dispatch.engine")
	ctx, span := tracer.Start(ctx, "dispatch.apply_outcome", trace.WithAttributes(
		attribute.String("recipient.id", recipientID.String()),
		attribute.String("outcome", string(outcome)),
		attribute.String("trigger", string(trig)),
	))
	defer span.End()

	recipient, err := e.recipients.Get(ctx, recipientID)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("apply outcome: load recipient: %w", err)
	}
	if recipient.CallStatus != domain.CallStatusCalling {
		// Duplicate delivery or a late webhook racing the reclaimer.
		return false, nil
	}

	campaign, err := e.campaigns.Get(ctx, recipient.CampaignID)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("apply outcome: load campaign: %w", err)
	}

	var applied bool
	if outcome.Retryable() && recipient.Attempts < campaign.MaxAttempts {
		applied, err = e.recipients.RequeueIfCalling(ctx, recipient.ID, e.now().Add(campaign.RetryDelay))
	} else {
		applied, err = e.recipients.FinishIfCalling(ctx, recipient.ID, outcome.Status())
	}
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("apply outcome: transition: %w", err)
	}
	if !applied {
		return false, nil
	}

	callRef := ""
	if recipient.CallReference != nil {
		callRef = *recipient.CallReference
	}
	eventType := "completed"
	if trig == TriggerReclaim {
		eventType = "reclaimed"
	}
	if err := e.events.Append(ctx, domain.CallEvent{
		ID:            uuid.New(),
		CampaignID:    campaign.ID,
		RecipientID:   recipient.ID,
		CallReference: callRef,
		PhoneNumber:   recipient.PhoneNumber,
		EventType:     eventType,
		Outcome:       outcome,
		Attempt:       recipient.Attempts,
		Duration:      duration,
		Cost:          cost,
		OccurredAt:    e.now(),
	}); err != nil {
		e.logger.Warn("dispatch: record completion event", zap.Error(err))
	}

	// Slot released; refill the pipeline and check for completion.
	if _, err := e.Admit(ctx, campaign.ID); err != nil {
		e.logger.Warn("dispatch: refill after outcome", zap.Error(err))
	}
	if err := e.FinishCampaignIfDone(ctx, campaign.ID); err != nil {
		e.logger.Warn("dispatch: completion check", zap.Error(err))
	}
	return true, nil
}

// HandleCompletion resolves a provider completion notification to a recipient
// and applies the outcome. Unknown call references are logged and dropped.
func (e *Engine) HandleCompletion(ctx context.Context, msg queue.CompletionMessage) error {
	recipient, err := e.recipients.GetByCallReference(ctx, msg.CallReference)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			e.logger.Warn("dispatch: completion for unknown call reference",
				zap.String("call_reference", msg.CallReference))
			return nil
		}
		return fmt.Errorf("handle completion: resolve recipient: %w", err)
	}

	outcome := domain.CallOutcome(msg.Outcome)
	duration := time.Duration(msg.DurationMs) * time.Millisecond
	if _, err := e.ApplyOutcome(ctx, recipient.ID, outcome, TriggerWebhook, duration, msg.Cost); err != nil {
		return err
	}
	return nil
}

// FinishCampaignIfDone transitions an active campaign to completed once no
// recipient remains non-terminal, and refreshes the cached aggregates.
func (e *Engine) FinishCampaignIfDone(ctx context.Context, campaignID uuid.UUID) error {
	stats, err := e.recipients.Stats(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("completion check: stats: %w", err)
	}

	if err := e.campaigns.RefreshAggregates(ctx, campaignID, stats.TotalRecipients, stats.NonTerminal()); err != nil {
		e.logger.Warn("dispatch: refresh aggregates", zap.Error(err))
	}

	if stats.NonTerminal() > 0 {
		return nil
	}

	moved, err := e.campaigns.UpdateStatusIf(ctx, campaignID, domain.CampaignStatusActive, domain.CampaignStatusCompleted)
	if err != nil {
		return fmt.Errorf("completion check: transition: %w", err)
	}
	if moved {
		e.logger.Info("dispatch: campaign completed", zap.String("campaign_id", campaignID.String()))
		e.notifyStatus(ctx, campaignID, domain.CampaignStatusActive, domain.CampaignStatusCompleted, "all recipients terminal")
	}
	return nil
}

func (e *Engine) notifyStatus(ctx context.Context, campaignID uuid.UUID, from, to domain.CampaignStatus, reason string) {
	if e.status == nil {
		return
	}
	msg := queue.CampaignStatusMessage{
		CampaignID: campaignID,
		From:       string(from),
		To:         string(to),
		Reason:     reason,
		OccurredAt: e.now(),
	}
	if err := e.status.PublishStatus(ctx, msg); err != nil {
		e.logger.Warn("dispatch: publish status event", zap.Error(err))
	}
}

// SetClock overrides the engine clock; tests only.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}
