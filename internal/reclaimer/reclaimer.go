package reclaimer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/voice-campaign-dispatch/internal/dispatch"
	"github.com/acme/voice-campaign-dispatch/internal/domain"
	"github.com/acme/voice-campaign-dispatch/internal/repository"
	"github.com/acme/voice-campaign-dispatch/pkg/logger"
)

const sweepLockKey = "reclaimer-sweep"

// Reclaimer is the correctness backstop against lost completion webhooks. On
// a fixed interval it resolves recipients stuck in calling, wakes scheduled
// campaigns whose window opened, and re-invokes admission so suspended
// campaigns resume on their own.
type Reclaimer struct {
	campaigns  repository.CampaignRepository
	recipients repository.RecipientRepository
	engine     *dispatch.Engine
	locker     Locker
	logger     *logger.Logger

	interval     time.Duration
	stuckTimeout time.Duration
	lockTTL      time.Duration
	fetchLimit   int

	now func() time.Time
}

// New constructs a reclaimer.
func New(
	campaigns repository.CampaignRepository,
	recipients repository.RecipientRepository,
	engine *dispatch.Engine,
	locker Locker,
	lg *logger.Logger,
	interval, stuckTimeout, lockTTL time.Duration,
	fetchLimit int,
) *Reclaimer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if stuckTimeout <= 0 {
		stuckTimeout = 10 * time.Minute
	}
	if lockTTL <= 0 {
		lockTTL = time.Minute
	}
	if fetchLimit <= 0 {
		fetchLimit = 100
	}
	return &Reclaimer{
		campaigns:    campaigns,
		recipients:   recipients,
		engine:       engine,
		locker:       locker,
		logger:       lg,
		interval:     interval,
		stuckTimeout: stuckTimeout,
		lockTTL:      lockTTL,
		fetchLimit:   fetchLimit,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Run executes the sweep loop until cancelled.
func (r *Reclaimer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("reclaimer: sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep performs one pass over all campaigns. Safe to call redundantly; a
// concurrent sweep elsewhere in the fleet just skips via the lock.
func (r *Reclaimer) Sweep(ctx context.Context) error {
	if r.locker != nil {
		acquired, err := r.locker.TryLock(ctx, sweepLockKey, r.lockTTL)
		if err != nil {
			return err
		}
		if !acquired {
			return nil
		}
		defer func() {
			if err := r.locker.Unlock(context.Background(), sweepLockKey); err != nil {
				r.logger.Warn("reclaimer: unlock", zap.Error(err))
			}
		}()
	}

	tracer := otel.Tracer("dispatch.reclaimer")
	sctx, span := tracer.Start(ctx, "reclaimer.sweep")
	defer span.End()

	r.wakeScheduled(sctx)

	campaigns, err := r.campaigns.ListByStatus(sctx, domain.CampaignStatusActive, r.fetchLimit)
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.Int("campaign.count", len(campaigns)))

	for _, campaign := range campaigns {
		if err := r.sweepCampaign(sctx, campaign); err != nil {
			span.RecordError(err)
			r.logger.Error("reclaimer: campaign sweep",
				zap.String("campaign_id", campaign.ID.String()), zap.Error(err))
		}
	}
	return nil
}

func (r *Reclaimer) sweepCampaign(ctx context.Context, campaign *domain.Campaign) error {
	tracer := otel.Tracer("dispatch.reclaimer")
	cctx, span := tracer.Start(ctx, "reclaimer.campaign", trace.WithAttributes(
		attribute.String("campaign.id", campaign.ID.String()),
	))
	defer span.End()

	cutoff := r.now().Add(-r.stuckTimeout)
	stuck, err := r.recipients.ListStuck(cctx, campaign.ID, cutoff, r.fetchLimit)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("recipients.stuck", len(stuck)))

	for i := range stuck {
		// Same end state as a lost no_answer webhook. The status-gated
		// transition inside ApplyOutcome keeps a genuine late webhook from
		// racing destructively with this.
		applied, err := r.engine.ApplyOutcome(cctx, stuck[i].ID, domain.OutcomeNoAnswer, dispatch.TriggerReclaim, 0, 0)
		if err != nil {
			r.logger.Error("reclaimer: apply outcome",
				zap.String("recipient_id", stuck[i].ID.String()), zap.Error(err))
			continue
		}
		if applied {
			r.logger.Info("reclaimer: recovered stuck recipient",
				zap.String("campaign_id", campaign.ID.String()),
				zap.String("recipient_id", stuck[i].ID.String()),
				zap.Int("attempts", stuck[i].Attempts))
		}
	}

	// An expired campaign stops admitting on its own (the schedule window
	// check fails); canceling the remaining pending rows lets the completion
	// check close it out once in-flight calls drain.
	if campaign.ScheduledExpiresAt != nil && r.now().After(*campaign.ScheduledExpiresAt) {
		canceled, err := r.recipients.CancelPending(cctx, campaign.ID)
		if err != nil {
			return err
		}
		if canceled > 0 {
			r.logger.Info("reclaimer: campaign expired",
				zap.String("campaign_id", campaign.ID.String()),
				zap.Int64("recipients_canceled", canceled))
		}
		return r.engine.FinishCampaignIfDone(cctx, campaign.ID)
	}

	// Kick admission regardless: this is what resumes campaigns suspended by
	// business hours or a not-yet-open schedule window.
	if _, err := r.engine.Admit(cctx, campaign.ID); err != nil {
		return err
	}
	return r.engine.FinishCampaignIfDone(cctx, campaign.ID)
}

// wakeScheduled activates scheduled campaigns whose start time has arrived.
func (r *Reclaimer) wakeScheduled(ctx context.Context) {
	campaigns, err := r.campaigns.ListByStatus(ctx, domain.CampaignStatusScheduled, r.fetchLimit)
	if err != nil {
		r.logger.Error("reclaimer: list scheduled", zap.Error(err))
		return
	}

	now := r.now()
	for _, campaign := range campaigns {
		if campaign.ScheduledStartAt == nil || campaign.ScheduledStartAt.After(now) {
			continue
		}
		moved, err := r.campaigns.UpdateStatusIf(ctx, campaign.ID, domain.CampaignStatusScheduled, domain.CampaignStatusActive)
		if err != nil {
			r.logger.Error("reclaimer: activate scheduled campaign",
				zap.String("campaign_id", campaign.ID.String()), zap.Error(err))
			continue
		}
		if !moved {
			continue
		}
		r.logger.Info("reclaimer: scheduled campaign started",
			zap.String("campaign_id", campaign.ID.String()))
		if _, err := r.engine.Admit(ctx, campaign.ID); err != nil {
			r.logger.Error("reclaimer: first admission",
				zap.String("campaign_id", campaign.ID.String()), zap.Error(err))
		}
	}
}

// SetClock overrides the reclaimer clock; tests only.
func (r *Reclaimer) SetClock(now func() time.Time) {
	r.now = now
}
