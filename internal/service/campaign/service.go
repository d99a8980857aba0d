package campaign

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/voice-campaign-dispatch/internal/billing"
	"github.com/acme/voice-campaign-dispatch/internal/dispatch"
	"github.com/acme/voice-campaign-dispatch/internal/domain"
	"github.com/acme/voice-campaign-dispatch/internal/queue"
	"github.com/acme/voice-campaign-dispatch/internal/repository"
	apperrors "github.com/acme/voice-campaign-dispatch/pkg/errors"
	"github.com/acme/voice-campaign-dispatch/pkg/logger"
)

// Defaults carries fallback dispatch parameters for new campaigns.
type Defaults struct {
	ConcurrencyLimit int
	MaxAttempts      int
	RetryDelay       time.Duration
}

// Service owns the campaign lifecycle state machine and recipient import.
type Service struct {
	repo       repository.CampaignRepository
	recipients repository.RecipientRepository
	engine     *dispatch.Engine
	flags      dispatch.CancelFlag
	gate       billing.Gate
	status     dispatch.StatusNotifier
	logger     *logger.Logger

	defaults  Defaults
	chunkSize int
	callerID  string
}

// NewService constructs a campaign service.
func NewService(
	repo repository.CampaignRepository,
	recipients repository.RecipientRepository,
	engine *dispatch.Engine,
	flags dispatch.CancelFlag,
	gate billing.Gate,
	status dispatch.StatusNotifier,
	lg *logger.Logger,
	defaults Defaults,
	chunkSize int,
	callerID string,
) *Service {
	if chunkSize <= 0 {
		chunkSize = 500
	}
	return &Service{
		repo:       repo,
		recipients: recipients,
		engine:     engine,
		flags:      flags,
		gate:       gate,
		status:     status,
		logger:     lg,
		defaults:   defaults,
		chunkSize:  chunkSize,
		callerID:   callerID,
	}
}

// CreateCampaignInput captures campaign creation parameters.
type CreateCampaignInput struct {
	WorkspaceID        uuid.UUID
	AgentID            uuid.UUID
	Name               string
	ScheduleType       domain.ScheduleType
	ScheduledStartAt   *time.Time
	ScheduledExpiresAt *time.Time
	BusinessHoursOnly  bool
	BusinessHoursStart int
	BusinessHoursEnd   int
	TimeZone           string
	ConcurrencyLimit   int
	MaxAttempts        int
	RetryDelay         time.Duration
}

// UpdateCampaignInput captures draft-editable properties.
type UpdateCampaignInput struct {
	ID                 uuid.UUID
	Name               *string
	ConcurrencyLimit   *int
	MaxAttempts        *int
	RetryDelay         *time.Duration
	BusinessHoursOnly  *bool
	BusinessHoursStart *int
	BusinessHoursEnd   *int
	TimeZone           *string
	ScheduledStartAt   *time.Time
	ScheduledExpiresAt *time.Time
}

// RecipientInput expresses one imported call target.
type RecipientInput struct {
	PhoneNumber string
	Name        string
	Variables   map[string]any
}

// ImportResult reports the outcome of a recipient import.
type ImportResult struct {
	Inserted   int
	Duplicates int
	Total      int
}

// Create provisions a new campaign in draft.
func (s *Service) Create(ctx context.Context, input CreateCampaignInput) (*domain.Campaign, error) {
	if err := validateCreateInput(input); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	campaign := &domain.Campaign{
		ID:                 uuid.New(),
		WorkspaceID:        input.WorkspaceID,
		AgentID:            input.AgentID,
		Name:               input.Name,
		ScheduleType:       input.ScheduleType,
		ScheduledStartAt:   input.ScheduledStartAt,
		ScheduledExpiresAt: input.ScheduledExpiresAt,
		BusinessHoursOnly:  input.BusinessHoursOnly,
		BusinessHoursStart: input.BusinessHoursStart,
		BusinessHoursEnd:   input.BusinessHoursEnd,
		TimeZone:           input.TimeZone,
		ConcurrencyLimit:   s.resolveConcurrency(input.ConcurrencyLimit),
		MaxAttempts:        s.resolveMaxAttempts(input.MaxAttempts),
		RetryDelay:         s.resolveRetryDelay(input.RetryDelay),
		Status:             domain.CampaignStatusDraft,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := s.repo.Create(ctx, campaign); err != nil {
		return nil, fmt.Errorf("campaign service: create campaign: %w", err)
	}
	return campaign, nil
}

// Get retrieves a campaign by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return s.repo.Get(ctx, id)
}

// List returns campaigns.
func (s *Service) List(ctx context.Context, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error) {
	return s.repo.List(ctx, afterID, limit)
}

// Update modifies campaign configuration. Only draft campaigns are editable;
// recipients and config are frozen once the campaign leaves draft.
func (s *Service) Update(ctx context.Context, input UpdateCampaignInput) (*domain.Campaign, error) {
	campaign, err := s.repo.Get(ctx, input.ID)
	if err != nil {
		return nil, err
	}
	if campaign.Status != domain.CampaignStatusDraft {
		return nil, fmt.Errorf("%w: campaign %s is not editable in status %s", apperrors.ErrValidation, campaign.ID, campaign.Status)
	}

	if input.Name != nil {
		campaign.Name = *input.Name
	}
	if input.ConcurrencyLimit != nil {
		campaign.ConcurrencyLimit = s.resolveConcurrency(*input.ConcurrencyLimit)
	}
	if input.MaxAttempts != nil {
		campaign.MaxAttempts = s.resolveMaxAttempts(*input.MaxAttempts)
	}
	if input.RetryDelay != nil {
		campaign.RetryDelay = s.resolveRetryDelay(*input.RetryDelay)
	}
	if input.BusinessHoursOnly != nil {
		campaign.BusinessHoursOnly = *input.BusinessHoursOnly
	}
	if input.BusinessHoursStart != nil {
		campaign.BusinessHoursStart = *input.BusinessHoursStart
	}
	if input.BusinessHoursEnd != nil {
		campaign.BusinessHoursEnd = *input.BusinessHoursEnd
	}
	if input.TimeZone != nil {
		if _, err := time.LoadLocation(*input.TimeZone); err != nil {
			return nil, fmt.Errorf("%w: invalid time zone %s", apperrors.ErrValidation, *input.TimeZone)
		}
		campaign.TimeZone = *input.TimeZone
	}
	if input.ScheduledStartAt != nil {
		campaign.ScheduledStartAt = input.ScheduledStartAt
	}
	if input.ScheduledExpiresAt != nil {
		campaign.ScheduledExpiresAt = input.ScheduledExpiresAt
	}
	campaign.UpdatedAt = time.Now().UTC()

	if err := s.repo.Update(ctx, campaign); err != nil {
		return nil, err
	}
	return campaign, nil
}

// ImportRecipients adds a batch of call targets. Duplicate numbers within the
// batch collapse to one row, duplicates against prior imports are counted and
// skipped, and oversized batches are processed in fixed-size chunks so one
// chunk failure does not abort the rest.
func (s *Service) ImportRecipients(ctx context.Context, campaignID uuid.UUID, inputs []RecipientInput) (*ImportResult, error) {
	campaign, err := s.repo.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if campaign.Status != domain.CampaignStatusDraft && campaign.Status != domain.CampaignStatusScheduled {
		return nil, fmt.Errorf("%w: recipients cannot be added in status %s", apperrors.ErrValidation, campaign.Status)
	}

	now := time.Now().UTC()
	seen := make(map[string]bool, len(inputs))
	batch := make([]domain.Recipient, 0, len(inputs))
	inBatchDupes := 0
	for _, in := range inputs {
		phone := strings.TrimSpace(in.PhoneNumber)
		if phone == "" {
			continue
		}
		if seen[phone] {
			inBatchDupes++
			continue
		}
		seen[phone] = true
		batch = append(batch, domain.Recipient{
			ID:          uuid.New(),
			CampaignID:  campaignID,
			PhoneNumber: phone,
			Name:        in.Name,
			Variables:   in.Variables,
			CallStatus:  domain.CallStatusPending,
			CreatedAt:   now,
		})
	}

	result := &ImportResult{Total: len(inputs), Duplicates: inBatchDupes}
	for start := 0; start < len(batch); start += s.chunkSize {
		end := start + s.chunkSize
		if end > len(batch) {
			end = len(batch)
		}
		chunk := batch[start:end]

		inserted, err := s.recipients.BulkInsert(ctx, campaignID, chunk)
		if err != nil {
			s.logger.Error("campaign service: import chunk failed",
				zap.String("campaign_id", campaignID.String()),
				zap.Int("chunk_start", start),
				zap.Int("chunk_size", len(chunk)),
				zap.Error(err))
			continue
		}
		result.Inserted += inserted
		result.Duplicates += len(chunk) - inserted
	}

	stats, err := s.recipients.Stats(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("campaign service: refresh stats: %w", err)
	}
	if err := s.repo.RefreshAggregates(ctx, campaignID, stats.TotalRecipients, stats.NonTerminal()); err != nil {
		s.logger.Warn("campaign service: refresh aggregates", zap.Error(err))
	}

	return result, nil
}

// Schedule moves a draft campaign to scheduled with a future start time.
func (s *Service) Schedule(ctx context.Context, id uuid.UUID, startAt time.Time, expiresAt *time.Time) error {
	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if !campaign.Status.CanTransition(domain.CampaignStatusScheduled) {
		return fmt.Errorf("%w: %s -> scheduled", apperrors.ErrBadTransition, campaign.Status)
	}
	if !startAt.After(time.Now().UTC()) {
		return fmt.Errorf("%w: scheduled start must be in the future", apperrors.ErrValidation)
	}

	campaign.ScheduleType = domain.ScheduleScheduled
	campaign.ScheduledStartAt = &startAt
	campaign.ScheduledExpiresAt = expiresAt
	campaign.Status = domain.CampaignStatusScheduled
	campaign.UpdatedAt = time.Now().UTC()
	if err := s.repo.Update(ctx, campaign); err != nil {
		return err
	}
	s.publishStatus(ctx, campaign, domain.CampaignStatusDraft, domain.CampaignStatusScheduled, "scheduled")
	return nil
}

// Start transitions a campaign to active and performs the first admission
// pass. Setup failures (missing agent, missing caller ID, paywall) surface
// synchronously and leave the campaign out of active.
func (s *Service) Start(ctx context.Context, id uuid.UUID) error {
	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if campaign.Status == domain.CampaignStatusActive {
		return nil
	}
	if !campaign.Status.CanTransition(domain.CampaignStatusActive) {
		return fmt.Errorf("%w: %s -> active", apperrors.ErrBadTransition, campaign.Status)
	}

	if err := s.validateSetup(ctx, campaign); err != nil {
		return err
	}

	from := campaign.Status
	moved, err := s.repo.UpdateStatusIf(ctx, id, from, domain.CampaignStatusActive)
	if err != nil {
		return err
	}
	if !moved {
		return fmt.Errorf("%w: campaign %s changed state concurrently", apperrors.ErrConflict, id)
	}
	s.publishStatus(ctx, campaign, from, domain.CampaignStatusActive, "started")

	if _, err := s.engine.Admit(ctx, id); err != nil {
		s.logger.Error("campaign service: first admission pass",
			zap.String("campaign_id", id.String()), zap.Error(err))
	}
	return nil
}

// Terminate cancels an active or scheduled campaign. In-flight calls finish
// naturally; pending recipients are bulk-canceled and no further admission
// happens.
func (s *Service) Terminate(ctx context.Context, id uuid.UUID) error {
	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if !campaign.Status.CanTransition(domain.CampaignStatusCanceled) {
		return fmt.Errorf("%w: %s -> canceled", apperrors.ErrBadTransition, campaign.Status)
	}

	// Flag first so admission invoked from any concurrent trigger stops
	// before the durable status flips.
	if err := s.flags.Set(ctx, id); err != nil {
		return fmt.Errorf("campaign service: set cancel flag: %w", err)
	}

	from := campaign.Status
	moved, err := s.repo.UpdateStatusIf(ctx, id, from, domain.CampaignStatusCanceled)
	if err != nil {
		return err
	}
	if !moved {
		return fmt.Errorf("%w: campaign %s changed state concurrently", apperrors.ErrConflict, id)
	}

	canceled, err := s.recipients.CancelPending(ctx, id)
	if err != nil {
		return fmt.Errorf("campaign service: cancel pending recipients: %w", err)
	}
	s.logger.Info("campaign service: terminated",
		zap.String("campaign_id", id.String()),
		zap.Int64("recipients_canceled", canceled))

	stats, err := s.recipients.Stats(ctx, id)
	if err == nil {
		if err := s.repo.RefreshAggregates(ctx, id, stats.TotalRecipients, stats.NonTerminal()); err != nil {
			s.logger.Warn("campaign service: refresh aggregates", zap.Error(err))
		}
	}

	s.publishStatus(ctx, campaign, from, domain.CampaignStatusCanceled, "terminated")
	return nil
}

// Stats recomputes recipient aggregates from the authoritative rows.
func (s *Service) Stats(ctx context.Context, id uuid.UUID) (*domain.CampaignStats, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	stats, err := s.recipients.Stats(ctx, id)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// ListRecipients lists recipients for a campaign, optionally by status.
func (s *Service) ListRecipients(ctx context.Context, campaignID uuid.UUID, status domain.CallStatus, limit int) ([]domain.Recipient, error) {
	return s.recipients.ListByCampaign(ctx, campaignID, status, limit)
}

func (s *Service) validateSetup(ctx context.Context, campaign *domain.Campaign) error {
	if campaign.AgentID == uuid.Nil {
		return fmt.Errorf("%w: campaign has no assigned agent", apperrors.ErrValidation)
	}
	if s.callerID == "" {
		return fmt.Errorf("%w: no caller ID configured", apperrors.ErrValidation)
	}
	if err := s.gate.Allow(ctx, campaign.WorkspaceID); err != nil {
		return err
	}
	return nil
}

func (s *Service) publishStatus(ctx context.Context, campaign *domain.Campaign, from, to domain.CampaignStatus, reason string) {
	if s.status == nil {
		return
	}
	msg := queue.CampaignStatusMessage{
		CampaignID:  campaign.ID,
		WorkspaceID: campaign.WorkspaceID,
		From:        string(from),
		To:          string(to),
		Reason:      reason,
		OccurredAt:  time.Now().UTC(),
	}
	if err := s.status.PublishStatus(ctx, msg); err != nil {
		s.logger.Warn("campaign service: publish status event", zap.Error(err))
	}
}

func (s *Service) resolveConcurrency(value int) int {
	if value <= 0 {
		return s.defaults.ConcurrencyLimit
	}
	return value
}

func (s *Service) resolveMaxAttempts(value int) int {
	if value <= 0 {
		return s.defaults.MaxAttempts
	}
	return value
}

func (s *Service) resolveRetryDelay(value time.Duration) time.Duration {
	if value < 0 {
		return s.defaults.RetryDelay
	}
	return value
}

func validateCreateInput(input CreateCampaignInput) error {
	if input.Name == "" {
		return fmt.Errorf("%w: campaign name is required", apperrors.ErrValidation)
	}
	if input.WorkspaceID == uuid.Nil {
		return fmt.Errorf("%w: workspace id is required", apperrors.ErrValidation)
	}
	switch input.ScheduleType {
	case domain.ScheduleImmediate, domain.ScheduleScheduled:
	default:
		return fmt.Errorf("%w: unknown schedule type %q", apperrors.ErrValidation, input.ScheduleType)
	}
	if input.ScheduleType == domain.ScheduleScheduled && input.ScheduledStartAt == nil {
		return fmt.Errorf("%w: scheduled campaigns need a start time", apperrors.ErrValidation)
	}
	if input.BusinessHoursOnly {
		if input.TimeZone == "" {
			return fmt.Errorf("%w: time zone is required with business hours", apperrors.ErrValidation)
		}
		if _, err := time.LoadLocation(input.TimeZone); err != nil {
			return fmt.Errorf("%w: invalid time zone %s: %v", apperrors.ErrValidation, input.TimeZone, err)
		}
		if input.BusinessHoursStart == input.BusinessHoursEnd {
			return fmt.Errorf("%w: business hour window must have positive duration", apperrors.ErrValidation)
		}
	}
	return nil
}
