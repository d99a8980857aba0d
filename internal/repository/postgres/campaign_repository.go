package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/voice-campaign-dispatch/internal/domain"
	"github.com/acme/voice-campaign-dispatch/internal/repository"
)

// CampaignRepository implements repository.CampaignRepository using PostgreSQL.
type CampaignRepository struct {
	db *sqlx.DB
}

// NewCampaignRepository constructs a new repository.
func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

const campaignColumns = `id, workspace_id, agent_id, name, schedule_type,
	scheduled_start_at, scheduled_expires_at,
	business_hours_only, business_hours_start, business_hours_end, time_zone,
	concurrency_limit, max_attempts, retry_delay_minutes, status,
	total_recipients, pending_calls,
	created_at, updated_at, started_at, completed_at`

// Create inserts a new campaign.
func (r *CampaignRepository) Create(ctx context.Context, campaign *domain.Campaign) error {
	q := `INSERT INTO campaigns (
		id, workspace_id, agent_id, name, schedule_type,
		scheduled_start_at, scheduled_expires_at,
		business_hours_only, business_hours_start, business_hours_end, time_zone,
		concurrency_limit, max_attempts, retry_delay_minutes, status,
		total_recipients, pending_calls,
		created_at, updated_at, started_at, completed_at
	) VALUES (
		:id, :workspace_id, :agent_id, :name, :schedule_type,
		:scheduled_start_at, :scheduled_expires_at,
		:business_hours_only, :business_hours_start, :business_hours_end, :time_zone,
		:concurrency_limit, :max_attempts, :retry_delay_minutes, :status,
		:total_recipients, :pending_calls,
		:created_at, :updated_at, :started_at, :completed_at
	)`

	if _, err := r.db.NamedExecContext(ctx, q, toParams(campaign)); err != nil {
		return fmt.Errorf("campaign repo: insert: %w", err)
	}
	return nil
}

// Get fetches a campaign by id.
func (r *CampaignRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	q := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`

	row := r.db.QueryRowxContext(ctx, q, id)
	var record campaignRecord
	if err := row.StructScan(&record); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign repo: get: %w", err)
	}

	campaign := record.toDomain()
	return &campaign, nil
}

// Update updates campaign metadata.
func (r *CampaignRepository) Update(ctx context.Context, campaign *domain.Campaign) error {
	q := `UPDATE campaigns SET
		name = :name,
		schedule_type = :schedule_type,
		scheduled_start_at = :scheduled_start_at,
		scheduled_expires_at = :scheduled_expires_at,
		business_hours_only = :business_hours_only,
		business_hours_start = :business_hours_start,
		business_hours_end = :business_hours_end,
		time_zone = :time_zone,
		concurrency_limit = :concurrency_limit,
		max_attempts = :max_attempts,
		retry_delay_minutes = :retry_delay_minutes,
		status = :status,
		total_recipients = :total_recipients,
		pending_calls = :pending_calls,
		updated_at = :updated_at,
		started_at = :started_at,
		completed_at = :completed_at
	 WHERE id = :id`

	res, err := r.db.NamedExecContext(ctx, q, toParams(campaign))
	if err != nil {
		return fmt.Errorf("campaign repo: update: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateStatusIf transitions the campaign only when its status still matches from.
func (r *CampaignRepository) UpdateStatusIf(ctx context.Context, id uuid.UUID, from, to domain.CampaignStatus) (bool, error) {
	q := `UPDATE campaigns SET status = $1, updated_at = NOW(),
		started_at = CASE WHEN $1 = 'active' THEN NOW() ELSE started_at END,
		completed_at = CASE WHEN $1 IN ('completed', 'canceled', 'failed') THEN NOW() ELSE completed_at END
	 WHERE id = $2 AND status = $3`

	res, err := r.db.ExecContext(ctx, q, to, id, from)
	if err != nil {
		return false, fmt.Errorf("campaign repo: update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	return n == 1, nil
}

// List returns campaigns with optional pagination.
func (r *CampaignRepository) List(ctx context.Context, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows *sqlx.Rows
	var err error
	if afterID != nil {
		rows, err = r.db.QueryxContext(ctx, `SELECT `+campaignColumns+`
		FROM campaigns WHERE id > $1 ORDER BY id ASC LIMIT $2`, *afterID, limit)
	} else {
		rows, err = r.db.QueryxContext(ctx, `SELECT `+campaignColumns+`
		FROM campaigns ORDER BY id ASC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("campaign repo: list: %w", err)
	}
	defer rows.Close()

	return scanCampaigns(rows)
}

// ListByStatus returns campaigns filtered by status.
func (r *CampaignRepository) ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT `+campaignColumns+`
		FROM campaigns WHERE status = $1 ORDER BY updated_at ASC LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: list by status: %w", err)
	}
	defer rows.Close()

	return scanCampaigns(rows)
}

// RefreshAggregates rewrites the cached display counters.
func (r *CampaignRepository) RefreshAggregates(ctx context.Context, id uuid.UUID, total, pending int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE campaigns SET total_recipients = $1, pending_calls = $2, updated_at = NOW() WHERE id = $3`,
		total, pending, id)
	if err != nil {
		return fmt.Errorf("campaign repo: refresh aggregates: %w", err)
	}
	return nil
}

func scanCampaigns(rows *sqlx.Rows) ([]*domain.Campaign, error) {
	var results []*domain.Campaign
	for rows.Next() {
		var record campaignRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("campaign repo: scan: %w", err)
		}
		campaign := record.toDomain()
		results = append(results, &campaign)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign repo: rows err: %w", err)
	}
	return results, nil
}

func toParams(campaign *domain.Campaign) map[string]any {
	return map[string]any{
		"id":                   campaign.ID,
		"workspace_id":         campaign.WorkspaceID,
		"agent_id":             campaign.AgentID,
		"name":                 campaign.Name,
		"schedule_type":        campaign.ScheduleType,
		"scheduled_start_at":   campaign.ScheduledStartAt,
		"scheduled_expires_at": campaign.ScheduledExpiresAt,
		"business_hours_only":  campaign.BusinessHoursOnly,
		"business_hours_start": campaign.BusinessHoursStart,
		"business_hours_end":   campaign.BusinessHoursEnd,
		"time_zone":            campaign.TimeZone,
		"concurrency_limit":    campaign.ConcurrencyLimit,
		"max_attempts":         campaign.MaxAttempts,
		"retry_delay_minutes":  int64(campaign.RetryDelay / time.Minute),
		"status":               campaign.Status,
		"total_recipients":     campaign.TotalRecipients,
		"pending_calls":        campaign.PendingCalls,
		"created_at":           campaign.CreatedAt,
		"updated_at":           campaign.UpdatedAt,
		"started_at":           campaign.StartedAt,
		"completed_at":         campaign.CompletedAt,
	}
}

type campaignRecord struct {
	ID                 uuid.UUID    `db:"id"`
	WorkspaceID        uuid.UUID    `db:"workspace_id"`
	AgentID            uuid.UUID    `db:"agent_id"`
	Name               string       `db:"name"`
	ScheduleType       string       `db:"schedule_type"`
	ScheduledStartAt   sql.NullTime `db:"scheduled_start_at"`
	ScheduledExpiresAt sql.NullTime `db:"scheduled_expires_at"`
	BusinessHoursOnly  bool         `db:"business_hours_only"`
	BusinessHoursStart int          `db:"business_hours_start"`
	BusinessHoursEnd   int          `db:"business_hours_end"`
	TimeZone           string       `db:"time_zone"`
	ConcurrencyLimit   int          `db:"concurrency_limit"`
	MaxAttempts        int          `db:"max_attempts"`
	RetryDelayMinutes  int64        `db:"retry_delay_minutes"`
	Status             string       `db:"status"`
	TotalRecipients    int64        `db:"total_recipients"`
	PendingCalls       int64        `db:"pending_calls"`
	CreatedAt          sql.NullTime `db:"created_at"`
	UpdatedAt          sql.NullTime `db:"updated_at"`
	StartedAt          sql.NullTime `db:"started_at"`
	CompletedAt        sql.NullTime `db:"completed_at"`
}

func (r campaignRecord) toDomain() domain.Campaign {
	campaign := domain.Campaign{
		ID:                 r.ID,
		WorkspaceID:        r.WorkspaceID,
		AgentID:            r.AgentID,
		Name:               r.Name,
		ScheduleType:       domain.ScheduleType(r.ScheduleType),
		BusinessHoursOnly:  r.BusinessHoursOnly,
		BusinessHoursStart: r.BusinessHoursStart,
		BusinessHoursEnd:   r.BusinessHoursEnd,
		TimeZone:           r.TimeZone,
		ConcurrencyLimit:   r.ConcurrencyLimit,
		MaxAttempts:        r.MaxAttempts,
		RetryDelay:         time.Duration(r.RetryDelayMinutes) * time.Minute,
		Status:             domain.CampaignStatus(r.Status),
		TotalRecipients:    r.TotalRecipients,
		PendingCalls:       r.PendingCalls,
		CreatedAt:          r.CreatedAt.Time,
		UpdatedAt:          r.UpdatedAt.Time,
	}
	if r.ScheduledStartAt.Valid {
		t := r.ScheduledStartAt.Time
		campaign.ScheduledStartAt = &t
	}
	if r.ScheduledExpiresAt.Valid {
		t := r.ScheduledExpiresAt.Time
		campaign.ScheduledExpiresAt = &t
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time
		campaign.StartedAt = &t
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		campaign.CompletedAt = &t
	}
	return campaign
}
