package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/voice-campaign-dispatch/internal/domain"
	"github.com/acme/voice-campaign-dispatch/internal/repository"
)

// RecipientRepository implements repository.RecipientRepository using PostgreSQL.
type RecipientRepository struct {
	db *sqlx.DB
}

// NewRecipientRepository constructs the repository.
func NewRecipientRepository(db *sqlx.DB) *RecipientRepository {
	return &RecipientRepository{db: db}
}

const recipientColumns = `id, campaign_id, phone_number, name, variables,
	call_status, attempts, last_attempt_at, next_attempt_at, call_reference,
	created_at, updated_at`

// BulkInsert inserts recipients, ignoring duplicate phone numbers within the
// campaign. Returns the number of rows actually inserted.
func (r *RecipientRepository) BulkInsert(ctx context.Context, campaignID uuid.UUID, recipients []domain.Recipient) (int, error) {
	if len(recipients) == 0 {
		return 0, nil
	}

	q := `INSERT INTO recipients (
		id, campaign_id, phone_number, name, variables, call_status, attempts, created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	ON CONFLICT (campaign_id, phone_number) DO NOTHING`

	inserted := 0
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		stmt, err := tx.PreparexContext(ctx, q)
		if err != nil {
			return fmt.Errorf("recipients: prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, rec := range recipients {
			variables, err := json.Marshal(rec.Variables)
			if err != nil {
				return fmt.Errorf("recipients: marshal variables: %w", err)
			}
			res, err := stmt.ExecContext(ctx, rec.ID, campaignID, rec.PhoneNumber, rec.Name,
				variables, domain.CallStatusPending, 0, rec.CreatedAt)
			if err != nil {
				return fmt.Errorf("recipients: insert: %w", err)
			}
			if n, err := res.RowsAffected(); err == nil {
				inserted += int(n)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// ClaimPending transitions pending recipients into calling, oldest first,
// never past the campaign's concurrency limit. The per-campaign advisory lock
// serializes the in-flight count with the claim: without it two claimers can
// observe the same free slots and SKIP LOCKED lets them take disjoint sets,
// overshooting the limit. The inner SELECT still uses FOR UPDATE SKIP LOCKED
// and the outer UPDATE re-checks call_status so a row is never taken twice.
func (r *RecipientRepository) ClaimPending(ctx context.Context, campaignID uuid.UUID, concurrencyLimit int, now time.Time) ([]domain.Recipient, error) {
	if concurrencyLimit <= 0 {
		return nil, nil
	}

	var claimed []domain.Recipient
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`SELECT pg_advisory_xact_lock(hashtext($1::text))`, campaignID); err != nil {
			return fmt.Errorf("recipients: claim lock: %w", err)
		}

		var inFlight int64
		if err := tx.GetContext(ctx, &inFlight,
			`SELECT COUNT(*) FROM recipients WHERE campaign_id = $1 AND call_status = $2`,
			campaignID, domain.CallStatusCalling); err != nil {
			return fmt.Errorf("recipients: count in flight: %w", err)
		}

		slots := concurrencyLimit - int(inFlight)
		if slots <= 0 {
			return nil
		}

		q := `UPDATE recipients SET call_status = $1, updated_at = $2
		WHERE id IN (
			SELECT id FROM recipients
			WHERE campaign_id = $3
			  AND call_status = $4
			  AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
			ORDER BY created_at ASC, id ASC
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		) AND call_status = $4
		RETURNING ` + recipientColumns

		rows, err := tx.QueryxContext(ctx, q, domain.CallStatusCalling, now, campaignID, domain.CallStatusPending, slots)
		if err != nil {
			return fmt.Errorf("recipients: claim pending: %w", err)
		}
		defer rows.Close()

		claimed, err = scanRecipients(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Stats recomputes aggregate recipient counts from the authoritative rows.
func (r *RecipientRepository) Stats(ctx context.Context, campaignID uuid.UUID) (domain.CampaignStats, error) {
	rows, err := r.db.QueryxContext(ctx,
		`SELECT call_status, COUNT(*) AS n FROM recipients WHERE campaign_id = $1 GROUP BY call_status`,
		campaignID)
	if err != nil {
		return domain.CampaignStats{}, fmt.Errorf("recipients: stats: %w", err)
	}
	defer rows.Close()

	var stats domain.CampaignStats
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return domain.CampaignStats{}, fmt.Errorf("recipients: stats scan: %w", err)
		}
		stats.TotalRecipients += n
		switch domain.CallStatus(status) {
		case domain.CallStatusPending:
			stats.Pending = n
		case domain.CallStatusCalling:
			stats.Calling = n
		case domain.CallStatusCompleted:
			stats.Completed = n
		case domain.CallStatusFailed:
			stats.Failed = n
		case domain.CallStatusNoAnswer:
			stats.NoAnswer = n
		case domain.CallStatusBusy:
			stats.Busy = n
		case domain.CallStatusCanceled:
			stats.Canceled = n
		}
	}
	if err := rows.Err(); err != nil {
		return domain.CampaignStats{}, fmt.Errorf("recipients: stats rows err: %w", err)
	}
	return stats, nil
}

// MarkLaunched records a successful provider hand-off.
func (r *RecipientRepository) MarkLaunched(ctx context.Context, id uuid.UUID, callReference string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE recipients SET
		call_reference = $1, attempts = attempts + 1, last_attempt_at = $2, updated_at = $2
	 WHERE id = $3 AND call_status = $4`,
		callReference, at, id, domain.CallStatusCalling)
	if err != nil {
		return fmt.Errorf("recipients: mark launched: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("recipients: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// FinishIfCalling applies a terminal status gated on the row still being in calling.
func (r *RecipientRepository) FinishIfCalling(ctx context.Context, id uuid.UUID, to domain.CallStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE recipients SET call_status = $1, updated_at = NOW() WHERE id = $2 AND call_status = $3`,
		to, id, domain.CallStatusCalling)
	if err != nil {
		return false, fmt.Errorf("recipients: finish: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("recipients: rows affected: %w", err)
	}
	return n == 1, nil
}

// RequeueIfCalling returns a calling recipient to pending for a later attempt.
func (r *RecipientRepository) RequeueIfCalling(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE recipients SET call_status = $1, next_attempt_at = $2, call_reference = NULL, updated_at = NOW()
		 WHERE id = $3 AND call_status = $4`,
		domain.CallStatusPending, nextAttemptAt, id, domain.CallStatusCalling)
	if err != nil {
		return false, fmt.Errorf("recipients: requeue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("recipients: rows affected: %w", err)
	}
	return n == 1, nil
}

// GetByCallReference resolves a recipient from the provider call id.
func (r *RecipientRepository) GetByCallReference(ctx context.Context, callReference string) (*domain.Recipient, error) {
	row := r.db.QueryRowxContext(ctx,
		`SELECT `+recipientColumns+` FROM recipients WHERE call_reference = $1`, callReference)

	var rec recipientRecord
	if err := row.StructScan(&rec); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("recipients: get by call reference: %w", err)
	}
	recipient := rec.toDomain()
	return &recipient, nil
}

// Get fetches a recipient by id.
func (r *RecipientRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Recipient, error) {
	row := r.db.QueryRowxContext(ctx,
		`SELECT `+recipientColumns+` FROM recipients WHERE id = $1`, id)

	var rec recipientRecord
	if err := row.StructScan(&rec); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("recipients: get: %w", err)
	}
	recipient := rec.toDomain()
	return &recipient, nil
}

// ListStuck returns calling recipients whose last activity predates cutoff.
// Rows that never reached the provider fall back to updated_at, so a crash
// between claim and launch is also reclaimed.
func (r *RecipientRepository) ListStuck(ctx context.Context, campaignID uuid.UUID, cutoff time.Time, limit int) ([]domain.Recipient, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryxContext(ctx, `SELECT `+recipientColumns+`
		FROM recipients
		WHERE campaign_id = $1 AND call_status = $2
		  AND COALESCE(last_attempt_at, updated_at) < $3
		ORDER BY created_at ASC LIMIT $4`,
		campaignID, domain.CallStatusCalling, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("recipients: list stuck: %w", err)
	}
	defer rows.Close()

	return scanRecipients(rows)
}

// CancelPending bulk-cancels every pending recipient for the campaign.
func (r *RecipientRepository) CancelPending(ctx context.Context, campaignID uuid.UUID) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE recipients SET call_status = $1, updated_at = NOW() WHERE campaign_id = $2 AND call_status = $3`,
		domain.CallStatusCanceled, campaignID, domain.CallStatusPending)
	if err != nil {
		return 0, fmt.Errorf("recipients: cancel pending: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recipients: rows affected: %w", err)
	}
	return n, nil
}

// ListByCampaign lists recipients, optionally filtered by status.
func (r *RecipientRepository) ListByCampaign(ctx context.Context, campaignID uuid.UUID, status domain.CallStatus, limit int) ([]domain.Recipient, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + recipientColumns + ` FROM recipients WHERE campaign_id = $1`
	args := []any{campaignID}
	if status != "" {
		query += ` AND call_status = $2 ORDER BY created_at ASC LIMIT $3`
		args = append(args, status, limit)
	} else {
		query += ` ORDER BY created_at ASC LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recipients: list: %w", err)
	}
	defer rows.Close()

	return scanRecipients(rows)
}

func scanRecipients(rows *sqlx.Rows) ([]domain.Recipient, error) {
	var results []domain.Recipient
	for rows.Next() {
		var rec recipientRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("recipients: scan: %w", err)
		}
		results = append(results, rec.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recipients: rows err: %w", err)
	}
	return results, nil
}

type recipientRecord struct {
	ID            uuid.UUID      `db:"id"`
	CampaignID    uuid.UUID      `db:"campaign_id"`
	PhoneNumber   string         `db:"phone_number"`
	Name          sql.NullString `db:"name"`
	Variables     []byte         `db:"variables"`
	CallStatus    string         `db:"call_status"`
	Attempts      int            `db:"attempts"`
	LastAttemptAt sql.NullTime   `db:"last_attempt_at"`
	NextAttemptAt sql.NullTime   `db:"next_attempt_at"`
	CallReference sql.NullString `db:"call_reference"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

func (r recipientRecord) toDomain() domain.Recipient {
	var variables map[string]any
	_ = json.Unmarshal(r.Variables, &variables)

	recipient := domain.Recipient{
		ID:          r.ID,
		CampaignID:  r.CampaignID,
		PhoneNumber: r.PhoneNumber,
		Name:        r.Name.String,
		Variables:   variables,
		CallStatus:  domain.CallStatus(r.CallStatus),
		Attempts:    r.Attempts,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.LastAttemptAt.Valid {
		t := r.LastAttemptAt.Time
		recipient.LastAttemptAt = &t
	}
	if r.NextAttemptAt.Valid {
		t := r.NextAttemptAt.Time
		recipient.NextAttemptAt = &t
	}
	if r.CallReference.Valid {
		ref := r.CallReference.String
		recipient.CallReference = &ref
	}
	return recipient
}
