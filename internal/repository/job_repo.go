package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/creditforge/backend/internal/apperr"
	"github.com/creditforge/backend/internal/models"
)

const jobColumns = `id, identity_id, provider, action_key, action_code, status, reservation_id, upstream_job_id,
	cost_credits, progress, error_message, result_url, payload, meta, quota_retries, quota_queued_at,
	dispatched_at, completed_at, created_at, updated_at`

type JobRepo struct {
	pool *pgxpool.Pool
}

func NewJobRepo(pool *pgxpool.Pool) *JobRepo {
	return &JobRepo{pool: pool}
}

func (r *JobRepo) CreateTx(ctx context.Context, tx pgx.Tx, j *models.Job) error {
	return tx.QueryRow(ctx, `
		INSERT INTO jobs (id, identity_id, provider, action_key, action_code, status, reservation_id, cost_credits, payload, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`, j.ID, j.IdentityID, j.Provider, j.ActionKey, j.ActionCode, j.Status, j.ReservationID, j.CostCredits,
		j.Payload, j.Meta).Scan(&j.CreatedAt, &j.UpdatedAt)
}

func (r *JobRepo) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("job", id)
	}
	return j, err
}

// GetForUpdate locks the job row for the rest of tx.
func (r *JobRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("job", id)
	}
	return j, err
}

// GetByUpstream finds a job by the provider's own identifier.
func (r *JobRepo) GetByUpstream(ctx context.Context, provider, upstreamID string) (*models.Job, error) {
	j, err := scanJob(r.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE provider = $1 AND upstream_job_id = $2
	`, provider, upstreamID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("job", provider+"/"+upstreamID)
	}
	return j, err
}

// UpdateTx writes every mutable column of a job locked by GetForUpdate.
func (r *JobRepo) UpdateTx(ctx context.Context, tx pgx.Tx, j *models.Job) error {
	err := tx.QueryRow(ctx, `
		UPDATE jobs SET status = $2, upstream_job_id = $3, progress = $4, error_message = $5, result_url = $6,
			quota_retries = $7, quota_queued_at = $8, dispatched_at = $9, completed_at = $10, provider = $11,
			updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`, j.ID, j.Status, j.UpstreamJobID, j.Progress, j.ErrorMessage, j.ResultURL, j.QuotaRetries,
		j.QuotaQueuedAt, j.DispatchedAt, j.CompletedAt, j.Provider).Scan(&j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("job", j.ID)
	}
	if IsUniqueViolation(err) {
		return apperr.Wrap(apperr.CodeStatusConflict, err, "upstream id already bound to another job")
	}
	return err
}

// SetProgress records polling progress on a job that is still pending.
func (r *JobRepo) SetProgress(ctx context.Context, id uuid.UUID, progress int) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE jobs SET progress = $2, updated_at = now()
		WHERE id = $1 AND status = 'pending' AND progress <> $2
	`, id, progress)
	return err
}

// SetQuotaRetries persists the retry counter of a quota-queued job.
func (r *JobRepo) SetQuotaRetries(ctx context.Context, id uuid.UUID, retries int) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE jobs SET quota_retries = $2, updated_at = now()
		WHERE id = $1 AND status = 'quota_queued'
	`, id, retries)
	return err
}

func (r *JobRepo) ListByIdentity(ctx context.Context, identityID uuid.UUID, limit int) ([]*models.Job, error) {
	return r.list(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE identity_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, identityID, limit)
}

// ListByStatus returns jobs in status, oldest quota_queued_at (then created_at) first.
func (r *JobRepo) ListByStatus(ctx context.Context, status string, limit int) ([]*models.Job, error) {
	return r.list(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE status = $1
		ORDER BY quota_queued_at NULLS LAST, created_at LIMIT $2
	`, status, limit)
}

// CountByStatus counts jobs whose status is any of statuses.
func (r *JobRepo) CountByStatus(ctx context.Context, statuses ...string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE status = ANY($1)`, statuses).Scan(&n)
	return n, err
}

func (r *JobRepo) list(ctx context.Context, sql string, args ...any) ([]*models.Job, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, j)
	}
	return list, rows.Err()
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.IdentityID, &j.Provider, &j.ActionKey, &j.ActionCode, &j.Status, &j.ReservationID,
		&j.UpstreamJobID, &j.CostCredits, &j.Progress, &j.ErrorMessage, &j.ResultURL, &j.Payload, &j.Meta,
		&j.QuotaRetries, &j.QuotaQueuedAt, &j.DispatchedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}
