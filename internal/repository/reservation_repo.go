package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/creditforge/backend/internal/apperr"
	"github.com/creditforge/backend/internal/models"
)

const reservationColumns = `id, identity_id, job_id, action_key, cost, status, release_reason, meta, created_at, finalized_at, released_at`

type ReservationRepo struct {
	pool *pgxpool.Pool
}

func NewReservationRepo(pool *pgxpool.Pool) *ReservationRepo {
	return &ReservationRepo{pool: pool}
}

// SumHeld returns the total cost of the identity's held reservations.
func (r *ReservationRepo) SumHeld(ctx context.Context, tx pgx.Tx, identityID uuid.UUID) (int64, error) {
	var held int64
	err := conn(r.pool, tx).QueryRow(ctx, `
		SELECT COALESCE(SUM(cost), 0)::BIGINT FROM credit_reservations
		WHERE identity_id = $1 AND status = 'held'
	`, identityID).Scan(&held)
	return held, err
}

// InsertTx inserts a held reservation. It reports false, without error, when
// a reservation for the same job_id already exists.
func (r *ReservationRepo) InsertTx(ctx context.Context, tx pgx.Tx, res *models.Reservation) (bool, error) {
	err := tx.QueryRow(ctx, `
		INSERT INTO credit_reservations (id, identity_id, job_id, action_key, cost, status, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (job_id) DO NOTHING
		RETURNING created_at
	`, res.ID, res.IdentityID, res.JobID, res.ActionKey, res.Cost, res.Status, res.Meta).Scan(&res.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetByJobID returns the reservation for a job, or nil when there is none.
func (r *ReservationRepo) GetByJobID(ctx context.Context, tx pgx.Tx, jobID uuid.UUID) (*models.Reservation, error) {
	res, err := scanReservation(conn(r.pool, tx).QueryRow(ctx, `
		SELECT `+reservationColumns+` FROM credit_reservations WHERE job_id = $1
	`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return res, err
}

func (r *ReservationRepo) Get(ctx context.Context, id uuid.UUID) (*models.Reservation, error) {
	res, err := scanReservation(r.pool.QueryRow(ctx, `
		SELECT `+reservationColumns+` FROM credit_reservations WHERE id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("reservation", id)
	}
	return res, err
}

// GetForUpdate locks the reservation row for the rest of tx.
func (r *ReservationRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Reservation, error) {
	res, err := scanReservation(tx.QueryRow(ctx, `
		SELECT `+reservationColumns+` FROM credit_reservations WHERE id = $1 FOR UPDATE
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("reservation", id)
	}
	return res, err
}

// ResolveTx moves a held reservation to res.Status. The update is
// conditional on the row still being held.
func (r *ReservationRepo) ResolveTx(ctx context.Context, tx pgx.Tx, res *models.Reservation) error {
	tag, err := tx.Exec(ctx, `
		UPDATE credit_reservations
		SET status = $2, release_reason = $3, finalized_at = $4, released_at = $5
		WHERE id = $1 AND status = 'held'
	`, res.ID, res.Status, res.ReleaseReason, res.FinalizedAt, res.ReleasedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.CodeStatusConflict, "reservation %s is no longer held", res.ID)
	}
	return nil
}

// ListHeldBefore returns held reservations created before cutoff, oldest first.
func (r *ReservationRepo) ListHeldBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Reservation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+reservationColumns+` FROM credit_reservations
		WHERE status = 'held' AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, res)
	}
	return list, rows.Err()
}

func scanReservation(row pgx.Row) (*models.Reservation, error) {
	var res models.Reservation
	err := row.Scan(&res.ID, &res.IdentityID, &res.JobID, &res.ActionKey, &res.Cost, &res.Status,
		&res.ReleaseReason, &res.Meta, &res.CreatedAt, &res.FinalizedAt, &res.ReleasedAt)
	if err != nil {
		return nil, err
	}
	return &res, nil
}
