package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/creditforge/backend/internal/catalog"
	"github.com/creditforge/backend/internal/models"
	"github.com/creditforge/backend/internal/reservation"
)

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository is the job persistence the registry needs. Implemented by
// repository.JobRepo and memory.JobRepo.
type Repository interface {
	CreateTx(ctx context.Context, tx pgx.Tx, j *models.Job) error
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Job, error)
	GetByUpstream(ctx context.Context, provider, upstreamID string) (*models.Job, error)
	UpdateTx(ctx context.Context, tx pgx.Tx, j *models.Job) error
	SetProgress(ctx context.Context, id uuid.UUID, progress int) error
	SetQuotaRetries(ctx context.Context, id uuid.UUID, retries int) error
	ListByIdentity(ctx context.Context, identityID uuid.UUID, limit int) ([]*models.Job, error)
	ListByStatus(ctx context.Context, status string, limit int) ([]*models.Job, error)
	CountByStatus(ctx context.Context, statuses ...string) (int, error)
}

// Reservations is the slice of the reservation manager the registry drives.
type Reservations interface {
	ReserveTx(ctx context.Context, tx pgx.Tx, identityID uuid.UUID, actionKey string, jobID uuid.UUID, meta json.RawMessage) (*reservation.ReserveResult, error)
	FinalizeTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*reservation.Resolution, error)
	ReleaseTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, reason string) (*reservation.Resolution, error)
	HeldBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Reservation, error)
}

// Actions resolves an action key to its catalogue entry.
type Actions interface {
	Lookup(key string) (*catalog.Action, error)
}

// Submitter enqueues dispatch of a job inside the transaction that created
// it, so a committed job always has dispatch work behind it.
type Submitter interface {
	SubmitTx(ctx context.Context, tx pgx.Tx, jobID uuid.UUID) error
}
