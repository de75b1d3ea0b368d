// Package reservation holds credits against a wallet before work starts and
// resolves each hold exactly once: finalized into a ledger capture, or
// released back to the available balance.
package reservation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/creditforge/backend/internal/apperr"
	"github.com/creditforge/backend/internal/ledger"
	"github.com/creditforge/backend/internal/models"
)

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Pricer resolves the credit cost of an action.
type Pricer interface {
	Cost(actionKey string) (int64, error)
}

// Repo is the reservation persistence the manager needs.
type Repo interface {
	InsertTx(ctx context.Context, tx pgx.Tx, r *models.Reservation) (bool, error)
	GetByJobID(ctx context.Context, tx pgx.Tx, jobID uuid.UUID) (*models.Reservation, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Reservation, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Reservation, error)
	ResolveTx(ctx context.Context, tx pgx.Tx, r *models.Reservation) error
	ListHeldBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Reservation, error)
}

// Wallets is the subset of the ledger used to check and capture holds.
type Wallets interface {
	LockTx(ctx context.Context, tx pgx.Tx, identityID uuid.UUID) (balance, held int64, err error)
	ApplyEntryTx(ctx context.Context, tx pgx.Tx, identityID uuid.UUID, kind string, amount int64, ref ledger.Ref) (*models.LedgerEntry, error)
}

// ReserveResult is returned by Reserve. Balance figures are taken under the
// wallet lock and include the returned reservation.
type ReserveResult struct {
	Reservation *models.Reservation
	IsExisting  bool
	Balance     int64
	Held        int64
	Available   int64
}

// Resolution is returned by Finalize and Release.
type Resolution struct {
	Reservation         *models.Reservation
	WasAlreadyFinalized bool
	WasAlreadyReleased  bool
}

// Changed reports whether this call moved the reservation out of held.
func (r *Resolution) Changed() bool {
	return !r.WasAlreadyFinalized && !r.WasAlreadyReleased
}

type Manager struct {
	db      TxBeginner
	repo    Repo
	wallets Wallets
	pricer  Pricer
	logger  *slog.Logger
	now     func() time.Time
}

func NewManager(db TxBeginner, repo Repo, wallets Wallets, pricer Pricer, logger *slog.Logger) *Manager {
	return &Manager{
		db:      db,
		repo:    repo,
		wallets: wallets,
		pricer:  pricer,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Reserve holds the cost of actionKey for jobID in its own transaction.
func (m *Manager) Reserve(ctx context.Context, identityID uuid.UUID, actionKey string, jobID uuid.UUID, meta json.RawMessage) (*ReserveResult, error) {
	var out *ReserveResult
	err := m.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		out, err = m.ReserveTx(ctx, tx, identityID, actionKey, jobID, meta)
		return err
	})
	return out, err
}

// ReserveTx holds credits inside the caller's transaction. The wallet row is
// locked before availability is computed, so the check and the insert see the
// same balance. A second call for the same jobID returns the first
// reservation with IsExisting set.
func (m *Manager) ReserveTx(ctx context.Context, tx pgx.Tx, identityID uuid.UUID, actionKey string, jobID uuid.UUID, meta json.RawMessage) (*ReserveResult, error) {
	cost, err := m.pricer.Cost(actionKey)
	if err != nil {
		return nil, err
	}

	balance, held, err := m.wallets.LockTx(ctx, tx, identityID)
	if err != nil {
		return nil, err
	}

	existing, err := m.repo.GetByJobID(ctx, tx, jobID)
	if err != nil {
		return nil, fmt.Errorf("lookup reservation by job: %w", err)
	}
	if existing != nil {
		return m.existing(existing, identityID, balance, held)
	}

	available := balance - held
	if available < cost {
		return nil, apperr.InsufficientCredits(cost, available, balance)
	}

	res := &models.Reservation{
		ID:         uuid.New(),
		IdentityID: identityID,
		JobID:      jobID,
		ActionKey:  actionKey,
		Cost:       cost,
		Status:     models.ReservationHeld,
		Meta:       meta,
	}
	inserted, err := m.repo.InsertTx(ctx, tx, res)
	if err != nil {
		return nil, fmt.Errorf("insert reservation: %w", err)
	}
	if !inserted {
		// Lost a race on job_id against a different wallet.
		existing, err := m.repo.GetByJobID(ctx, tx, jobID)
		if err != nil {
			return nil, fmt.Errorf("lookup reservation by job: %w", err)
		}
		if existing == nil {
			return nil, apperr.New(apperr.CodeInternal, "reservation for job %s vanished", jobID)
		}
		return m.existing(existing, identityID, balance, held)
	}

	m.logger.Info("Credits reserved", "reservation_id", res.ID, "job_id", jobID, "identity_id", identityID, "cost", cost)
	return &ReserveResult{
		Reservation: res,
		Balance:     balance,
		Held:        held + cost,
		Available:   available - cost,
	}, nil
}

func (m *Manager) existing(res *models.Reservation, identityID uuid.UUID, balance, held int64) (*ReserveResult, error) {
	if res.IdentityID != identityID {
		return nil, apperr.New(apperr.CodeStatusConflict, "job %s is reserved by another identity", res.JobID)
	}
	return &ReserveResult{
		Reservation: res,
		IsExisting:  true,
		Balance:     balance,
		Held:        held,
		Available:   balance - held,
	}, nil
}

// Finalize captures a held reservation in its own transaction.
func (m *Manager) Finalize(ctx context.Context, id uuid.UUID) (*Resolution, error) {
	var out *Resolution
	err := m.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		out, err = m.FinalizeTx(ctx, tx, id)
		return err
	})
	return out, err
}

// FinalizeTx moves a held reservation to finalized and appends a capture
// entry for its cost. Finalized and released reservations are left alone.
func (m *Manager) FinalizeTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Resolution, error) {
	res, err := m.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	switch res.Status {
	case models.ReservationFinalized:
		return &Resolution{Reservation: res, WasAlreadyFinalized: true}, nil
	case models.ReservationReleased:
		return &Resolution{Reservation: res, WasAlreadyReleased: true}, nil
	}

	now := m.now()
	res.Status = models.ReservationFinalized
	res.FinalizedAt = &now
	if err := m.repo.ResolveTx(ctx, tx, res); err != nil {
		return nil, err
	}
	if res.Cost > 0 {
		if _, err := m.wallets.ApplyEntryTx(ctx, tx, res.IdentityID, models.LedgerKindCapture, res.Cost,
			ledger.Ref{Type: models.RefTypeReservation, ID: &res.ID}); err != nil {
			return nil, err
		}
	}
	m.logger.Info("Reservation finalized", "reservation_id", res.ID, "job_id", res.JobID, "cost", res.Cost)
	return &Resolution{Reservation: res}, nil
}

// Release returns a held reservation to the available balance in its own
// transaction.
func (m *Manager) Release(ctx context.Context, id uuid.UUID, reason string) (*Resolution, error) {
	var out *Resolution
	err := m.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		out, err = m.ReleaseTx(ctx, tx, id, reason)
		return err
	})
	return out, err
}

// ReleaseTx moves a held reservation to released. No ledger entry is written:
// a hold never debited the balance.
func (m *Manager) ReleaseTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, reason string) (*Resolution, error) {
	res, err := m.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	switch res.Status {
	case models.ReservationReleased:
		return &Resolution{Reservation: res, WasAlreadyReleased: true}, nil
	case models.ReservationFinalized:
		return &Resolution{Reservation: res, WasAlreadyFinalized: true}, nil
	}

	now := m.now()
	res.Status = models.ReservationReleased
	res.ReleaseReason = reason
	res.ReleasedAt = &now
	if err := m.repo.ResolveTx(ctx, tx, res); err != nil {
		return nil, err
	}
	m.logger.Info("Reservation released", "reservation_id", res.ID, "job_id", res.JobID, "reason", reason)
	return &Resolution{Reservation: res}, nil
}

func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*models.Reservation, error) {
	return m.repo.Get(ctx, id)
}

// HeldBefore lists held reservations created before cutoff.
func (m *Manager) HeldBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Reservation, error) {
	return m.repo.ListHeldBefore(ctx, cutoff, limit)
}

func (m *Manager) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := m.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
