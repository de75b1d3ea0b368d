package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/creditforge/backend/internal/models"
)

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// WalletRepo is the wallet persistence the ledger needs.
type WalletRepo interface {
	EnsureTx(ctx context.Context, tx pgx.Tx, identityID uuid.UUID) error
	Get(ctx context.Context, identityID uuid.UUID) (*models.Wallet, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, identityID uuid.UUID) (*models.Wallet, error)
	SetBalanceTx(ctx context.Context, tx pgx.Tx, identityID uuid.UUID, balance int64) error
}

// EntryRepo is the append-only ledger entry store.
type EntryRepo interface {
	CreateTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error
	ListByIdentity(ctx context.Context, identityID uuid.UUID, limit int) ([]*models.LedgerEntry, error)
}

// HoldRepo sums the identity's active reservations.
type HoldRepo interface {
	SumHeld(ctx context.Context, tx pgx.Tx, identityID uuid.UUID) (int64, error)
}
