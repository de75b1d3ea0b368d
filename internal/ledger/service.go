// Package ledger owns wallet balances and their append-only entry log.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/creditforge/backend/internal/apperr"
	"github.com/creditforge/backend/internal/models"
)

// Ref identifies what caused a ledger entry.
type Ref struct {
	Type string
	ID   *uuid.UUID
}

type Service interface {
	EnsureWallet(ctx context.Context, identityID uuid.UUID) error
	GetBalance(ctx context.Context, identityID uuid.UUID) (int64, error)
	GetHeld(ctx context.Context, identityID uuid.UUID) (int64, error)
	Summary(ctx context.Context, identityID uuid.UUID) (*models.WalletSummary, error)
	// LockTx locks the identity's wallet for the rest of tx and returns its
	// balance and held total as seen under that lock.
	LockTx(ctx context.Context, tx pgx.Tx, identityID uuid.UUID) (balance, held int64, err error)
	// ApplyEntryTx appends an entry and moves the balance in the same tx.
	ApplyEntryTx(ctx context.Context, tx pgx.Tx, identityID uuid.UUID, kind string, amount int64, ref Ref) (*models.LedgerEntry, error)
	Grant(ctx context.Context, identityID uuid.UUID, amount int64, refType string) (*models.LedgerEntry, error)
	Refund(ctx context.Context, identityID uuid.UUID, amount int64, ref Ref) (*models.LedgerEntry, error)
	Entries(ctx context.Context, identityID uuid.UUID, limit int) ([]*models.LedgerEntry, error)
}

type service struct {
	db      TxBeginner
	wallets WalletRepo
	entries EntryRepo
	holds   HoldRepo
}

func NewService(db TxBeginner, wallets WalletRepo, entries EntryRepo, holds HoldRepo) Service {
	return &service{db: db, wallets: wallets, entries: entries, holds: holds}
}

var _ Service = (*service)(nil)

func (s *service) EnsureWallet(ctx context.Context, identityID uuid.UUID) error {
	return s.wallets.EnsureTx(ctx, nil, identityID)
}

// GetBalance returns 0 for identities that have no wallet yet.
func (s *service) GetBalance(ctx context.Context, identityID uuid.UUID) (int64, error) {
	w, err := s.wallets.Get(ctx, identityID)
	if errors.Is(err, apperr.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get wallet: %w", err)
	}
	return w.BalanceCredits, nil
}

func (s *service) GetHeld(ctx context.Context, identityID uuid.UUID) (int64, error) {
	held, err := s.holds.SumHeld(ctx, nil, identityID)
	if err != nil {
		return 0, fmt.Errorf("sum held: %w", err)
	}
	return held, nil
}

func (s *service) Summary(ctx context.Context, identityID uuid.UUID) (*models.WalletSummary, error) {
	balance, err := s.GetBalance(ctx, identityID)
	if err != nil {
		return nil, err
	}
	held, err := s.GetHeld(ctx, identityID)
	if err != nil {
		return nil, err
	}
	return &models.WalletSummary{
		IdentityID: identityID,
		Balance:    balance,
		Held:       held,
		Available:  balance - held,
	}, nil
}

func (s *service) LockTx(ctx context.Context, tx pgx.Tx, identityID uuid.UUID) (int64, int64, error) {
	if err := s.wallets.EnsureTx(ctx, tx, identityID); err != nil {
		return 0, 0, fmt.Errorf("ensure wallet: %w", err)
	}
	w, err := s.wallets.GetForUpdate(ctx, tx, identityID)
	if err != nil {
		return 0, 0, fmt.Errorf("lock wallet: %w", err)
	}
	held, err := s.holds.SumHeld(ctx, tx, identityID)
	if err != nil {
		return 0, 0, fmt.Errorf("sum held: %w", err)
	}
	return w.BalanceCredits, held, nil
}

func (s *service) ApplyEntryTx(ctx context.Context, tx pgx.Tx, identityID uuid.UUID, kind string, amount int64, ref Ref) (*models.LedgerEntry, error) {
	if !models.ValidLedgerKind(kind) {
		return nil, apperr.New(apperr.CodeValidation, "unknown ledger entry kind %q", kind)
	}
	if amount <= 0 {
		return nil, apperr.New(apperr.CodeValidation, "ledger amount must be positive, got %d", amount)
	}
	if err := s.wallets.EnsureTx(ctx, tx, identityID); err != nil {
		return nil, fmt.Errorf("ensure wallet: %w", err)
	}
	w, err := s.wallets.GetForUpdate(ctx, tx, identityID)
	if err != nil {
		return nil, fmt.Errorf("lock wallet: %w", err)
	}
	newBalance := w.BalanceCredits + models.LedgerDelta(kind, amount)
	if newBalance < 0 {
		return nil, apperr.InsufficientCredits(amount, w.BalanceCredits, w.BalanceCredits)
	}
	if err := s.wallets.SetBalanceTx(ctx, tx, identityID, newBalance); err != nil {
		return nil, fmt.Errorf("set balance: %w", err)
	}
	entry := &models.LedgerEntry{
		ID:           uuid.New(),
		IdentityID:   identityID,
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: newBalance,
		RefType:      ref.Type,
		RefID:        ref.ID,
	}
	if err := s.entries.CreateTx(ctx, tx, entry); err != nil {
		return nil, fmt.Errorf("append ledger entry: %w", err)
	}
	return entry, nil
}

func (s *service) Grant(ctx context.Context, identityID uuid.UUID, amount int64, refType string) (*models.LedgerEntry, error) {
	return s.apply(ctx, identityID, models.LedgerKindGrant, amount, Ref{Type: refType})
}

func (s *service) Refund(ctx context.Context, identityID uuid.UUID, amount int64, ref Ref) (*models.LedgerEntry, error) {
	return s.apply(ctx, identityID, models.LedgerKindRefund, amount, ref)
}

func (s *service) apply(ctx context.Context, identityID uuid.UUID, kind string, amount int64, ref Ref) (*models.LedgerEntry, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	entry, err := s.ApplyEntryTx(ctx, tx, identityID, kind, amount, ref)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *service) Entries(ctx context.Context, identityID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.entries.ListByIdentity(ctx, identityID, limit)
}
