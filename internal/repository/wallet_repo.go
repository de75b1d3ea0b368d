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

type WalletRepo struct {
	pool *pgxpool.Pool
}

func NewWalletRepo(pool *pgxpool.Pool) *WalletRepo {
	return &WalletRepo{pool: pool}
}

// EnsureTx creates a zero-balance wallet for the identity if none exists.
func (r *WalletRepo) EnsureTx(ctx context.Context, tx pgx.Tx, identityID uuid.UUID) error {
	_, err := conn(r.pool, tx).Exec(ctx, `
		INSERT INTO wallets (identity_id) VALUES ($1)
		ON CONFLICT (identity_id) DO NOTHING
	`, identityID)
	return err
}

func (r *WalletRepo) Get(ctx context.Context, identityID uuid.UUID) (*models.Wallet, error) {
	return r.scanOne(ctx, r.pool, `
		SELECT identity_id, balance_credits, created_at, updated_at
		FROM wallets WHERE identity_id = $1
	`, identityID)
}

// GetForUpdate locks the wallet row (SELECT FOR UPDATE) for the rest of tx.
func (r *WalletRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, identityID uuid.UUID) (*models.Wallet, error) {
	return r.scanOne(ctx, tx, `
		SELECT identity_id, balance_credits, created_at, updated_at
		FROM wallets WHERE identity_id = $1 FOR UPDATE
	`, identityID)
}

// SetBalanceTx writes the new balance of a wallet locked by GetForUpdate.
func (r *WalletRepo) SetBalanceTx(ctx context.Context, tx pgx.Tx, identityID uuid.UUID, balance int64) error {
	tag, err := tx.Exec(ctx, `
		UPDATE wallets SET balance_credits = $2, updated_at = now()
		WHERE identity_id = $1
	`, identityID, balance)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("wallet", identityID)
	}
	return nil
}

func (r *WalletRepo) scanOne(ctx context.Context, q DBTX, sql string, identityID uuid.UUID) (*models.Wallet, error) {
	var w models.Wallet
	err := q.QueryRow(ctx, sql, identityID).Scan(&w.IdentityID, &w.BalanceCredits, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("wallet", identityID)
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

const ledgerDelta = `CASE WHEN kind = 'capture' THEN -amount ELSE amount END`

// ListDrift returns wallets whose balance differs from the signed sum of
// their ledger entries, largest drift first.
func (r *WalletRepo) ListDrift(ctx context.Context, limit int) ([]*models.WalletDrift, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT w.identity_id, w.balance_credits, COALESCE(l.total, 0), COALESCE(l.entries, 0)
		FROM wallets w
		LEFT JOIN (
			SELECT identity_id, SUM(`+ledgerDelta+`) AS total, COUNT(*) AS entries
			FROM ledger_entries GROUP BY identity_id
		) l ON l.identity_id = w.identity_id
		WHERE w.balance_credits <> COALESCE(l.total, 0)
		ORDER BY ABS(w.balance_credits - COALESCE(l.total, 0)) DESC, w.identity_id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.WalletDrift
	for rows.Next() {
		var d models.WalletDrift
		if err := rows.Scan(&d.IdentityID, &d.CachedBalance, &d.LedgerSum, &d.EntryCount); err != nil {
			return nil, err
		}
		d.Drift = d.LedgerSum - d.CachedBalance
		list = append(list, &d)
	}
	return list, rows.Err()
}

// LedgerSumTx returns the signed sum and count of the identity's entries.
func (r *WalletRepo) LedgerSumTx(ctx context.Context, tx pgx.Tx, identityID uuid.UUID) (sum, count int64, err error) {
	err = conn(r.pool, tx).QueryRow(ctx, `
		SELECT COALESCE(SUM(`+ledgerDelta+`), 0), COUNT(*)
		FROM ledger_entries WHERE identity_id = $1
	`, identityID).Scan(&sum, &count)
	return sum, count, err
}

func (r *WalletRepo) InsertRepairTx(ctx context.Context, tx pgx.Tx, rep *models.WalletRepair) error {
	return tx.QueryRow(ctx, `
		INSERT INTO wallet_repairs (id, identity_id, old_balance, new_balance, drift_amount, reason, trigger_source)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, rep.ID, rep.IdentityID, rep.OldBalance, rep.NewBalance, rep.DriftAmount, rep.Reason, rep.TriggerSource).Scan(&rep.CreatedAt)
}

func (r *WalletRepo) ListRepairs(ctx context.Context, limit int) ([]*models.WalletRepair, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, identity_id, old_balance, new_balance, drift_amount, reason, trigger_source, created_at
		FROM wallet_repairs ORDER BY created_at DESC, id LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.WalletRepair
	for rows.Next() {
		var rep models.WalletRepair
		if err := rows.Scan(&rep.ID, &rep.IdentityID, &rep.OldBalance, &rep.NewBalance, &rep.DriftAmount, &rep.Reason, &rep.TriggerSource, &rep.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &rep)
	}
	return list, rows.Err()
}
