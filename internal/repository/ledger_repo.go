package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/creditforge/backend/internal/models"
)

// LedgerRepo appends to and reads the ledger_entries table. There is no
// update or delete path.
type LedgerRepo struct {
	pool *pgxpool.Pool
}

func NewLedgerRepo(pool *pgxpool.Pool) *LedgerRepo {
	return &LedgerRepo{pool: pool}
}

// CreateTx inserts a ledger entry inside the given transaction.
func (r *LedgerRepo) CreateTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	return tx.QueryRow(ctx, `
		INSERT INTO ledger_entries (id, identity_id, kind, amount, balance_after, ref_type, ref_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, e.ID, e.IdentityID, e.Kind, e.Amount, e.BalanceAfter, e.RefType, e.RefID).Scan(&e.CreatedAt)
}

func (r *LedgerRepo) ListByIdentity(ctx context.Context, identityID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, identity_id, kind, amount, balance_after, ref_type, ref_id, created_at
		FROM ledger_entries WHERE identity_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2
	`, identityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.IdentityID, &e.Kind, &e.Amount, &e.BalanceAfter, &e.RefType, &e.RefID, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}
