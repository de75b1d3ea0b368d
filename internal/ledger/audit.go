package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/creditforge/backend/internal/apperr"
	"github.com/creditforge/backend/internal/models"
)

// DriftRepo compares cached wallet balances with the ledger and records
// repairs.
type DriftRepo interface {
	ListDrift(ctx context.Context, limit int) ([]*models.WalletDrift, error)
	LedgerSumTx(ctx context.Context, tx pgx.Tx, identityID uuid.UUID) (sum, count int64, err error)
	InsertRepairTx(ctx context.Context, tx pgx.Tx, rep *models.WalletRepair) error
	ListRepairs(ctx context.Context, limit int) ([]*models.WalletRepair, error)
}

// Auditor keeps the cached wallet balance equal to the sum of the wallet's
// ledger entries. The ledger is never modified; only the balance is.
type Auditor struct {
	db      TxBeginner
	wallets WalletRepo
	drift   DriftRepo
	logger  *slog.Logger
}

func NewAuditor(db TxBeginner, wallets WalletRepo, drift DriftRepo, logger *slog.Logger) *Auditor {
	return &Auditor{db: db, wallets: wallets, drift: drift, logger: logger}
}

// RepairResult describes one RepairWallet call. Repair is nil when the
// balance already matched.
type RepairResult struct {
	IdentityID uuid.UUID            `json:"identity_id"`
	Repaired   bool                 `json:"repaired"`
	OldBalance int64                `json:"old_balance"`
	NewBalance int64                `json:"new_balance"`
	Repair     *models.WalletRepair `json:"repair,omitempty"`
}

// AuditReport summarises an audit run.
type AuditReport struct {
	DryRun         bool                  `json:"dry_run"`
	DriftsFound    int                   `json:"drifts_found"`
	TotalDrift     int64                 `json:"total_drift"`
	RepairsApplied int                   `json:"repairs_applied"`
	RepairFailures int                   `json:"repair_failures"`
	Drifts         []*models.WalletDrift `json:"drifts"`
}

func (a *Auditor) FindDrift(ctx context.Context, limit int) ([]*models.WalletDrift, error) {
	if limit <= 0 || limit > 10000 {
		limit = 100
	}
	return a.drift.ListDrift(ctx, limit)
}

func (a *Auditor) Repairs(ctx context.Context, limit int) ([]*models.WalletRepair, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return a.drift.ListRepairs(ctx, limit)
}

// RepairWallet sets the wallet balance to its ledger sum under the wallet
// lock and records the correction. Repairing a consistent wallet is a no-op.
func (a *Auditor) RepairWallet(ctx context.Context, identityID uuid.UUID, reason, trigger string) (*RepairResult, error) {
	tx, err := a.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	w, err := a.wallets.GetForUpdate(ctx, tx, identityID)
	if err != nil {
		return nil, err
	}
	sum, _, err := a.drift.LedgerSumTx(ctx, tx, identityID)
	if err != nil {
		return nil, fmt.Errorf("sum ledger: %w", err)
	}
	res := &RepairResult{IdentityID: identityID, OldBalance: w.BalanceCredits, NewBalance: sum}
	if sum == w.BalanceCredits {
		return res, nil
	}
	if sum < 0 {
		return nil, apperr.New(apperr.CodeInternal, "ledger of wallet %s sums to %d", identityID, sum)
	}
	if err := a.wallets.SetBalanceTx(ctx, tx, identityID, sum); err != nil {
		return nil, fmt.Errorf("set balance: %w", err)
	}
	rep := &models.WalletRepair{
		ID:            uuid.New(),
		IdentityID:    identityID,
		OldBalance:    w.BalanceCredits,
		NewBalance:    sum,
		DriftAmount:   sum - w.BalanceCredits,
		Reason:        reason,
		TriggerSource: trigger,
	}
	if err := a.drift.InsertRepairTx(ctx, tx, rep); err != nil {
		return nil, fmt.Errorf("record repair: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	a.logger.Warn("Wallet balance repaired", "identity_id", identityID,
		"old_balance", rep.OldBalance, "new_balance", rep.NewBalance, "drift", rep.DriftAmount, "reason", reason)
	res.Repaired = true
	res.Repair = rep
	return res, nil
}

// Audit finds drifted wallets and, unless dryRun is set, repairs each one.
// A failed repair is counted and logged; the rest still run.
func (a *Auditor) Audit(ctx context.Context, dryRun bool, limit int) (*AuditReport, error) {
	drifts, err := a.FindDrift(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("find drift: %w", err)
	}
	report := &AuditReport{DryRun: dryRun, DriftsFound: len(drifts), Drifts: drifts}
	for _, d := range drifts {
		report.TotalDrift += max(d.Drift, -d.Drift)
	}
	if dryRun {
		return report, nil
	}
	for _, d := range drifts {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res, err := a.RepairWallet(ctx, d.IdentityID, models.RepairReasonAudit, "cron")
		if err != nil {
			report.RepairFailures++
			a.logger.Error("Wallet repair failed", "identity_id", d.IdentityID, "error", err)
			continue
		}
		if res.Repaired {
			report.RepairsApplied++
		}
	}
	a.logger.Info("Wallet audit finished", "drifts_found", report.DriftsFound,
		"repaired", report.RepairsApplied, "failed", report.RepairFailures, "total_drift", report.TotalDrift)
	return report, nil
}
