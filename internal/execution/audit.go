package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"

	"github.com/creditforge/backend/internal/ledger"
)

// auditLimit caps the wallets repaired by one audit run.
const auditLimit = 10000

// DriftAuditArgs triggers a wallet drift audit. With DryRun set drifts are
// only reported.
type DriftAuditArgs struct {
	DryRun bool `json:"dry_run,omitempty"`
}

func (DriftAuditArgs) Kind() string { return "wallet_drift_audit" }

// Auditor finds and repairs wallets whose balance disagrees with the ledger.
type Auditor interface {
	Audit(ctx context.Context, dryRun bool, limit int) (*ledger.AuditReport, error)
}

type DriftAuditWorker struct {
	river.WorkerDefaults[DriftAuditArgs]
	auditor Auditor
	logger  *slog.Logger
}

func NewDriftAuditWorker(a Auditor, logger *slog.Logger) *DriftAuditWorker {
	return &DriftAuditWorker{auditor: a, logger: logger}
}

// Work returns an error when any repair failed so River runs the audit again.
func (w *DriftAuditWorker) Work(ctx context.Context, job *river.Job[DriftAuditArgs]) error {
	report, err := w.auditor.Audit(ctx, job.Args.DryRun, auditLimit)
	if err != nil {
		w.logger.Error("Wallet audit incomplete", "error", err)
		return err
	}
	if report.DriftsFound > 0 {
		w.logger.Warn("Wallet drift detected", "drifts_found", report.DriftsFound, "total_drift", report.TotalDrift,
			"repaired", report.RepairsApplied, "dry_run", report.DryRun)
	}
	if report.RepairFailures > 0 {
		return fmt.Errorf("wallet audit: %d of %d repairs failed", report.RepairFailures, report.DriftsFound)
	}
	return nil
}

// PeriodicDriftAudit schedules a repairing audit every interval.
func PeriodicDriftAudit(interval time.Duration) *river.PeriodicJob {
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return DriftAuditArgs{}, nil
		},
		nil,
	)
}
