package execution

import (
	"context"
	"log/slog"
	"time"

	"github.com/riverqueue/river"

	"github.com/creditforge/backend/internal/jobs"
)

// ReconcileArgs triggers a sweep over stale held reservations.
type ReconcileArgs struct{}

func (ReconcileArgs) Kind() string { return "reconcile_reservations" }

// Reconciler resolves held reservations of terminal or missing jobs.
type Reconciler interface {
	Reconcile(ctx context.Context, grace time.Duration) (jobs.ReconcileReport, error)
}

type ReconcileWorker struct {
	river.WorkerDefaults[ReconcileArgs]
	reconciler Reconciler
	grace      time.Duration
	logger     *slog.Logger
}

func NewReconcileWorker(r Reconciler, grace time.Duration, logger *slog.Logger) *ReconcileWorker {
	return &ReconcileWorker{reconciler: r, grace: grace, logger: logger}
}

func (w *ReconcileWorker) Work(ctx context.Context, _ *river.Job[ReconcileArgs]) error {
	report, err := w.reconciler.Reconcile(ctx, w.grace)
	if err != nil {
		w.logger.Error("Reservation reconcile incomplete", "scanned", report.Scanned, "error", err)
		return err
	}
	w.logger.Info("Reservation reconcile finished", "scanned", report.Scanned, "finalized", report.Finalized, "released", report.Released)
	return nil
}

// PeriodicReconcile schedules the sweep every interval, starting at boot.
func PeriodicReconcile(interval time.Duration) *river.PeriodicJob {
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return ReconcileArgs{}, nil
		},
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}
