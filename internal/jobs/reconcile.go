package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/creditforge/backend/internal/apperr"
	"github.com/creditforge/backend/internal/models"
)

const reconcileBatch = 500

// ReconcileReport counts what a sweep resolved.
type ReconcileReport struct {
	Scanned   int
	Finalized int
	Released  int
	// Resubmitted counts queued jobs handed back to the dispatch pool.
	Resubmitted int
}

// Reconcile resolves held reservations older than grace whose job already
// reached a terminal status, or whose job row does not exist. Jobs still
// queued after grace are submitted for dispatch again. Holds of pending and
// quota_queued jobs are left to the poller and the quota queue.
func (s *Service) Reconcile(ctx context.Context, grace time.Duration) (ReconcileReport, error) {
	var report ReconcileReport
	held, err := s.reservations.HeldBefore(ctx, s.now().Add(-grace), reconcileBatch)
	if err != nil {
		return report, fmt.Errorf("list held reservations: %w", err)
	}

	var errs []error
	for _, res := range held {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++
		var finalized, released, resubmitted bool
		err := s.inTx(ctx, func(tx pgx.Tx) error {
			finalized, released, resubmitted = false, false, false
			job, err := s.repo.GetForUpdate(ctx, tx, res.JobID)
			switch {
			case errors.Is(err, apperr.ErrNotFound):
				r, err := s.reservations.ReleaseTx(ctx, tx, res.ID, "orphaned reservation")
				released = err == nil && r.Changed()
				return err
			case err != nil:
				return err
			case job.Status == models.JobStatusReady:
				r, err := s.reservations.FinalizeTx(ctx, tx, res.ID)
				finalized = err == nil && r.Changed()
				return err
			case job.Status == models.JobStatusFailed:
				r, err := s.reservations.ReleaseTx(ctx, tx, res.ID, job.ErrorMessage)
				released = err == nil && r.Changed()
				return err
			case job.Status == models.JobStatusQueued:
				// The dispatch job may have been discarded; River drops the
				// duplicate when one is still scheduled.
				if err := s.submitter.SubmitTx(ctx, tx, job.ID); err != nil {
					return fmt.Errorf("resubmit: %w", err)
				}
				resubmitted = true
			}
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("reservation %s: %w", res.ID, err))
			continue
		}
		if finalized {
			report.Finalized++
		}
		if released {
			report.Released++
		}
		if resubmitted {
			report.Resubmitted++
		}
	}

	if report.Finalized+report.Released+report.Resubmitted > 0 {
		s.logger.Warn("Reconciled stale reservations", "scanned", report.Scanned, "finalized", report.Finalized,
			"released", report.Released, "resubmitted", report.Resubmitted)
	}
	return report, errors.Join(errs...)
}
