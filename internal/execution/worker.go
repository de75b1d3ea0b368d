package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/creditforge/backend/internal/apperr"
)

// DispatchArgs asks a worker to start a queued job at its provider.
type DispatchArgs struct {
	JobID uuid.UUID `json:"job_id"`
}

func (DispatchArgs) Kind() string { return "dispatch_generation" }

// DispatchWorker is the River worker behind the dispatch pool. Pool size is
// the queue's MaxWorkers.
type DispatchWorker struct {
	river.WorkerDefaults[DispatchArgs]
	dispatcher *Dispatcher
	logger     *slog.Logger
}

func NewDispatchWorker(d *Dispatcher, logger *slog.Logger) *DispatchWorker {
	return &DispatchWorker{dispatcher: d, logger: logger}
}

// Work returns an error whenever the job may still be queued with its hold
// in place, so River retries it. Once attempts are exhausted River discards
// the job and the reconcile sweep resubmits it.
func (w *DispatchWorker) Work(ctx context.Context, job *river.Job[DispatchArgs]) (err error) {
	jobID := job.Args.JobID
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Dispatch worker panicked", "job_id", jobID, "panic", r)
			_, err = w.dispatcher.fail(ctx, jobID, string(apperr.CodeInternal))
		}
	}()

	_, err = w.dispatcher.Dispatch(ctx, jobID)
	if err == nil {
		return nil
	}
	if errors.Is(err, apperr.ErrNotFound) {
		w.logger.Warn("Dispatch skipped, job not found", "job_id", jobID)
		return river.JobCancel(err)
	}
	if job.Attempt >= job.MaxAttempts {
		w.logger.Error("Dispatch attempts exhausted", "job_id", jobID, "attempt", job.Attempt, "error", err)
		if _, ferr := w.dispatcher.fail(ctx, jobID, string(apperr.CodeProviderError)); ferr != nil {
			return fmt.Errorf("dispatch job %s: %w", jobID, errors.Join(err, ferr))
		}
		return nil
	}
	return fmt.Errorf("dispatch job %s: %w", jobID, err)
}
