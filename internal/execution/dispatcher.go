// Package execution runs provider dispatch off the request path. Jobs are
// submitted as River jobs in the transaction that creates them; workers
// start them at the provider and hand the result to the poller or the quota
// queue.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/creditforge/backend/internal/apperr"
	"github.com/creditforge/backend/internal/catalog"
	"github.com/creditforge/backend/internal/jobs"
	"github.com/creditforge/backend/internal/models"
	"github.com/creditforge/backend/internal/provider"
)

// Result is what a single dispatch attempt did with a job.
type Result int

const (
	// Skipped means the job was not in a dispatchable status.
	Skipped Result = iota
	// Dispatched means the provider accepted the job; it is now pending.
	Dispatched
	// QuotaLimited means the provider rejected the job for quota.
	QuotaLimited
	// Failed means the job was failed and its reservation released.
	Failed
)

func (r Result) String() string {
	switch r {
	case Dispatched:
		return "dispatched"
	case QuotaLimited:
		return "quota_limited"
	case Failed:
		return "failed"
	default:
		return "skipped"
	}
}

// JobService is the registry surface dispatch drives.
type JobService interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	MarkDispatched(ctx context.Context, id uuid.UUID, provider, upstreamID string) (*models.Job, error)
	Fail(ctx context.Context, id uuid.UUID, message string) (*jobs.CompleteResult, error)
}

// Routes resolves the action a job was created for.
type Routes interface {
	Lookup(key string) (*catalog.Action, error)
}

// Providers resolves a job's provider client.
type Providers interface {
	Get(name string) (provider.Client, error)
}

// QuotaQueue parks jobs rejected for quota.
type QuotaQueue interface {
	Enqueue(ctx context.Context, jobID uuid.UUID) error
}

// Tracker takes over a dispatched job until it reaches a terminal status.
type Tracker interface {
	Track(job *models.Job)
	Deliver(ctx context.Context, job *models.Job, out *provider.Output) error
}

// Dispatcher starts jobs at their provider. Quota must be set before the
// first Dispatch; it is a field because the quota queue retries through the
// dispatcher.
type Dispatcher struct {
	Jobs      JobService
	Routes    Routes
	Providers Providers
	Tracker   Tracker
	Quota     QuotaQueue
	Logger    *slog.Logger
}

func NewDispatcher(js JobService, routes Routes, providers Providers, tracker Tracker, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{Jobs: js, Routes: routes, Providers: providers, Tracker: tracker, Logger: logger}
}

// Dispatch runs a first attempt for a queued job. A quota rejection parks
// the job in the quota queue. A job found pending is handed to the tracker
// again, since its earlier dispatch may have stopped short of that.
func (d *Dispatcher) Dispatch(ctx context.Context, jobID uuid.UUID) (Result, error) {
	job, err := d.Jobs.Get(ctx, jobID)
	if err != nil {
		return Skipped, err
	}
	switch job.Status {
	case models.JobStatusQueued:
	case models.JobStatusPending:
		d.Tracker.Track(job)
		return Skipped, nil
	default:
		d.Logger.Info("Dispatch skipped", "job_id", jobID, "status", job.Status)
		return Skipped, nil
	}

	res, err := d.Attempt(ctx, job)
	if err != nil || res != QuotaLimited {
		return res, err
	}
	if err := d.Quota.Enqueue(ctx, jobID); err != nil {
		return res, err
	}
	return res, nil
}

// RetryDispatch re-attempts a quota-queued job. The caller keeps the job
// queued when QuotaLimited is returned.
func (d *Dispatcher) RetryDispatch(ctx context.Context, jobID uuid.UUID) (Result, error) {
	job, err := d.Jobs.Get(ctx, jobID)
	if errors.Is(err, apperr.ErrNotFound) {
		return Skipped, nil
	}
	if err != nil {
		return Skipped, err
	}
	if job.Status != models.JobStatusQuotaQueued {
		return Skipped, nil
	}
	return d.Attempt(ctx, job)
}

// Attempt offers a queued or quota_queued job to the providers of its
// action in order. A provider that is out of quota, unavailable or not
// configured passes the job to the next one. QuotaLimited is returned when
// none accepted it and at least one was out of quota. Any other provider
// error fails the job with the provider's error code. Errors returned are
// infrastructure failures for the caller to retry.
func (d *Dispatcher) Attempt(ctx context.Context, job *models.Job) (Result, error) {
	req := provider.StartRequest{
		JobID:      job.ID,
		ActionKey:  job.ActionKey,
		ActionCode: job.ActionCode,
		Payload:    job.Payload,
	}
	quota := false
	for _, name := range d.route(job) {
		log := d.Logger.With("job_id", job.ID, "provider", name)
		client, err := d.Providers.Get(name)
		if err != nil {
			log.Error("No client for provider", "error", err)
			continue
		}

		start, err := client.Start(ctx, req)
		switch {
		case err == nil:
			return d.dispatched(ctx, job, name, start)
		case provider.IsQuotaExhausted(err):
			log.Warn("Provider quota exhausted", "error", err)
			quota = true
		case provider.IsUnavailable(err):
			log.Error("Provider unavailable", "error", err)
		case ctx.Err() != nil:
			return Skipped, ctx.Err()
		default:
			log.Error("Provider rejected job", "error", err)
			return d.fail(ctx, job.ID, provider.ErrorCode(err))
		}
	}
	if quota {
		return QuotaLimited, nil
	}
	d.Logger.Error("No provider could take job", "job_id", job.ID, "action_key", job.ActionKey)
	return d.fail(ctx, job.ID, string(apperr.CodeProviderError))
}

// route returns the providers to offer job to. A job whose action left the
// catalogue keeps the provider it was created with.
func (d *Dispatcher) route(job *models.Job) []string {
	if d.Routes != nil {
		if action, err := d.Routes.Lookup(job.ActionKey); err == nil {
			return action.Route()
		}
	}
	return []string{job.Provider}
}

func (d *Dispatcher) dispatched(ctx context.Context, job *models.Job, name string, start *provider.StartResult) (Result, error) {
	pending, err := d.Jobs.MarkDispatched(ctx, job.ID, name, start.UpstreamID)
	if errors.Is(err, apperr.ErrStatusConflict) {
		// Cancelled while the provider call was in flight.
		d.Logger.Warn("Job left dispatchable status during start", "job_id", job.ID, "upstream_id", start.UpstreamID, "error", err)
		return Skipped, nil
	}
	if err != nil {
		return Skipped, err
	}

	if start.Output != nil {
		if err := d.Tracker.Deliver(ctx, pending, start.Output); err != nil {
			d.Logger.Error("Delivering synchronous result failed", "job_id", job.ID, "error", err)
			return d.fail(ctx, job.ID, "ASSET_STORE_ERROR")
		}
		return Dispatched, nil
	}
	d.Tracker.Track(pending)
	return Dispatched, nil
}

// fail fails the job and releases its hold. The error is returned when the
// job could not be failed, so the dispatch is retried rather than dropped
// with credits still held. A job that already reached the opposite outcome
// is left as it is.
func (d *Dispatcher) fail(ctx context.Context, jobID uuid.UUID, message string) (Result, error) {
	_, err := d.Jobs.Fail(ctx, jobID, message)
	switch {
	case err == nil:
		return Failed, nil
	case errors.Is(err, apperr.ErrStatusConflict):
		d.Logger.Warn("Job resolved elsewhere before it could be failed", "job_id", jobID, "reason", message, "error", err)
		return Skipped, nil
	default:
		d.Logger.Error("Failed to mark job failed", "job_id", jobID, "reason", message, "error", err)
		return Failed, fmt.Errorf("fail job %s: %w", jobID, err)
	}
}
