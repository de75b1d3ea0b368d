// Package poller drives dispatched provider operations to a terminal job
// status. Each tracked operation runs on its own ticker until the provider
// reports an outcome, polling errors exceed a limit, or the operation's
// wall-clock deadline passes.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/creditforge/backend/internal/apperr"
	"github.com/creditforge/backend/internal/assets"
	"github.com/creditforge/backend/internal/jobs"
	"github.com/creditforge/backend/internal/models"
	"github.com/creditforge/backend/internal/provider"
)

// Failure messages recorded on jobs the poller gives up on.
const (
	ReasonTimeout     = "POLL_TIMEOUT"
	ReasonPollErrors  = "POLL_ERRORS_EXCEEDED"
	ReasonEmptyResult = "PROVIDER_EMPTY_RESULT"
	ReasonAssetStore  = "ASSET_STORE_ERROR"
)

const rearmLimit = 1000

// Backoff between attempts to record an outcome after the deadline.
const (
	finishBackoff    = 50 * time.Millisecond
	maxFinishBackoff = time.Minute
)

type JobService interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	SetProgress(ctx context.Context, id uuid.UUID, progress int) error
	Complete(ctx context.Context, id uuid.UUID, out jobs.Outcome) (*jobs.CompleteResult, error)
	ListByStatus(ctx context.Context, status string, limit int) ([]*models.Job, error)
}

type Providers interface {
	Get(name string) (provider.Client, error)
}

// Fetcher downloads a provider-hosted result.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, string, error)
}

type Config struct {
	Interval             time.Duration
	MaxConsecutiveErrors int
	Timeout              time.Duration
}

// Operation is one provider operation being polled.
type Operation struct {
	JobID      uuid.UUID
	Provider   string
	UpstreamID string
	StartedAt  time.Time
}

// OperationOf builds the operation handle for a pending job.
func OperationOf(j *models.Job) (Operation, bool) {
	if j.UpstreamJobID == nil || *j.UpstreamJobID == "" {
		return Operation{}, false
	}
	started := j.UpdatedAt
	if j.DispatchedAt != nil {
		started = *j.DispatchedAt
	}
	return Operation{JobID: j.ID, Provider: j.Provider, UpstreamID: *j.UpstreamJobID, StartedAt: started}, true
}

type Poller struct {
	jobs      JobService
	providers Providers
	store     assets.Store
	fetcher   Fetcher
	cfg       Config
	logger    *slog.Logger

	base   context.Context
	stop   context.CancelFunc
	mu     sync.Mutex
	active map[uuid.UUID]context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a poller. fetcher may be nil, in which case provider result
// URLs are stored on the job as-is.
func New(js JobService, providers Providers, store assets.Store, fetcher Fetcher, cfg Config, logger *slog.Logger) *Poller {
	base, stop := context.WithCancel(context.Background())
	return &Poller{
		jobs:      js,
		providers: providers,
		store:     store,
		fetcher:   fetcher,
		cfg:       cfg,
		logger:    logger,
		base:      base,
		stop:      stop,
		active:    make(map[uuid.UUID]context.CancelFunc),
	}
}

// Track starts polling a pending job. Tracking a job that is already
// tracked is a no-op.
func (p *Poller) Track(job *models.Job) {
	op, ok := OperationOf(job)
	if !ok {
		p.logger.Warn("Cannot track job without upstream id", "job_id", job.ID)
		return
	}
	p.TrackOperation(op)
}

func (p *Poller) TrackOperation(op Operation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.base.Err() != nil {
		return
	}
	if _, dup := p.active[op.JobID]; dup {
		return
	}
	ctx, cancel := context.WithDeadline(p.base, op.StartedAt.Add(p.cfg.Timeout))
	p.active[op.JobID] = cancel
	p.wg.Add(1)
	go p.run(ctx, cancel, op)
}

// Untrack stops polling a job without changing it.
func (p *Poller) Untrack(jobID uuid.UUID) {
	p.mu.Lock()
	cancel, ok := p.active[jobID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

// Tracking reports whether jobID is being polled.
func (p *Poller) Tracking(jobID uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[jobID]
	return ok
}

// Active returns the number of operations being polled.
func (p *Poller) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Rearm tracks every pending job again, keeping each job's original
// dispatch time as the start of its deadline.
func (p *Poller) Rearm(ctx context.Context) (int, error) {
	pending, err := p.jobs.ListByStatus(ctx, models.JobStatusPending, rearmLimit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range pending {
		if op, ok := OperationOf(j); ok {
			p.TrackOperation(op)
			n++
		}
	}
	if n > 0 {
		p.logger.Info("Re-armed pending operations", "count", n)
	}
	return n, nil
}

// Run blocks until ctx is done, then stops all polling.
func (p *Poller) Run(ctx context.Context) error {
	<-ctx.Done()
	p.Stop()
	return nil
}

// Stop cancels every operation and waits for their goroutines. Stopped
// operations are left pending for the next Rearm.
func (p *Poller) Stop() {
	p.stop()
	p.wg.Wait()
}

func (p *Poller) run(ctx context.Context, cancel context.CancelFunc, op Operation) {
	defer p.wg.Done()
	defer func() {
		cancel()
		p.mu.Lock()
		delete(p.active, op.JobID)
		p.mu.Unlock()
	}()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	errs := 0
	// outcome is set once the operation's result is known. From then on
	// each tick only retries recording it.
	var outcome *jobs.Outcome
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				if outcome == nil {
					p.logger.Error("Operation timed out", "job_id", op.JobID, "provider", op.Provider, "upstream_id", op.UpstreamID)
					outcome = &jobs.Outcome{ErrorMessage: ReasonTimeout}
				}
				p.finishAfterDeadline(op, *outcome)
			}
			return
		case <-ticker.C:
		}
		if outcome == nil {
			var done bool
			outcome, done = p.tick(ctx, op, &errs)
			if done {
				return
			}
			if outcome == nil {
				continue
			}
		}
		if err := p.finish(ctx, op, *outcome); err != nil {
			errs++
			p.logger.Error("Recording outcome failed, retrying", "job_id", op.JobID, "attempts", errs, "error", err)
			continue
		}
		return
	}
}

// finishAfterDeadline records an outcome once the operation's deadline has
// passed, backing off between attempts until it is recorded or the poller
// stops.
func (p *Poller) finishAfterDeadline(op Operation, out jobs.Outcome) {
	backoff := finishBackoff
	for attempt := 1; ; attempt++ {
		err := p.finish(p.base, op, out)
		if err == nil || p.base.Err() != nil {
			return
		}
		p.logger.Error("Recording outcome failed, retrying", "job_id", op.JobID, "attempts", attempt, "backoff", backoff, "error", err)
		select {
		case <-p.base.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxFinishBackoff)
	}
}

// tick polls once. It returns the outcome to record, or done when the
// operation needs nothing further.
func (p *Poller) tick(ctx context.Context, op Operation, errs *int) (out *jobs.Outcome, done bool) {
	job, err := p.jobs.Get(ctx, op.JobID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, true
	}
	if err == nil && job.Status != models.JobStatusPending {
		return nil, true
	}

	client, err := p.providers.Get(op.Provider)
	if err != nil {
		return failure(string(apperr.CodeProviderError)), false
	}

	res, err := client.Poll(ctx, op.UpstreamID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false
		}
		*errs++
		p.logger.Warn("Poll failed", "job_id", op.JobID, "provider", op.Provider, "consecutive_errors", *errs, "error", err)
		if *errs >= p.cfg.MaxConsecutiveErrors {
			return failure(ReasonPollErrors), false
		}
		return nil, false
	}
	*errs = 0

	switch res.Status {
	case provider.StatusDone:
		result, err := p.resolve(ctx, res.Output)
		if err != nil {
			*errs++
			p.logger.Error("Storing result failed", "job_id", op.JobID, "consecutive_errors", *errs, "error", err)
			if *errs >= p.cfg.MaxConsecutiveErrors {
				return failure(ReasonAssetStore), false
			}
			return nil, false
		}
		return &result, false
	case provider.StatusFailed:
		msg := res.ErrorCode
		if msg == "" {
			msg = string(apperr.CodeProviderError)
		}
		if res.ErrorMessage != "" {
			msg += ": " + res.ErrorMessage
		}
		return failure(msg), false
	default:
		if err := p.jobs.SetProgress(ctx, op.JobID, res.Progress); err != nil {
			p.logger.Warn("Recording progress failed", "job_id", op.JobID, "error", err)
		}
		return nil, false
	}
}

func failure(msg string) *jobs.Outcome {
	return &jobs.Outcome{ErrorMessage: msg}
}

// Deliver stores a finished result and completes the job as ready. A result
// that cannot be stored or recorded leaves the job pending and returns the
// error.
func (p *Poller) Deliver(ctx context.Context, job *models.Job, out *provider.Output) error {
	result, err := p.resolve(ctx, out)
	if err != nil {
		return err
	}
	return p.finish(ctx, Operation{JobID: job.ID}, result)
}

// resolve turns provider output into the outcome to record, persisting the
// artifact first. Empty output is a failed outcome.
func (p *Poller) resolve(ctx context.Context, out *provider.Output) (jobs.Outcome, error) {
	if out == nil || (len(out.Data) == 0 && out.URL == "") {
		return jobs.Outcome{ErrorMessage: ReasonEmptyResult}, nil
	}
	ref, err := p.persist(ctx, out)
	if err != nil {
		return jobs.Outcome{}, err
	}
	return jobs.Outcome{Success: true, ResultURL: ref}, nil
}

func (p *Poller) persist(ctx context.Context, out *provider.Output) (string, error) {
	data, contentType := out.Data, out.ContentType
	if len(data) == 0 {
		if p.fetcher == nil {
			return out.URL, nil
		}
		var err error
		data, contentType, err = p.fetcher.Fetch(ctx, out.URL)
		if err != nil {
			return "", err
		}
		if out.ContentType != "" {
			contentType = out.ContentType
		}
	}
	return p.store.Persist(ctx, data, contentType)
}

// finish records out on the job. A job that is gone or already resolved
// differently needs nothing further and is not an error.
func (p *Poller) finish(ctx context.Context, op Operation, out jobs.Outcome) error {
	res, err := p.jobs.Complete(ctx, op.JobID, out)
	switch {
	case errors.Is(err, apperr.ErrStatusConflict):
		p.logger.Warn("Job already completed with a different outcome", "job_id", op.JobID, "error", err)
		return nil
	case errors.Is(err, apperr.ErrNotFound):
		p.logger.Warn("Job disappeared before completion", "job_id", op.JobID)
		return nil
	case err != nil:
		return err
	case res.WasAlreadyCompleted:
		p.logger.Info("Job was already completed", "job_id", op.JobID, "status", res.Job.Status)
	}
	return nil
}
