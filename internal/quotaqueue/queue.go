// Package quotaqueue holds jobs a provider rejected for quota and retries
// them, head first, on a single scheduler. The queue lives in memory and is
// rebuilt from quota_queued job rows at startup.
package quotaqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/creditforge/backend/internal/apperr"
	"github.com/creditforge/backend/internal/execution"
	"github.com/creditforge/backend/internal/jobs"
	"github.com/creditforge/backend/internal/models"
)

// Failure messages recorded on jobs the queue gives up on.
const (
	ReasonQueueFull        = "QUOTA_QUEUE_FULL"
	ReasonRetriesExhausted = string(apperr.CodeQuotaExhausted)
)

const recoverLimit = 10000

type JobService interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	MarkQuotaQueued(ctx context.Context, id uuid.UUID) (*models.Job, error)
	SetQuotaRetries(ctx context.Context, id uuid.UUID, retries int) error
	Complete(ctx context.Context, id uuid.UUID, out jobs.Outcome) (*jobs.CompleteResult, error)
	ListByStatus(ctx context.Context, status string, limit int) ([]*models.Job, error)
}

// Retrier re-attempts dispatch of a quota_queued job.
type Retrier interface {
	RetryDispatch(ctx context.Context, jobID uuid.UUID) (execution.Result, error)
}

type Config struct {
	RetryInterval time.Duration
	MaxRetries    int
	MaxSize       int
}

// Entry is a queued job as reported by Snapshot.
type Entry struct {
	JobID      uuid.UUID `json:"job_id"`
	Retries    int       `json:"retries"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	// Evicted entries are waiting for their job to be failed.
	Evicted bool `json:"evicted,omitempty"`
}

type Queue struct {
	jobs    JobService
	retrier Retrier
	cfg     Config
	logger  *slog.Logger

	mu      sync.Mutex
	entries []*Entry

	// procMu keeps one head retry in flight at a time.
	procMu sync.Mutex
}

func New(js JobService, retrier Retrier, cfg Config, logger *slog.Logger) *Queue {
	return &Queue{jobs: js, retrier: retrier, cfg: cfg, logger: logger}
}

// Enqueue marks the job quota_queued and appends it. A job already in the
// queue keeps its place. When the queue is full its oldest entry is evicted
// and that job failed.
func (q *Queue) Enqueue(ctx context.Context, jobID uuid.UUID) error {
	job, err := q.jobs.MarkQuotaQueued(ctx, jobID)
	if err != nil {
		return err
	}
	enqueuedAt := time.Now().UTC()
	if job.QuotaQueuedAt != nil {
		enqueuedAt = *job.QuotaQueuedAt
	}

	evicted, added := q.add(&Entry{JobID: jobID, Retries: job.QuotaRetries, EnqueuedAt: enqueuedAt})
	if added {
		q.logger.Warn("Job parked in quota queue", "job_id", jobID, "provider", job.Provider, "depth", q.Len())
	}
	q.failEvicted(ctx, evicted)
	return nil
}

func (q *Queue) add(e *Entry) (evicted []*Entry, added bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, cur := range q.entries {
		if cur.JobID == e.JobID {
			return nil, false
		}
	}
	for q.cfg.MaxSize > 0 && len(q.entries) >= q.cfg.MaxSize {
		head := q.entries[0]
		head.Evicted = true
		evicted = append(evicted, head)
		q.entries = q.entries[1:]
	}
	q.entries = append(q.entries, e)
	return evicted, true
}

// failEvicted fails each evicted job. An entry whose job could not be
// failed goes back to the head of the queue and is failed again on the next
// retry tick.
func (q *Queue) failEvicted(ctx context.Context, evicted []*Entry) {
	for i := len(evicted) - 1; i >= 0; i-- {
		e := evicted[i]
		q.logger.Error("Quota queue full, evicting oldest job", "job_id", e.JobID)
		if err := q.fail(ctx, e.JobID, ReasonQueueFull); err != nil {
			q.pushFront(e)
		}
	}
}

// Recover rebuilds the queue from quota_queued jobs, oldest first.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	parked, err := q.jobs.ListByStatus(ctx, models.JobStatusQuotaQueued, recoverLimit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range parked {
		e := &Entry{JobID: j.ID, Retries: j.QuotaRetries, EnqueuedAt: j.UpdatedAt}
		if j.QuotaQueuedAt != nil {
			e.EnqueuedAt = *j.QuotaQueuedAt
		}
		evicted, added := q.add(e)
		if added {
			n++
		}
		q.failEvicted(ctx, evicted)
	}
	if n > 0 {
		q.logger.Info("Quota queue recovered", "count", n, "depth", q.Len())
	}
	return n, nil
}

// Run retries the head entry every RetryInterval until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			q.procMu.Lock()
			q.processHead(ctx)
			q.procMu.Unlock()
		}
	}
}

// ProcessNow retries entries head first until one is still quota limited,
// an infrastructure error occurs, or the queue is empty. It returns how many
// entries left the queue.
func (q *Queue) ProcessNow(ctx context.Context) int {
	q.procMu.Lock()
	defer q.procMu.Unlock()
	n := 0
	for ctx.Err() == nil && q.processHead(ctx) {
		n++
	}
	return n
}

// processHead makes one retry of the head entry and reports whether the
// entry left the queue.
func (q *Queue) processHead(ctx context.Context) bool {
	head := q.head()
	if head == nil {
		return false
	}
	log := q.logger.With("job_id", head.JobID)

	job, err := q.jobs.Get(ctx, head.JobID)
	if errors.Is(err, apperr.ErrNotFound) {
		q.remove(head.JobID)
		return true
	}
	if err != nil {
		log.Warn("Quota retry deferred", "error", err)
		return false
	}
	if job.Status != models.JobStatusQuotaQueued {
		log.Info("Dropping quota entry, job moved on", "status", job.Status)
		q.remove(head.JobID)
		return true
	}
	if head.Evicted {
		if err := q.fail(ctx, head.JobID, ReasonQueueFull); err != nil {
			return false
		}
		q.remove(head.JobID)
		return true
	}
	if head.Retries >= q.cfg.MaxRetries {
		return q.exhausted(ctx, head)
	}

	retries := q.bump(head)
	if err := q.jobs.SetQuotaRetries(ctx, head.JobID, retries); err != nil {
		log.Warn("Persisting quota retry count failed", "error", err)
	}

	res, err := q.retrier.RetryDispatch(ctx, head.JobID)
	if err != nil {
		log.Warn("Quota retry failed", "retries", retries, "error", err)
		return false
	}
	if res == execution.QuotaLimited {
		if retries >= q.cfg.MaxRetries {
			return q.exhausted(ctx, head)
		}
		log.Info("Provider still quota limited", "retries", retries, "max_retries", q.cfg.MaxRetries)
		return false
	}
	log.Info("Quota entry resolved", "result", res.String(), "retries", retries)
	q.remove(head.JobID)
	return true
}

// exhausted fails the entry's job and reports whether the entry left the
// queue. The entry stays at the head when the job could not be failed.
func (q *Queue) exhausted(ctx context.Context, e *Entry) bool {
	q.logger.Error("Quota retries exhausted", "job_id", e.JobID, "retries", e.Retries)
	if err := q.fail(ctx, e.JobID, ReasonRetriesExhausted); err != nil {
		return false
	}
	q.remove(e.JobID)
	return true
}

// fail fails a job only while it is still quota_queued, so an entry that
// was dispatched concurrently is left alone. A job that already moved on
// counts as done.
func (q *Queue) fail(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := q.jobs.Complete(ctx, id, jobs.Outcome{ErrorMessage: reason, RequireStatus: models.JobStatusQuotaQueued})
	switch {
	case err == nil, errors.Is(err, apperr.ErrStatusConflict), errors.Is(err, apperr.ErrNotFound):
		return nil
	default:
		q.logger.Error("Failing quota queued job failed", "job_id", id, "reason", reason, "error", err)
		return err
	}
}

func (q *Queue) head() *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil
	}
	return q.entries[0]
}

func (q *Queue) pushFront(e *Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append([]*Entry{e}, q.entries...)
}

func (q *Queue) bump(e *Entry) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	e.Retries++
	return e.Retries
}

func (q *Queue) remove(id uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.JobID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
	}
}

// Len returns the queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Snapshot returns a copy of the queue, head first.
func (q *Queue) Snapshot() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.entries))
	for i, e := range q.entries {
		out[i] = *e
	}
	return out
}
