package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creditforge/backend/internal/jobs"
	"github.com/creditforge/backend/internal/jobs/jobstest"
	"github.com/creditforge/backend/internal/models"
	"github.com/creditforge/backend/internal/provider"
	"github.com/creditforge/backend/internal/provider/mock"
)

type memStore struct {
	mu    sync.Mutex
	saved map[string][]byte
	err   error
}

func (s *memStore) Persist(_ context.Context, data []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	if s.saved == nil {
		s.saved = make(map[string][]byte)
	}
	url := fmt.Sprintf("https://assets.test/%d", len(s.saved))
	s.saved[url] = data
	return url, nil
}

var fastConfig = Config{Interval: 5 * time.Millisecond, MaxConsecutiveErrors: 3, Timeout: time.Minute}

type harness struct {
	env   *jobstest.Env
	mock  *mock.Provider
	store *memStore
	p     *Poller
	owner uuid.UUID
}

func newHarness(t *testing.T, cfg Config, opts ...mock.Option) *harness {
	t.Helper()
	env := jobstest.New(t)
	mp := mock.New(opts...)
	reg, err := provider.NewRegistry(mp)
	require.NoError(t, err)
	h := &harness{env: env, mock: mp, store: &memStore{}, owner: uuid.New()}
	h.p = New(env.Jobs, reg, h.store, nil, cfg, env.Logger)
	t.Cleanup(h.p.Stop)
	env.Fund(t, h.owner, 100)
	return h
}

// dispatched creates a job and starts it at the mock provider.
func (h *harness) dispatched(t *testing.T) *models.Job {
	t.Helper()
	ctx := context.Background()
	job := h.env.CreateJob(t, h.owner, "text_to_3d_generate")
	start, err := h.mock.Start(ctx, provider.StartRequest{JobID: job.ID})
	require.NoError(t, err)
	job, err = h.env.Jobs.MarkDispatched(ctx, job.ID, "mock", start.UpstreamID)
	require.NoError(t, err)
	return job
}

func (h *harness) waitStatus(t *testing.T, id uuid.UUID, status string) *models.Job {
	t.Helper()
	var got *models.Job
	require.Eventually(t, func() bool {
		got = h.env.Job(t, id)
		return got.Status == status
	}, 2*time.Second, 5*time.Millisecond, "job never reached %s", status)
	require.Eventually(t, func() bool { return !h.p.Tracking(id) }, time.Second, 5*time.Millisecond)
	return got
}

func TestPollToReadyFinalizes(t *testing.T) {
	h := newHarness(t, fastConfig, mock.WithPollsToFinish(3))
	job := h.dispatched(t)

	h.p.Track(job)
	h.p.Track(job)
	assert.Equal(t, 1, h.p.Active())

	got := h.waitStatus(t, job.ID, models.JobStatusReady)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, "https://example.com/mock-result.glb", got.ResultURL)
	assert.Equal(t, models.ReservationFinalized, h.env.ReservationOf(t, got).Status)
	assert.Equal(t, int64(80), h.env.Summary(t, h.owner).Balance)
}

func TestInlineOutputIsPersisted(t *testing.T) {
	h := newHarness(t, fastConfig, mock.WithOutput(provider.Output{Data: []byte("glb"), ContentType: "model/gltf-binary"}))
	job := h.dispatched(t)
	h.p.Track(job)

	got := h.waitStatus(t, job.ID, models.JobStatusReady)
	assert.Equal(t, []byte("glb"), h.store.saved[got.ResultURL])
}

func TestProviderFailureReleases(t *testing.T) {
	h := newHarness(t, fastConfig, mock.WithFailure("CONTENT_POLICY", "nope"))
	job := h.dispatched(t)
	h.p.Track(job)

	got := h.waitStatus(t, job.ID, models.JobStatusFailed)
	assert.Equal(t, "CONTENT_POLICY: nope", got.ErrorMessage)
	assert.Equal(t, models.ReservationReleased, h.env.ReservationOf(t, got).Status)
	assert.Equal(t, int64(100), h.env.Summary(t, h.owner).Available)
}

func TestTransientPollErrorsAreTolerated(t *testing.T) {
	h := newHarness(t, fastConfig, mock.WithPollErrors(2))
	job := h.dispatched(t)
	h.p.Track(job)

	h.waitStatus(t, job.ID, models.JobStatusReady)
}

func TestTooManyPollErrorsFail(t *testing.T) {
	h := newHarness(t, fastConfig, mock.WithPollErrors(10))
	job := h.dispatched(t)
	h.p.Track(job)

	got := h.waitStatus(t, job.ID, models.JobStatusFailed)
	assert.Equal(t, ReasonPollErrors, got.ErrorMessage)
	assert.Equal(t, int64(3), h.mock.PollCalls())
}

func TestAssetStoreErrorsFail(t *testing.T) {
	h := newHarness(t, fastConfig, mock.WithOutput(provider.Output{Data: []byte("x")}))
	h.store.err = errors.New("disk full")
	job := h.dispatched(t)
	h.p.Track(job)

	got := h.waitStatus(t, job.ID, models.JobStatusFailed)
	assert.Equal(t, ReasonAssetStore, got.ErrorMessage)
}

func TestDeadlineFailsJob(t *testing.T) {
	h := newHarness(t, Config{Interval: time.Hour, MaxConsecutiveErrors: 3, Timeout: 20 * time.Millisecond})
	job := h.dispatched(t)
	h.p.Track(job)

	got := h.waitStatus(t, job.ID, models.JobStatusFailed)
	assert.Equal(t, ReasonTimeout, got.ErrorMessage)
	assert.Equal(t, models.ReservationReleased, h.env.ReservationOf(t, got).Status)
}

func TestStopsWhenCompletedElsewhere(t *testing.T) {
	h := newHarness(t, fastConfig, mock.WithPollsToFinish(1000))
	job := h.dispatched(t)

	h.p.Track(job)
	_, err := h.env.Jobs.CompleteByUpstream(context.Background(), "mock", *job.UpstreamJobID, jobs.Outcome{Success: true})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.p.Active() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.JobStatusReady, h.env.Job(t, job.ID).Status)
}

func TestUntrackAndStopLeavePending(t *testing.T) {
	h := newHarness(t, fastConfig, mock.WithPollsToFinish(1000))
	a := h.dispatched(t)
	b := h.dispatched(t)
	h.p.Track(a)
	h.p.Track(b)

	h.p.Untrack(a.ID)
	require.Eventually(t, func() bool { return !h.p.Tracking(a.ID) }, time.Second, 5*time.Millisecond)

	h.p.Stop()
	assert.Equal(t, 0, h.p.Active())
	assert.Equal(t, models.JobStatusPending, h.env.Job(t, a.ID).Status)
	assert.Equal(t, models.JobStatusPending, h.env.Job(t, b.ID).Status)

	h.p.Track(b)
	assert.Equal(t, 0, h.p.Active())
}

func TestRearmTracksPendingJobs(t *testing.T) {
	h := newHarness(t, fastConfig)
	a := h.dispatched(t)
	b := h.dispatched(t)
	queued := h.env.CreateJob(t, h.owner, "refine")

	n, err := h.p.Rearm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	h.waitStatus(t, a.ID, models.JobStatusReady)
	h.waitStatus(t, b.ID, models.JobStatusReady)
	assert.Equal(t, models.JobStatusQueued, h.env.Job(t, queued.ID).Status)
}

func TestDeliverEmptyResultFails(t *testing.T) {
	h := newHarness(t, fastConfig)
	job := h.dispatched(t)

	require.NoError(t, h.p.Deliver(context.Background(), job, &provider.Output{}))
	assert.Equal(t, ReasonEmptyResult, h.env.Job(t, job.ID).ErrorMessage)
}

func TestOutcomeIsRetriedWhenRecordingFails(t *testing.T) {
	h := newHarness(t, fastConfig, mock.WithFailure("CONTENT_POLICY", "nope"))
	job := h.dispatched(t)

	h.env.Store.FailNext("commit", errors.New("connection reset"))
	h.p.Track(job)

	got := h.waitStatus(t, job.ID, models.JobStatusFailed)
	assert.Equal(t, "CONTENT_POLICY: nope", got.ErrorMessage)
	assert.Equal(t, models.ReservationReleased, h.env.ReservationOf(t, got).Status)
	assert.Equal(t, int64(100), h.env.Summary(t, h.owner).Available)
	assert.Equal(t, int64(1), h.mock.PollCalls())
}

func TestDeadlineOutcomeIsRetriedWhenRecordingFails(t *testing.T) {
	h := newHarness(t, Config{Interval: time.Hour, MaxConsecutiveErrors: 3, Timeout: 20 * time.Millisecond})
	job := h.dispatched(t)

	h.env.Store.FailNext("commit", errors.New("connection reset"))
	h.p.Track(job)

	got := h.waitStatus(t, job.ID, models.JobStatusFailed)
	assert.Equal(t, ReasonTimeout, got.ErrorMessage)
	assert.Equal(t, models.ReservationReleased, h.env.ReservationOf(t, got).Status)
}

func TestDeliverReportsRecordingError(t *testing.T) {
	h := newHarness(t, fastConfig)
	job := h.dispatched(t)
	out := &provider.Output{URL: "https://cdn.example.com/fox.glb"}

	h.env.Store.FailNext("commit", errors.New("connection reset"))
	require.Error(t, h.p.Deliver(context.Background(), job, out))
	got := h.env.Job(t, job.ID)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Equal(t, models.ReservationHeld, h.env.ReservationOf(t, got).Status)

	require.NoError(t, h.p.Deliver(context.Background(), job, out))
	assert.Equal(t, models.JobStatusReady, h.env.Job(t, job.ID).Status)
}
