package generation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creditforge/backend/internal/apperr"
	"github.com/creditforge/backend/internal/guard"
	"github.com/creditforge/backend/internal/jobs/jobstest"
	"github.com/creditforge/backend/internal/models"
)

type recordingTracker struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (r *recordingTracker) Untrack(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
}

func (r *recordingTracker) untracked() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uuid.UUID(nil), r.ids...)
}

// flakyCache fails the next n writes of a completed record.
type flakyCache struct {
	*guard.MemoryCache
	mu       sync.Mutex
	failures int
}

func (c *flakyCache) Set(ctx context.Context, key string, rec guard.Record, ttl time.Duration) error {
	c.mu.Lock()
	if c.failures > 0 {
		c.failures--
		c.mu.Unlock()
		return errors.New("redis: connection reset")
	}
	c.mu.Unlock()
	return c.MemoryCache.Set(ctx, key, rec, ttl)
}

type fixture struct {
	env     *jobstest.Env
	svc     *Service
	tracker *recordingTracker
}

func newFixture(t *testing.T, maxConcurrent int) *fixture {
	t.Helper()
	return newFixtureWithCache(t, maxConcurrent, guard.NewMemoryCache())
}

func newFixtureWithCache(t *testing.T, maxConcurrent int, cache guard.Cache) *fixture {
	t.Helper()
	env := jobstest.New(t)
	g := guard.New(guard.Config{Enabled: true, MaxConcurrentJobs: maxConcurrent, IdempotencyTTL: time.Hour},
		env.Jobs, cache, env.Logger)
	tr := &recordingTracker{}
	return &fixture{
		env:     env,
		svc:     NewService(env.Jobs, env.Catalog, g, guard.Fingerprint, tr, env.Logger),
		tracker: tr,
	}
}

func TestCreateJobReplaysIdempotentSubmission(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	id := uuid.New()
	f.env.Fund(t, id, 100)

	req := CreateRequest{
		IdentityID:     id,
		ActionKey:      "text_to_3d_generate",
		Payload:        json.RawMessage(`{"prompt":"a red fox","style":"low-poly"}`),
		IdempotencyKey: "client-1",
	}
	first, err := f.svc.CreateJob(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.WasExisting)
	assert.Equal(t, models.JobStatusQueued, first.Status)
	require.NotNil(t, first.ReservationID)

	// Same payload with keys reordered is the same submission.
	req.Payload = json.RawMessage(`{"style":"low-poly","prompt":"a red fox"}`)
	second, err := f.svc.CreateJob(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.WasExisting)
	assert.Equal(t, first.JobID, second.JobID)
	assert.Equal(t, *first.ReservationID, *second.ReservationID)

	assert.Len(t, f.env.Submitter.Submitted(), 1)
	s := f.env.Summary(t, id)
	assert.Equal(t, int64(20), s.Held)
	assert.Equal(t, int64(80), s.Available)
}

func TestCreateJobFreshKeyCreatesNewJob(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	id := uuid.New()
	f.env.Fund(t, id, 100)

	a, err := f.svc.CreateJob(ctx, CreateRequest{IdentityID: id, ActionKey: "refine", IdempotencyKey: "a"})
	require.NoError(t, err)
	b, err := f.svc.CreateJob(ctx, CreateRequest{IdentityID: id, ActionKey: "refine", IdempotencyKey: "b"})
	require.NoError(t, err)

	assert.NotEqual(t, a.JobID, b.JobID)
	assert.False(t, b.WasExisting)
	assert.Equal(t, int64(20), f.env.Summary(t, id).Held)
}

func TestCreateJobFailureReleasesIdempotencyClaim(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	id := uuid.New()
	f.env.Fund(t, id, 10)

	req := CreateRequest{IdentityID: id, ActionKey: "text_to_3d_generate", IdempotencyKey: "k"}
	_, err := f.svc.CreateJob(ctx, req)
	require.ErrorIs(t, err, apperr.ErrInsufficientCredits)

	f.env.Fund(t, id, 10)
	res, err := f.svc.CreateJob(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.WasExisting)
}

func TestCreateJobRetriesStoringResponse(t *testing.T) {
	f := newFixtureWithCache(t, 5, &flakyCache{MemoryCache: guard.NewMemoryCache(), failures: 1})
	ctx := context.Background()
	id := uuid.New()
	f.env.Fund(t, id, 100)

	req := CreateRequest{IdentityID: id, ActionKey: "refine", IdempotencyKey: "k"}
	first, err := f.svc.CreateJob(ctx, req)
	require.NoError(t, err)

	replay, err := f.svc.CreateJob(ctx, req)
	require.NoError(t, err)
	assert.True(t, replay.WasExisting)
	assert.Equal(t, first.JobID, replay.JobID)
	assert.Len(t, f.env.Submitter.Submitted(), 1)
}

func TestCreateJobDropsClaimWhenResponseCannotBeStored(t *testing.T) {
	f := newFixtureWithCache(t, 5, &flakyCache{MemoryCache: guard.NewMemoryCache(), failures: 2})
	ctx := context.Background()
	id := uuid.New()
	f.env.Fund(t, id, 100)

	req := CreateRequest{IdentityID: id, ActionKey: "refine", IdempotencyKey: "k"}
	first, err := f.svc.CreateJob(ctx, req)
	require.NoError(t, err)

	// Without the claim a repeat is a fresh submission, not REQUEST_IN_PROGRESS.
	second, err := f.svc.CreateJob(ctx, req)
	require.NoError(t, err)
	assert.False(t, second.WasExisting)
	assert.NotEqual(t, first.JobID, second.JobID)
}

func TestCreateJobRejectsBeforeReserving(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	id := uuid.New()
	f.env.Fund(t, id, 100)

	tests := []struct {
		name string
		req  CreateRequest
		want error
	}{
		{"unknown action", CreateRequest{IdentityID: id, ActionKey: "teleport"}, apperr.ErrInvalidAction},
		{"over provider limit", CreateRequest{IdentityID: id, ActionKey: "image_generate", Payload: json.RawMessage(`{"n":6}`)}, apperr.ErrValidation},
		{"malformed payload", CreateRequest{IdentityID: id, ActionKey: "image_generate", Payload: json.RawMessage(`[1,2]`)}, apperr.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateJob(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, f.env.Submitter.Submitted())
	assert.Equal(t, int64(0), f.env.Summary(t, id).Held)
}

func TestCreateJobCapacityCeiling(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	id := uuid.New()
	f.env.Fund(t, id, 100)

	first := CreateRequest{IdentityID: id, ActionKey: "refine", IdempotencyKey: "one"}
	_, err := f.svc.CreateJob(ctx, first)
	require.NoError(t, err)

	_, err = f.svc.CreateJob(ctx, CreateRequest{IdentityID: id, ActionKey: "refine", IdempotencyKey: "two"})
	require.ErrorIs(t, err, apperr.ErrTooManyJobs)

	// Replays are answered from the cache and never hit the ceiling.
	replay, err := f.svc.CreateJob(ctx, first)
	require.NoError(t, err)
	assert.True(t, replay.WasExisting)
	assert.Equal(t, int64(10), f.env.Summary(t, id).Held)
}

func TestGetJobOwnership(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	owner := uuid.New()
	f.env.Fund(t, owner, 100)
	job := f.env.CreateJob(t, owner, "refine")

	v, err := f.svc.GetJob(ctx, Caller{IdentityID: owner}, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, v.JobID)
	assert.Equal(t, models.JobStatusQueued, v.Status)

	_, err = f.svc.GetJob(ctx, Caller{IdentityID: uuid.New()}, job.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.svc.GetJob(ctx, Caller{IdentityID: uuid.New(), Admin: true}, job.ID)
	assert.NoError(t, err)

	list, err := f.svc.ListJobs(ctx, Caller{IdentityID: owner}, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, job.ID, list[0].JobID)
}

func TestCancelJob(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	owner := uuid.New()
	f.env.Fund(t, owner, 100)
	job := f.env.CreateJob(t, owner, "text_to_3d_generate")

	_, err := f.svc.CancelJob(ctx, Caller{IdentityID: uuid.New()}, job.ID, "", false)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.svc.CancelJob(ctx, Caller{IdentityID: owner}, job.ID, "", true)
	assert.ErrorIs(t, err, apperr.ErrNotCancellable)

	res, err := f.svc.CancelJob(ctx, Caller{IdentityID: owner}, job.ID, "changed my mind", false)
	require.NoError(t, err)
	assert.Equal(t, int64(20), res.CreditsReturned)
	assert.Equal(t, models.JobStatusFailed, res.Job.Status)
	assert.Equal(t, []uuid.UUID{job.ID}, f.tracker.untracked())

	s := f.env.Summary(t, owner)
	assert.Equal(t, int64(100), s.Balance)
	assert.Equal(t, int64(0), s.Held)
}

func TestAdminForceCancelsPendingJob(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	owner := uuid.New()
	f.env.Fund(t, owner, 100)
	job := f.env.CreateJob(t, owner, "refine")
	_, err := f.env.Jobs.MarkDispatched(ctx, job.ID, "mock", "mock-1")
	require.NoError(t, err)

	_, err = f.svc.CancelJob(ctx, Caller{IdentityID: owner}, job.ID, "", false)
	require.ErrorIs(t, err, apperr.ErrNotCancellable)

	res, err := f.svc.CancelJob(ctx, Caller{IdentityID: uuid.New(), Admin: true}, job.ID, "stuck", true)
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.CreditsReturned)
}

func TestCompleteJobByUpstream(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	owner := uuid.New()
	f.env.Fund(t, owner, 100)
	job := f.env.CreateJob(t, owner, "text_to_3d_generate")
	_, err := f.env.Jobs.MarkDispatched(ctx, job.ID, "mock", "mock-7")
	require.NoError(t, err)

	req := CompleteRequest{Provider: "mock", UpstreamID: "mock-7", Success: true, ResultURL: "https://cdn.example.com/fox.glb"}
	res, err := f.svc.CompleteJobByUpstream(ctx, req)
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.False(t, res.WasAlreadyCompleted)
	assert.Equal(t, models.JobStatusReady, res.Job.Status)
	assert.Equal(t, "https://cdn.example.com/fox.glb", res.Job.ResultRef)
	assert.Equal(t, []uuid.UUID{job.ID}, f.tracker.untracked())

	again, err := f.svc.CompleteJobByUpstream(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.WasAlreadyCompleted)

	s := f.env.Summary(t, owner)
	assert.Equal(t, int64(80), s.Balance)
	assert.Equal(t, int64(0), s.Held)

	missing, err := f.svc.CompleteJobByUpstream(ctx, CompleteRequest{Provider: "mock", UpstreamID: "nope", Success: true})
	require.NoError(t, err)
	assert.False(t, missing.Found)

	_, err = f.svc.CompleteJobByUpstream(ctx, CompleteRequest{Provider: "mock"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
