package guard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creditforge/backend/internal/apperr"
	"github.com/creditforge/backend/internal/catalog"
)

type fixedCounter struct {
	n   int
	err error
}

func (c fixedCounter) CountInFlight(context.Context) (int, error) { return c.n, c.err }

func newGuard(cfg Config, inFlight int) *Guard {
	return New(cfg, fixedCounter{n: inFlight}, NewMemoryCache(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

var enabled = Config{Enabled: true, MaxConcurrentJobs: 5, IdempotencyTTL: time.Hour}

func testActions(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New([]catalog.Action{
		{Key: "image_generate", Code: "img", Provider: "mock", CostCredits: 10, MaxCount: 4},
		{Key: "video_generate", Code: "vid", Provider: "mock", CostCredits: 60, MaxDurationSeconds: 8,
			InputSchema: `{"type":"object","required":["prompt"],"properties":{"prompt":{"type":"string","minLength":1}}}`},
	})
	require.NoError(t, err)
	return c
}

func TestCheckShape(t *testing.T) {
	cat := testActions(t)
	img, _ := cat.Lookup("image_generate")
	vid, _ := cat.Lookup("video_generate")

	tests := []struct {
		name    string
		action  *catalog.Action
		payload string
		wantErr bool
	}{
		{"images within limit", img, `{"n":4}`, false},
		{"too many images", img, `{"n":5}`, true},
		{"num_images alias", img, `{"num_images":9}`, true},
		{"count not a number", img, `{"count":"lots"}`, true},
		{"empty payload", img, ``, false},
		{"video within limit", vid, `{"prompt":"waves","duration":8}`, false},
		{"video too long", vid, `{"prompt":"waves","duration_seconds":12}`, true},
		{"schema violation", vid, `{"duration":4}`, true},
		{"not an object", img, `[1,2]`, true},
	}
	g := newGuard(enabled, 0)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.CheckShape(tt.action, json.RawMessage(tt.payload))
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
}

func TestShapeLimitDetails(t *testing.T) {
	img, _ := testActions(t).Lookup("image_generate")
	err := newGuard(enabled, 0).CheckShape(img, json.RawMessage(`{"n":6}`))

	var coded *apperr.Error
	require.True(t, errors.As(err, &coded))
	assert.Equal(t, 4, coded.Details["maximum"])
	assert.Equal(t, float64(6), coded.Details["requested"])
}

func TestDisabledGuardStillValidatesSchema(t *testing.T) {
	cat := testActions(t)
	img, _ := cat.Lookup("image_generate")
	vid, _ := cat.Lookup("video_generate")
	g := newGuard(Config{Enabled: false, IdempotencyTTL: time.Hour}, 100)

	assert.NoError(t, g.CheckShape(img, json.RawMessage(`{"n":50}`)))
	assert.ErrorIs(t, g.CheckShape(vid, json.RawMessage(`{}`)), apperr.ErrValidation)
	assert.NoError(t, g.CheckCapacity(context.Background()))
}

func TestCheckCapacity(t *testing.T) {
	assert.NoError(t, newGuard(enabled, 4).CheckCapacity(context.Background()))

	err := newGuard(enabled, 5).CheckCapacity(context.Background())
	assert.ErrorIs(t, err, apperr.ErrTooManyJobs)

	boom := errors.New("db down")
	g := New(enabled, fixedCounter{err: boom}, NewMemoryCache(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.ErrorIs(t, g.CheckCapacity(context.Background()), boom)
}

func TestFingerprint(t *testing.T) {
	id := uuid.New()
	a, err := Fingerprint(id, "refine", json.RawMessage(`{"b":1,"a":"x"}`), "")
	require.NoError(t, err)
	b, err := Fingerprint(id, "refine", json.RawMessage("{ \"a\": \"x\",\n \"b\": 1 }"), "")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	other, _ := Fingerprint(uuid.New(), "refine", json.RawMessage(`{"a":"x","b":1}`), "")
	assert.NotEqual(t, a, other)
	action, _ := Fingerprint(id, "remesh", json.RawMessage(`{"a":"x","b":1}`), "")
	assert.NotEqual(t, a, action)
	keyed, _ := Fingerprint(id, "refine", json.RawMessage(`{"a":"x","b":1}`), "client-key-1")
	assert.NotEqual(t, a, keyed)

	big1, _ := Fingerprint(id, "refine", json.RawMessage(`{"seed":12345678901234567890}`), "")
	big2, _ := Fingerprint(id, "refine", json.RawMessage(`{"seed":12345678901234567891}`), "")
	assert.NotEqual(t, big1, big2)

	_, err = Fingerprint(id, "refine", json.RawMessage(`{nope`), "")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestIdempotencyLifecycle(t *testing.T) {
	ctx := context.Background()
	g := newGuard(enabled, 0)

	cached, err := g.Begin(ctx, "fp-1")
	require.NoError(t, err)
	assert.Nil(t, cached)

	_, err = g.Begin(ctx, "fp-1")
	assert.ErrorIs(t, err, apperr.ErrRequestInProgress)

	require.NoError(t, g.Remember(ctx, "fp-1", map[string]string{"job_id": "j1"}))
	cached, err = g.Begin(ctx, "fp-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"job_id":"j1"}`, string(cached))

	_, err = g.Begin(ctx, "fp-2")
	require.NoError(t, err)
	g.Forget(ctx, "fp-2")
	cached, err = g.Begin(ctx, "fp-2")
	require.NoError(t, err)
	assert.Nil(t, cached)
}

func TestMemoryCacheExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	now := time.Now()
	c.now = func() time.Time { return now }

	ok, err := c.SetNX(ctx, "k", Record{State: StateProcessing}, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.SetNX(ctx, "k", Record{State: StateProcessing}, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(time.Minute)
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
	ok, err = c.SetNX(ctx, "k", Record{State: StateProcessing}, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStatus(t *testing.T) {
	s, err := newGuard(enabled, 3).Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Status{Enabled: true, ActiveJobs: 3, MaxConcurrentJobs: 5, IdempotencyTTLSec: 3600}, s)
}
