package mock

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creditforge/backend/internal/provider"
)

func TestAsyncLifecycle(t *testing.T) {
	ctx := context.Background()
	p := New(WithName("meshy"), WithPollsToFinish(3))

	start, err := p.Start(ctx, provider.StartRequest{ActionKey: "refine"})
	require.NoError(t, err)
	assert.Nil(t, start.Output)

	for i := 1; i < 3; i++ {
		res, err := p.Poll(ctx, start.UpstreamID)
		require.NoError(t, err)
		assert.Equal(t, provider.StatusProcessing, res.Status)
		assert.Equal(t, i*100/3, res.Progress)
	}
	res, err := p.Poll(ctx, start.UpstreamID)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusDone, res.Status)
	require.NotNil(t, res.Output)
	assert.Equal(t, int64(3), p.PollCalls())
}

func TestQuotaFailuresThenSuccess(t *testing.T) {
	ctx := context.Background()
	p := New(WithQuotaFailures(2))

	for i := 0; i < 2; i++ {
		_, err := p.Start(ctx, provider.StartRequest{})
		assert.True(t, provider.IsQuotaExhausted(err))
	}
	_, err := p.Start(ctx, provider.StartRequest{})
	assert.NoError(t, err)
	assert.Equal(t, int64(3), p.StartCalls())
}

func TestPollErrorsAndFailure(t *testing.T) {
	ctx := context.Background()
	p := New(WithPollErrors(1), WithFailure("CONTENT_POLICY", "nope"))

	start, err := p.Start(ctx, provider.StartRequest{})
	require.NoError(t, err)

	_, err = p.Poll(ctx, start.UpstreamID)
	assert.Error(t, err)

	res, err := p.Poll(ctx, start.UpstreamID)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusFailed, res.Status)
	assert.Equal(t, "CONTENT_POLICY", res.ErrorCode)
}

func TestSynchronousAndStartError(t *testing.T) {
	ctx := context.Background()
	res, err := New(WithSynchronousResult()).Start(ctx, provider.StartRequest{})
	require.NoError(t, err)
	require.NotNil(t, res.Output)

	boom := errors.New("bad prompt")
	_, err = New(WithStartError(boom)).Start(ctx, provider.StartRequest{})
	assert.ErrorIs(t, err, boom)
}
