package provider

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creditforge/backend/internal/apperr"
)

type stubClient struct{ name string }

func (s stubClient) Name() string { return s.name }
func (stubClient) Start(context.Context, StartRequest) (*StartResult, error) {
	return &StartResult{UpstreamID: "x"}, nil
}
func (stubClient) Poll(context.Context, string) (*PollResult, error) {
	return &PollResult{Status: StatusProcessing}, nil
}

func TestRegistry(t *testing.T) {
	r, err := NewRegistry(stubClient{"meshy"}, stubClient{"openai"})
	require.NoError(t, err)

	c, err := r.Get("meshy")
	require.NoError(t, err)
	assert.Equal(t, "meshy", c.Name())
	assert.Equal(t, []string{"meshy", "openai"}, r.Names())

	_, err = r.Get("nope")
	assert.ErrorIs(t, err, apperr.ErrProvider)

	_, err = NewRegistry(stubClient{"a"}, stubClient{"a"})
	assert.Error(t, err)
}

func TestErrorClassification(t *testing.T) {
	quota := &Error{Provider: "meshy", Code: "RATE_LIMITED", StatusCode: 429, Err: ErrQuotaExhausted}
	assert.True(t, IsQuotaExhausted(fmt.Errorf("start: %w", quota)))
	assert.Equal(t, "RATE_LIMITED", ErrorCode(quota))

	hard := &Error{Provider: "meshy", Code: "CONTENT_POLICY", Message: "prompt rejected"}
	assert.False(t, IsQuotaExhausted(hard))
	assert.Equal(t, "CONTENT_POLICY", ErrorCode(hard))
	assert.Contains(t, hard.Error(), "prompt rejected")

	assert.Equal(t, "PROVIDER_ERROR", ErrorCode(fmt.Errorf("dial tcp: refused")))

	auth := &Error{Provider: "runway", Code: "AUTH_FAILED", StatusCode: 401, Err: ErrUnavailable}
	assert.True(t, IsUnavailable(auth))
	assert.False(t, IsQuotaExhausted(auth))
	assert.False(t, IsUnavailable(quota))
}
