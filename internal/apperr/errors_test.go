package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("reserve: %w", InsufficientCredits(20, 10, 10))

	assert.True(t, errors.Is(err, ErrInsufficientCredits))
	assert.False(t, errors.Is(err, ErrStatusConflict))

	var coded *Error
	require.True(t, errors.As(err, &coded))
	assert.Equal(t, int64(20), coded.Details["required"])
	assert.Equal(t, int64(10), coded.Details["available"])
	assert.Equal(t, int64(10), coded.Details["balance"])
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(CodeProviderError, cause, "start %s", "mock")

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrProvider)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeNotFound, CodeOf(NotFound("job", "x")))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
	assert.Equal(t, CodeInternal, As(errors.New("boom")).Code)
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeValidation, http.StatusBadRequest},
		{CodeInvalidAction, http.StatusBadRequest},
		{CodeInsufficientCredits, http.StatusPaymentRequired},
		{CodeStatusConflict, http.StatusConflict},
		{CodeNotCancellable, http.StatusConflict},
		{CodeTooManyJobs, http.StatusTooManyRequests},
		{CodeNotFound, http.StatusNotFound},
		{CodeUnauthorized, http.StatusUnauthorized},
		{CodeForbidden, http.StatusForbidden},
		{CodeInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.code))
		})
	}
}

func TestWriteHTTP(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteHTTP(rec, fmt.Errorf("create: %w", InsufficientCredits(20, 5, 5)))

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var got struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "INSUFFICIENT_CREDITS", got.Error.Code)
	assert.Equal(t, float64(20), got.Error.Details["required"])
}

func TestWriteHTTPHidesInternalCause(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteHTTP(rec, errors.New("pq: password authentication failed"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "password")
}
