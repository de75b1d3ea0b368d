// Package provider defines the contract for third-party generation services
// and the static registry jobs are dispatched through.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/creditforge/backend/internal/apperr"
)

// ErrQuotaExhausted marks a rate or quota rejection. Work rejected with it is
// retried later rather than failed.
var ErrQuotaExhausted = errors.New("provider: quota exhausted")

// ErrUnavailable marks a provider that cannot take work at all, such as one
// with missing or rejected credentials. Dispatch moves on to the next
// provider of the action.
var ErrUnavailable = errors.New("provider: unavailable")

// StartRequest is what a provider receives when a job is dispatched.
type StartRequest struct {
	JobID      uuid.UUID
	ActionKey  string
	ActionCode string
	Payload    json.RawMessage
}

// Output is a finished artifact, either inline bytes or a URL to fetch.
type Output struct {
	URL         string
	Data        []byte
	ContentType string
}

// StartResult carries the upstream handle. Output is set when the provider
// finished synchronously.
type StartResult struct {
	UpstreamID string
	Output     *Output
}

type PollStatus string

const (
	StatusProcessing PollStatus = "processing"
	StatusDone       PollStatus = "done"
	StatusFailed     PollStatus = "failed"
)

type PollResult struct {
	Status       PollStatus
	Progress     int
	Output       *Output
	ErrorCode    string
	ErrorMessage string
}

// Client is implemented by every provider adapter.
type Client interface {
	Name() string
	Start(ctx context.Context, req StartRequest) (*StartResult, error)
	Poll(ctx context.Context, upstreamID string) (*PollResult, error)
}

// Error is a provider-reported failure with its code.
type Error struct {
	Provider   string
	Code       string
	Message    string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("provider %s: %s", e.Provider, e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsQuotaExhausted reports whether err is a quota or rate signal.
func IsQuotaExhausted(err error) bool {
	return errors.Is(err, ErrQuotaExhausted)
}

// IsUnavailable reports whether err means the provider cannot serve any job.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// ErrorCode returns the provider's code for err, falling back to PROVIDER_ERROR.
func ErrorCode(err error) string {
	var pe *Error
	if errors.As(err, &pe) && pe.Code != "" {
		return pe.Code
	}
	return string(apperr.CodeProviderError)
}

// Registry is the closed set of provider clients, built once at startup.
type Registry struct {
	clients map[string]Client
}

func NewRegistry(clients ...Client) (*Registry, error) {
	r := &Registry{clients: make(map[string]Client, len(clients))}
	for _, c := range clients {
		if _, dup := r.clients[c.Name()]; dup {
			return nil, fmt.Errorf("provider: duplicate client %q", c.Name())
		}
		r.clients[c.Name()] = c
	}
	return r, nil
}

// Get returns the client registered under name.
func (r *Registry) Get(name string) (Client, error) {
	c, ok := r.clients[name]
	if !ok {
		return nil, apperr.New(apperr.CodeProviderError, "no provider registered as %q", name)
	}
	return c, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.clients))
	for n := range r.clients {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
