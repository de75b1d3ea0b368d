// Package mock is a scriptable provider used in tests and local runs.
package mock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creditforge/backend/internal/provider"
)

// Provider simulates an asynchronous generation API.
type Provider struct {
	name          string
	latency       time.Duration
	quotaFailures atomic.Int64
	startErr      error
	pollsToFinish int
	pollErrors    int
	output        provider.Output
	failure       *provider.PollResult
	synchronous   bool

	mu  sync.Mutex
	ops map[string]*operation
	seq atomic.Int64

	startCalls atomic.Int64
	pollCalls  atomic.Int64
}

type operation struct {
	polls      int
	errorsLeft int
}

var _ provider.Client = (*Provider)(nil)

// Option configures a mock Provider.
type Option func(*Provider)

// New creates a mock provider that finishes after one poll by default.
func New(opts ...Option) *Provider {
	p := &Provider{
		name:          "mock",
		pollsToFinish: 1,
		output:        provider.Output{URL: "https://example.com/mock-result.glb", ContentType: "model/gltf-binary"},
		ops:           make(map[string]*operation),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithName sets the provider name.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithLatency delays every Start call.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithQuotaFailures rejects the first n Start calls with ErrQuotaExhausted.
func WithQuotaFailures(n int) Option {
	return func(p *Provider) { p.quotaFailures.Store(int64(n)) }
}

// WithStartError makes every Start call fail with err.
func WithStartError(err error) Option {
	return func(p *Provider) { p.startErr = err }
}

// WithPollsToFinish sets how many polls an operation reports processing
// before it completes.
func WithPollsToFinish(n int) Option {
	return func(p *Provider) { p.pollsToFinish = n }
}

// WithPollErrors makes the first n polls of each operation return a
// transport error.
func WithPollErrors(n int) Option {
	return func(p *Provider) { p.pollErrors = n }
}

// WithOutput sets the artifact reported on completion.
func WithOutput(out provider.Output) Option {
	return func(p *Provider) { p.output = out }
}

// WithFailure makes operations end in a provider-reported failure.
func WithFailure(code, message string) Option {
	return func(p *Provider) {
		p.failure = &provider.PollResult{Status: provider.StatusFailed, ErrorCode: code, ErrorMessage: message}
	}
}

// WithSynchronousResult returns the output directly from Start.
func WithSynchronousResult() Option {
	return func(p *Provider) { p.synchronous = true }
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Start(ctx context.Context, req provider.StartRequest) (*provider.StartResult, error) {
	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.startCalls.Add(1)

	if p.quotaFailures.Load() > 0 && p.quotaFailures.Add(-1) >= 0 {
		return nil, &provider.Error{Provider: p.name, Code: "RATE_LIMITED", StatusCode: 429, Err: provider.ErrQuotaExhausted}
	}
	if p.startErr != nil {
		return nil, p.startErr
	}

	id := fmt.Sprintf("%s-%d", p.name, p.seq.Add(1))
	if p.synchronous {
		out := p.output
		return &provider.StartResult{UpstreamID: id, Output: &out}, nil
	}
	p.mu.Lock()
	p.ops[id] = &operation{errorsLeft: p.pollErrors}
	p.mu.Unlock()
	return &provider.StartResult{UpstreamID: id}, nil
}

func (p *Provider) Poll(_ context.Context, upstreamID string) (*provider.PollResult, error) {
	p.pollCalls.Add(1)

	p.mu.Lock()
	defer p.mu.Unlock()
	op, ok := p.ops[upstreamID]
	if !ok {
		return nil, &provider.Error{Provider: p.name, Code: "NOT_FOUND", Message: "unknown operation " + upstreamID}
	}
	if op.errorsLeft > 0 {
		op.errorsLeft--
		return nil, fmt.Errorf("mock %s: connection reset", p.name)
	}
	op.polls++
	if op.polls < p.pollsToFinish {
		return &provider.PollResult{Status: provider.StatusProcessing, Progress: op.polls * 100 / p.pollsToFinish}, nil
	}
	if p.failure != nil {
		f := *p.failure
		return &f, nil
	}
	out := p.output
	return &provider.PollResult{Status: provider.StatusDone, Progress: 100, Output: &out}, nil
}

// StartCalls returns the number of Start calls that got past the latency delay.
func (p *Provider) StartCalls() int64 { return p.startCalls.Load() }

// PollCalls returns the number of Poll calls.
func (p *Provider) PollCalls() int64 { return p.pollCalls.Load() }

// SetQuotaFailures changes how many upcoming Start calls are rejected for quota.
func (p *Provider) SetQuotaFailures(n int) { p.quotaFailures.Store(int64(n)) }
