// Package guard is admission control in front of job creation: provider
// shape limits, a ceiling on in-flight jobs, and an idempotency cache that
// replays the original response to duplicate submissions. It never looks at
// credits.
package guard

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/creditforge/backend/internal/apperr"
	"github.com/creditforge/backend/internal/catalog"
)

type Config struct {
	Enabled           bool
	MaxConcurrentJobs int
	IdempotencyTTL    time.Duration
}

// InFlightCounter counts jobs occupying provider capacity.
type InFlightCounter interface {
	CountInFlight(ctx context.Context) (int, error)
}

type Guard struct {
	cfg     Config
	counter InFlightCounter
	cache   Cache
	logger  *slog.Logger
}

func New(cfg Config, counter InFlightCounter, cache Cache, logger *slog.Logger) *Guard {
	return &Guard{cfg: cfg, counter: counter, cache: cache, logger: logger}
}

// Keys read from a payload for the count and duration limits.
var (
	countKeys    = []string{"n", "count", "num_images"}
	durationKeys = []string{"duration", "duration_seconds"}
)

// CheckShape rejects payloads that exceed the action's hard provider limits
// or do not match its input schema.
func (g *Guard) CheckShape(action *catalog.Action, payload json.RawMessage) error {
	if g.cfg.Enabled {
		var fields map[string]json.RawMessage
		if len(bytes.TrimSpace(payload)) > 0 {
			if err := json.Unmarshal(payload, &fields); err != nil {
				return apperr.Wrap(apperr.CodeValidation, err, "payload must be a JSON object")
			}
		}
		if err := checkLimit(fields, countKeys, action.MaxCount, "count"); err != nil {
			return err
		}
		if err := checkLimit(fields, durationKeys, action.MaxDurationSeconds, "duration_seconds"); err != nil {
			return err
		}
	}
	return action.ValidateInput(payload)
}

func checkLimit(fields map[string]json.RawMessage, keys []string, maximum int, name string) error {
	if maximum <= 0 {
		return nil
	}
	for _, k := range keys {
		raw, ok := fields[k]
		if !ok {
			continue
		}
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			return apperr.Wrap(apperr.CodeValidation, err, "%s must be a number", k)
		}
		if v > float64(maximum) {
			e := apperr.New(apperr.CodeValidation, "%s %v exceeds the maximum of %d", name, v, maximum)
			e.Details = map[string]any{"field": k, "requested": v, "maximum": maximum}
			return e
		}
	}
	return nil
}

// CheckCapacity rejects new work once the in-flight ceiling is reached.
func (g *Guard) CheckCapacity(ctx context.Context) error {
	if !g.cfg.Enabled || g.cfg.MaxConcurrentJobs <= 0 {
		return nil
	}
	n, err := g.counter.CountInFlight(ctx)
	if err != nil {
		return err
	}
	if n >= g.cfg.MaxConcurrentJobs {
		e := apperr.New(apperr.CodeTooManyJobs, "%d jobs in progress; wait for current jobs to complete", n)
		e.Details = map[string]any{"active_jobs": n, "maximum": g.cfg.MaxConcurrentJobs}
		return e
	}
	return nil
}

// Fingerprint derives the idempotency key of a submission. Payloads that
// differ only in key order or whitespace share a fingerprint. A caller key,
// when present, is part of the fingerprint.
func Fingerprint(identityID uuid.UUID, actionKey string, payload json.RawMessage, clientKey string) (string, error) {
	canonical := []byte("null")
	if len(bytes.TrimSpace(payload)) > 0 {
		var doc any
		dec := json.NewDecoder(bytes.NewReader(payload))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return "", apperr.Wrap(apperr.CodeValidation, err, "payload is not valid JSON")
		}
		var err error
		if canonical, err = json.Marshal(doc); err != nil {
			return "", err
		}
	}

	h := sha256.New()
	h.Write([]byte(identityID.String()))
	h.Write([]byte{'|'})
	h.Write([]byte(actionKey))
	h.Write([]byte{'|'})
	h.Write(canonical)
	h.Write([]byte{'|'})
	h.Write([]byte(clientKey))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Begin claims a fingerprint for a new submission. When the fingerprint
// already completed within the TTL its response is returned for replay; a
// submission still being processed is REQUEST_IN_PROGRESS.
func (g *Guard) Begin(ctx context.Context, fingerprint string) (json.RawMessage, error) {
	for attempt := 0; attempt < 2; attempt++ {
		rec, err := g.cache.Get(ctx, fingerprint)
		if err != nil && !errors.Is(err, ErrCacheMiss) {
			return nil, err
		}
		if rec != nil {
			if rec.State == StateCompleted {
				g.logger.Info("Idempotent replay", "fingerprint", fingerprint)
				return rec.Response, nil
			}
			return nil, apperr.New(apperr.CodeRequestInProgress, "an identical request is still being processed")
		}

		claimed, err := g.cache.SetNX(ctx, fingerprint, Record{State: StateProcessing}, g.cfg.IdempotencyTTL)
		if err != nil {
			return nil, err
		}
		if claimed {
			return nil, nil
		}
	}
	return nil, apperr.New(apperr.CodeRequestInProgress, "an identical request is still being processed")
}

// Remember stores the response for a claimed fingerprint.
func (g *Guard) Remember(ctx context.Context, fingerprint string, response any) error {
	data, err := json.Marshal(response)
	if err != nil {
		return err
	}
	return g.cache.Set(ctx, fingerprint, Record{State: StateCompleted, Response: data}, g.cfg.IdempotencyTTL)
}

// Forget drops a claim so the submission can be retried after a failure.
func (g *Guard) Forget(ctx context.Context, fingerprint string) {
	if err := g.cache.Delete(ctx, fingerprint); err != nil {
		g.logger.Warn("Dropping idempotency claim failed", "error", err)
	}
}

// Status is the guard's current configuration and load.
type Status struct {
	Enabled           bool `json:"enabled"`
	ActiveJobs        int  `json:"active_jobs"`
	MaxConcurrentJobs int  `json:"max_concurrent_jobs"`
	IdempotencyTTLSec int  `json:"idempotency_ttl_seconds"`
}

func (g *Guard) Status(ctx context.Context) (Status, error) {
	n, err := g.counter.CountInFlight(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Enabled:           g.cfg.Enabled,
		ActiveJobs:        n,
		MaxConcurrentJobs: g.cfg.MaxConcurrentJobs,
		IdempotencyTTLSec: int(g.cfg.IdempotencyTTL / time.Second),
	}, nil
}
