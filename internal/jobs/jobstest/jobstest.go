// Package jobstest assembles the ledger, reservation and job registry over
// the in-memory store for tests of the packages built on top of them.
package jobstest

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/creditforge/backend/internal/catalog"
	"github.com/creditforge/backend/internal/jobs"
	"github.com/creditforge/backend/internal/ledger"
	"github.com/creditforge/backend/internal/models"
	"github.com/creditforge/backend/internal/repository/memory"
	"github.com/creditforge/backend/internal/reservation"
)

// DefaultActions are the catalogue entries every Env starts with.
var DefaultActions = []catalog.Action{
	{Key: "text_to_3d_generate", Code: "t3d", Provider: "mock", CostCredits: 20},
	{Key: "refine", Code: "refine", Provider: "mock", CostCredits: 10},
	{Key: "image_generate", Code: "img", Provider: "mock", CostCredits: 10, MaxCount: 4},
	{Key: "free_preview", Code: "preview", Provider: "mock", CostCredits: 0},
}

// Env is a fully wired registry over a fresh memory store.
type Env struct {
	Store        *memory.Store
	Catalog      *catalog.Catalog
	Ledger       ledger.Service
	Reservations *reservation.Manager
	Jobs         *jobs.Service
	Submitter    *Submitter
	Logger       *slog.Logger
}

func New(t testing.TB, actions ...catalog.Action) *Env {
	t.Helper()
	if len(actions) == 0 {
		actions = DefaultActions
	}
	cat, err := catalog.New(actions)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	store := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	led := ledger.NewService(store, store.Wallets(), store.Ledger(), store.Reservations())
	mgr := reservation.NewManager(store, store.Reservations(), led, cat, logger)
	sub := &Submitter{}
	return &Env{
		Store:        store,
		Catalog:      cat,
		Ledger:       led,
		Reservations: mgr,
		Jobs:         jobs.NewService(store, store.Jobs(), mgr, cat, sub, logger),
		Submitter:    sub,
		Logger:       logger,
	}
}

// Fund grants credits to an identity.
func (e *Env) Fund(t testing.TB, id uuid.UUID, amount int64) {
	t.Helper()
	if _, err := e.Ledger.Grant(context.Background(), id, amount, models.RefTypePurchase); err != nil {
		t.Fatalf("grant: %v", err)
	}
}

// Summary returns the identity's wallet figures.
func (e *Env) Summary(t testing.TB, id uuid.UUID) models.WalletSummary {
	t.Helper()
	s, err := e.Ledger.Summary(context.Background(), id)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	return *s
}

// CreateJob creates a job for a funded identity and fails the test on error.
func (e *Env) CreateJob(t testing.TB, identityID uuid.UUID, actionKey string) *models.Job {
	t.Helper()
	res, err := e.Jobs.Create(context.Background(), jobs.CreateInput{IdentityID: identityID, ActionKey: actionKey})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return res.Job
}

// Job reloads a job.
func (e *Env) Job(t testing.TB, id uuid.UUID) *models.Job {
	t.Helper()
	j, err := e.Jobs.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	return j
}

// ReservationOf reloads the reservation backing a job.
func (e *Env) ReservationOf(t testing.TB, j *models.Job) *models.Reservation {
	t.Helper()
	if j.ReservationID == nil {
		t.Fatalf("job %s has no reservation", j.ID)
	}
	r, err := e.Reservations.Get(context.Background(), *j.ReservationID)
	if err != nil {
		t.Fatalf("get reservation: %v", err)
	}
	return r
}

// Submitter records submitted job ids instead of enqueueing them.
type Submitter struct {
	mu  sync.Mutex
	ids []uuid.UUID
	Err error
}

func (s *Submitter) SubmitTx(_ context.Context, _ pgx.Tx, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.ids = append(s.ids, jobID)
	return nil
}

// Submitted returns the ids submitted so far.
func (s *Submitter) Submitted() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uuid.UUID(nil), s.ids...)
}
