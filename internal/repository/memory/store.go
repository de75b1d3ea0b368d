// Package memory is an in-process implementation of the repository
// contracts. A transaction holds the store lock from Begin until Commit or
// Rollback, so transactions are serializable; Rollback undoes every write
// made through the transaction. Calls made with a nil tx lock per call and
// must not be issued from inside an open transaction on the same goroutine.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/creditforge/backend/internal/models"
)

var errUnsupported = errors.New("memory: raw SQL is not supported")

type Store struct {
	mu sync.Mutex

	wallets      map[uuid.UUID]*models.Wallet
	entries      []*models.LedgerEntry
	repairs      []*models.WalletRepair
	reservations map[uuid.UUID]*models.Reservation
	resByJob     map[uuid.UUID]uuid.UUID
	jobs         map[uuid.UUID]*models.Job
	upstream     map[string]uuid.UUID

	failMu sync.Mutex
	fail   map[string]error

	now func() time.Time
}

func New() *Store {
	return &Store{
		wallets:      make(map[uuid.UUID]*models.Wallet),
		reservations: make(map[uuid.UUID]*models.Reservation),
		resByJob:     make(map[uuid.UUID]uuid.UUID),
		jobs:         make(map[uuid.UUID]*models.Job),
		upstream:     make(map[string]uuid.UUID),
		fail:         make(map[string]error),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the store's time source.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// FailNext makes the next call of the named operation (for example
// "jobs.CreateTx") return err.
func (s *Store) FailNext(op string, err error) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	s.fail[op] = err
}

func (s *Store) injected(op string) error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	err := s.fail[op]
	delete(s.fail, op)
	return err
}

// Begin starts a transaction and takes the store lock.
func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.injected("begin"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	return &Tx{store: s}, nil
}

// acquire returns the open transaction carried by tx, or locks the store for
// a single call.
func (s *Store) acquire(tx pgx.Tx) (*Tx, func()) {
	if t, ok := tx.(*Tx); ok && t.store == s && !t.done {
		return t, func() {}
	}
	s.mu.Lock()
	return nil, s.mu.Unlock
}

func upstreamKey(provider, upstreamID string) string {
	return provider + "\x00" + upstreamID
}

// Tx is the transaction handle returned by Store.Begin.
type Tx struct {
	store *Store
	undo  []func()
	done  bool
}

var _ pgx.Tx = (*Tx)(nil)

func (t *Tx) onRollback(fn func()) {
	if t != nil {
		t.undo = append(t.undo, fn)
	}
}

func (t *Tx) Commit(ctx context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	if err := t.store.injected("commit"); err != nil {
		_ = t.Rollback(ctx)
		return err
	}
	t.done = true
	t.undo = nil
	t.store.mu.Unlock()
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.done = true
	t.undo = nil
	t.store.mu.Unlock()
	return nil
}

func (t *Tx) Begin(context.Context) (pgx.Tx, error) {
	return nil, fmt.Errorf("memory: nested transactions are not supported")
}
func (t *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), errUnsupported
}
func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, errUnsupported }
func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row        { return errRow{} }
func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, errUnsupported
}
func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *Tx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, errUnsupported
}
func (t *Tx) Conn() *pgx.Conn { return nil }

type errRow struct{}

func (errRow) Scan(...any) error { return errUnsupported }
