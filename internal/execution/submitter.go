package execution

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

// InsertTxFunc matches river.Client.InsertTx.
type InsertTxFunc func(ctx context.Context, tx pgx.Tx, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)

var errSubmitterUnbound = errors.New("execution: dispatch submitter is not bound to a River client")

// RiverSubmitter enqueues DispatchArgs in the caller's transaction. It is
// bound to the River client after construction, since the client's workers
// need the job service that uses the submitter.
type RiverSubmitter struct {
	mu          sync.Mutex
	insert      InsertTxFunc
	maxAttempts int
}

func NewRiverSubmitter(maxAttempts int) *RiverSubmitter {
	return &RiverSubmitter{maxAttempts: maxAttempts}
}

// Bind sets the insert function, typically riverClient.InsertTx.
func (s *RiverSubmitter) Bind(fn InsertTxFunc) {
	s.mu.Lock()
	s.insert = fn
	s.mu.Unlock()
}

func (s *RiverSubmitter) SubmitTx(ctx context.Context, tx pgx.Tx, jobID uuid.UUID) error {
	s.mu.Lock()
	fn := s.insert
	s.mu.Unlock()
	if fn == nil {
		return errSubmitterUnbound
	}
	_, err := fn(ctx, tx, DispatchArgs{JobID: jobID}, &river.InsertOpts{
		MaxAttempts: s.maxAttempts,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	})
	return err
}
