package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creditforge/backend/internal/apperr"
	"github.com/creditforge/backend/internal/models"
)

func TestRollbackUndoesWrites(t *testing.T) {
	ctx := context.Background()
	s := New()
	identity := uuid.New()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Wallets().EnsureTx(ctx, tx, identity))
	require.NoError(t, s.Wallets().SetBalanceTx(ctx, tx, identity, 50))
	res := &models.Reservation{ID: uuid.New(), IdentityID: identity, JobID: uuid.New(), Cost: 10, Status: models.ReservationHeld}
	inserted, err := s.Reservations().InsertTx(ctx, tx, res)
	require.NoError(t, err)
	require.True(t, inserted)
	require.NoError(t, tx.Rollback(ctx))

	_, err = s.Wallets().Get(ctx, identity)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	got, err := s.Reservations().GetByJobID(ctx, nil, res.JobID)
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.ErrorIs(t, tx.Commit(ctx), pgx.ErrTxClosed)
}

func TestCommitKeepsWritesAndUniqueJobID(t *testing.T) {
	ctx := context.Background()
	s := New()
	identity := uuid.New()
	jobID := uuid.New()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Wallets().EnsureTx(ctx, tx, identity))
	first := &models.Reservation{ID: uuid.New(), IdentityID: identity, JobID: jobID, Cost: 10, Status: models.ReservationHeld}
	ok, err := s.Reservations().InsertTx(ctx, tx, first)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, tx.Commit(ctx))

	second := &models.Reservation{ID: uuid.New(), IdentityID: identity, JobID: jobID, Cost: 10, Status: models.ReservationHeld}
	ok, err = s.Reservations().InsertTx(ctx, nil, second)
	require.NoError(t, err)
	assert.False(t, ok)

	held, err := s.Reservations().SumHeld(ctx, nil, identity)
	require.NoError(t, err)
	assert.Equal(t, int64(10), held)
}

func TestUpstreamUniqueness(t *testing.T) {
	ctx := context.Background()
	s := New()
	a := &models.Job{ID: uuid.New(), Provider: "mock", Status: models.JobStatusQueued}
	b := &models.Job{ID: uuid.New(), Provider: "mock", Status: models.JobStatusQueued}
	require.NoError(t, s.Jobs().CreateTx(ctx, nil, a))
	require.NoError(t, s.Jobs().CreateTx(ctx, nil, b))

	up := "up-1"
	a.UpstreamJobID = &up
	require.NoError(t, s.Jobs().UpdateTx(ctx, nil, a))
	b.UpstreamJobID = &up
	assert.ErrorIs(t, s.Jobs().UpdateTx(ctx, nil, b), apperr.ErrStatusConflict)

	found, err := s.Jobs().GetByUpstream(ctx, "mock", up)
	require.NoError(t, err)
	assert.Equal(t, a.ID, found.ID)
}

func TestFailNext(t *testing.T) {
	ctx := context.Background()
	s := New()
	boom := errors.New("boom")
	s.FailNext("jobs.CreateTx", boom)

	assert.ErrorIs(t, s.Jobs().CreateTx(ctx, nil, &models.Job{ID: uuid.New()}), boom)
	assert.NoError(t, s.Jobs().CreateTx(ctx, nil, &models.Job{ID: uuid.New()}))
}
