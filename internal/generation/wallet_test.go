package generation

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creditforge/backend/internal/apperr"
	"github.com/creditforge/backend/internal/jobs/jobstest"
	"github.com/creditforge/backend/internal/models"
)

func TestOpenWallet(t *testing.T) {
	env := jobstest.New(t)
	ctx := context.Background()

	empty, err := NewWallets(env.Ledger, 0).Open(ctx, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, int64(0), empty.Balance)

	id := uuid.New()
	s, err := NewWallets(env.Ledger, 25).Open(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(25), s.Balance)
	assert.Equal(t, int64(25), s.Available)

	entries, err := NewWallets(env.Ledger, 25).Entries(ctx, Caller{IdentityID: id}, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.RefTypeSignup, entries[0].RefType)
}

func TestGrant(t *testing.T) {
	env := jobstest.New(t)
	ctx := context.Background()
	w := NewWallets(env.Ledger, 0)
	target := uuid.New()
	admin := Caller{IdentityID: uuid.New(), Admin: true}

	_, err := w.Grant(ctx, Caller{IdentityID: target}, target, 50, "")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = w.Grant(ctx, admin, target, 50, "gift")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = w.Grant(ctx, admin, target, 0, "")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	entry, err := w.Grant(ctx, admin, target, 50, "")
	require.NoError(t, err)
	assert.Equal(t, models.RefTypeAdmin, entry.RefType)
	assert.Equal(t, int64(50), entry.BalanceAfter)

	s, err := w.Summary(ctx, Caller{IdentityID: target})
	require.NoError(t, err)
	assert.Equal(t, int64(50), s.Balance)
}
