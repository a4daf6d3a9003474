package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/stateless-rollup/internal/proof"
	"github.com/example/stateless-rollup/pkg/audit"
)

func newTestLedger(t *testing.T, timeout time.Duration) *Ledger {
	t.Helper()
	l, err := NewLedger(context.Background(), NewMemoryStore(), audit.NewChainLogger(), timeout)
	require.NoError(t, err)
	return l
}

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		from  State
		to    State
		valid bool
	}{
		{StateCreated, StateAccepted, true},
		{StateCreated, StateExpired, true},
		{StateCreated, StateConfirmed, false},
		{StateAccepted, StateConfirmed, true},
		{StateAccepted, StateCreated, false},
		{StateConfirmed, StateOnChain, true},
		{StateConfirmed, StateAccepted, false},
		{StateOnChain, StateExpired, false},
		{StateExpired, StateCreated, false},
		{StateExpired, StateOnChain, false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.valid, IsValidTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestNewLedger_RequiresTimeout(t *testing.T) {
	_, err := NewLedger(context.Background(), NewMemoryStore(), audit.NewChainLogger(), 0)
	assert.Error(t, err)
}

func TestTrack_AndTransition(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, time.Hour)
	id := uuid.New().String()

	rec, err := l.Track(ctx, id, "acct-a")
	require.NoError(t, err)
	assert.Equal(t, StateCreated, rec.State)

	_, err = l.Track(ctx, id, "acct-a")
	assert.Error(t, err)

	require.NoError(t, l.Transition(ctx, id, StateAccepted))
	require.NoError(t, l.Transition(ctx, id, StateConfirmed))
	require.NoError(t, l.Transition(ctx, id, StateOnChain))

	got, ok := l.Get(id)
	require.True(t, ok)
	assert.Equal(t, StateOnChain, got.State)
	assert.True(t, got.State.Terminal())
}

func TestTransition_RejectsRegression(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, time.Hour)
	id := uuid.New().String()

	_, err := l.Track(ctx, id, "acct-a")
	require.NoError(t, err)
	require.NoError(t, l.Transition(ctx, id, StateAccepted))

	err = l.Transition(ctx, id, StateCreated)
	var invalid *InvalidStateTransitionError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, StateAccepted, invalid.FromState)
	assert.Equal(t, StateCreated, invalid.ToState)
}

func TestTransition_SameStateIsNoOp(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, time.Hour)
	id := uuid.New().String()

	_, err := l.Track(ctx, id, "acct-a")
	require.NoError(t, err)
	require.NoError(t, l.Transition(ctx, id, StateAccepted))
	require.NoError(t, l.Transition(ctx, id, StateAccepted))
}

func TestExpireStale_IsTerminal(t *testing.T) {
	ctx := context.Background()
	events := audit.NewChainLogger()
	l, err := NewLedger(ctx, NewMemoryStore(), events, time.Minute)
	require.NoError(t, err)

	id := uuid.New().String()
	_, err = l.Track(ctx, id, "acct-a")
	require.NoError(t, err)

	// Not yet stale.
	expired, err := l.ExpireStale(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, expired)

	expired, err = l.ExpireStale(ctx, time.Now().UTC().Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, StateExpired, expired[0].State)

	// A later on-chain observation must not resurrect it.
	err = l.Transition(ctx, id, StateOnChain)
	var invalid *InvalidStateTransitionError
	require.True(t, errors.As(err, &invalid))

	chain := events.Events()
	require.Len(t, chain, 1)
	assert.Equal(t, audit.EventTransferExpired, chain[0].Kind)
}

func TestUnconfirmedAndRequeued(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, time.Hour)

	created := uuid.New().String()
	accepted := uuid.New().String()
	done := uuid.New().String()

	for _, id := range []string{created, accepted, done} {
		_, err := l.Track(ctx, id, "acct-a")
		require.NoError(t, err)
	}
	require.NoError(t, l.Transition(ctx, accepted, StateAccepted))
	require.NoError(t, l.Transition(ctx, done, StateAccepted))
	require.NoError(t, l.Transition(ctx, done, StateConfirmed))
	require.NoError(t, l.Transition(ctx, done, StateOnChain))

	unconfirmed := l.Unconfirmed()
	require.Len(t, unconfirmed, 2)

	requeued := l.Requeued()
	require.Len(t, requeued, 1)
	assert.Equal(t, created, requeued[0].TransferID)
}

func TestSQLiteStore_SurvivesReload(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	root := proof.HashBytes([]byte("block root"))
	rec := Record{
		TransferID: uuid.New().String(),
		Account:    "acct-a",
		State:      StateAccepted,
		BlockRoot:  root,
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
		UpdatedAt:  time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.Save(ctx, rec))

	rec.State = StateConfirmed
	require.NoError(t, store.Save(ctx, rec))

	loaded, err := store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, rec.TransferID, loaded[0].TransferID)
	assert.Equal(t, StateConfirmed, loaded[0].State)
	assert.Equal(t, root, loaded[0].BlockRoot)

	l, err := NewLedger(ctx, store, audit.NewChainLogger(), time.Hour)
	require.NoError(t, err)
	got, ok := l.Get(rec.TransferID)
	require.True(t, ok)
	assert.Equal(t, StateConfirmed, got.State)
}
