package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/stateless-rollup/internal/ledger"
	"github.com/example/stateless-rollup/internal/proof"
	"github.com/example/stateless-rollup/internal/rollup"
	"github.com/example/stateless-rollup/pkg/audit"
)

const account = "acct-reconcile-test"

func viewWithTransfer(transferID, sender, recipient string) rollup.StateView {
	batch := rollup.Batch{
		ID:     uuid.New().String(),
		Sender: sender,
		Transfers: []rollup.Transfer{{
			ID:        transferID,
			Sender:    sender,
			Recipient: recipient,
			Amount:    10,
		}},
	}
	return rollup.StateView{
		Version: 1,
		Blocks: []rollup.TransferBlock{{
			ID:      uuid.New().String(),
			Root:    proof.HashBytes([]byte(transferID)),
			Batches: []rollup.Batch{batch},
			State:   rollup.BlockCommitted,
		}},
	}
}

func record(state ledger.State, age time.Duration) ledger.Record {
	now := time.Now().UTC()
	return ledger.Record{
		TransferID: uuid.New().String(),
		Account:    account,
		State:      state,
		CreatedAt:  now.Add(-age),
		UpdatedAt:  now.Add(-age),
	}
}

func TestReconcile_PromotesObservedTransfers(t *testing.T) {
	rec := record(ledger.StateAccepted, time.Minute)
	view := viewWithTransfer(rec.TransferID, account, "acct-peer")

	diff := Reconcile(view, []ledger.Record{rec}, time.Now().UTC(), time.Hour)
	require.Len(t, diff.Promoted, 1)
	assert.Equal(t, rec.TransferID, diff.Promoted[0].TransferID)
	assert.Empty(t, diff.Expired)
	assert.Empty(t, diff.Requeued)
}

func TestReconcile_ExpiresStaleTransfers(t *testing.T) {
	rec := record(ledger.StateAccepted, 2*time.Hour)

	diff := Reconcile(rollup.StateView{}, []ledger.Record{rec}, time.Now().UTC(), time.Hour)
	require.Len(t, diff.Expired, 1)
	assert.Empty(t, diff.Promoted)
}

func TestReconcile_ObservationBeatsTimeout(t *testing.T) {
	// A transfer observed on-chain is promoted even if it is past the
	// timeout: expiry only covers transfers with no confirmation at all.
	rec := record(ledger.StateConfirmed, 2*time.Hour)
	view := viewWithTransfer(rec.TransferID, account, "acct-peer")

	diff := Reconcile(view, []ledger.Record{rec}, time.Now().UTC(), time.Hour)
	require.Len(t, diff.Promoted, 1)
	assert.Empty(t, diff.Expired)
}

func TestReconcile_NeverResurrectsExpired(t *testing.T) {
	// The transfer expired, and only afterwards shows up on-chain. The
	// record stays terminal.
	rec := record(ledger.StateExpired, 3*time.Hour)
	view := viewWithTransfer(rec.TransferID, account, "acct-peer")

	diff := Reconcile(view, []ledger.Record{rec}, time.Now().UTC(), time.Hour)
	assert.Empty(t, diff.Promoted)
	assert.Empty(t, diff.Expired)
	assert.Empty(t, diff.Requeued)
}

func TestReconcile_RequeuesUnadmitted(t *testing.T) {
	created := record(ledger.StateCreated, time.Minute)
	accepted := record(ledger.StateAccepted, time.Minute)

	diff := Reconcile(rollup.StateView{}, []ledger.Record{created, accepted}, time.Now().UTC(), time.Hour)
	require.Len(t, diff.Requeued, 1)
	assert.Equal(t, created.TransferID, diff.Requeued[0].TransferID)
}

func TestDelta_ReturnsOnlyNewBlocks(t *testing.T) {
	first := viewWithTransfer(uuid.New().String(), account, "acct-peer")
	second := viewWithTransfer(uuid.New().String(), account, "acct-peer")
	combined := rollup.StateView{
		Version: 2,
		Blocks:  append(append([]rollup.TransferBlock(nil), first.Blocks...), second.Blocks...),
	}

	delta := Delta(first, combined, account)
	require.Len(t, delta, 1)
	assert.Equal(t, second.Blocks[0].ID, delta[0].ID)

	assert.Empty(t, Delta(combined, combined, account))

	// Blocks not involving the account are invisible to it.
	foreign := viewWithTransfer(uuid.New().String(), "acct-x", "acct-y")
	assert.Empty(t, Delta(rollup.StateView{}, foreign, account))
}

func TestRunOnce_AppliesDiffToLedger(t *testing.T) {
	ctx := context.Background()
	oracle := rollup.NewMemoryOracle()
	l, err := ledger.NewLedger(ctx, ledger.NewMemoryStore(), audit.NewChainLogger(), time.Hour)
	require.NoError(t, err)

	transferID := uuid.New().String()
	_, err = l.Track(ctx, transferID, account)
	require.NoError(t, err)

	var notified []rollup.TransferBlock
	r := New(account, oracle, l, time.Hour, time.Second, func(acct string, blocks []rollup.TransferBlock) {
		notified = append(notified, blocks...)
	})

	// Nothing observed yet: the record is only requeued.
	diff, err := r.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, diff.Requeued, 1)

	batch := rollup.Batch{
		ID:     uuid.New().String(),
		Sender: account,
		Transfers: []rollup.Transfer{{
			ID:        transferID,
			Sender:    account,
			Recipient: "acct-peer",
			Amount:    10,
		}},
	}
	_, err = oracle.SubmitBlock(ctx, rollup.TransferBlock{
		ID:         uuid.New().String(),
		Root:       proof.HashBytes([]byte("root")),
		Batches:    []rollup.Batch{batch},
		Signatures: map[string][]byte{account: []byte("sig")},
	})
	require.NoError(t, err)

	diff, err = r.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, diff.Promoted, 1)

	got, ok := l.Get(transferID)
	require.True(t, ok)
	assert.Equal(t, ledger.StateOnChain, got.State)
	require.Len(t, notified, 1)

	// A repeat pass changes nothing and re-notifies nothing.
	diff, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, diff.Promoted)
	assert.Len(t, notified, 1)
}

func TestRunOnce_ExpiryLandsInAuditTrail(t *testing.T) {
	ctx := context.Background()

	store := ledger.NewMemoryStore()
	stale := record(ledger.StateAccepted, 2*time.Hour)
	require.NoError(t, store.Save(ctx, stale))

	events := audit.NewChainLogger()
	l, err := ledger.NewLedger(ctx, store, events, time.Hour)
	require.NoError(t, err)

	r := New(account, rollup.NewMemoryOracle(), l, time.Hour, time.Second, nil)
	diff, err := r.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, diff.Expired, 1)

	got, ok := l.Get(stale.TransferID)
	require.True(t, ok)
	assert.Equal(t, ledger.StateExpired, got.State)

	chain := events.EventsForAccount(account)
	require.Len(t, chain, 1)
	assert.Equal(t, audit.EventTransferExpired, chain[0].Kind)
}

func TestRun_PollsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	oracle := rollup.NewMemoryOracle()
	l, err := ledger.NewLedger(ctx, ledger.NewMemoryStore(), audit.NewChainLogger(), time.Hour)
	require.NoError(t, err)

	transferID := uuid.New().String()
	_, err = l.Track(ctx, transferID, account)
	require.NoError(t, err)

	r := New(account, oracle, l, time.Hour, time.Millisecond, nil)
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	_, err = oracle.SubmitBlock(ctx, rollup.TransferBlock{
		ID:   uuid.New().String(),
		Root: proof.HashBytes([]byte("polled")),
		Batches: []rollup.Batch{{
			ID:     uuid.New().String(),
			Sender: account,
			Transfers: []rollup.Transfer{{
				ID:        transferID,
				Sender:    account,
				Recipient: "acct-peer",
				Amount:    10,
			}},
		}},
		Signatures: map[string][]byte{account: []byte("sig")},
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		rec, ok := l.Get(transferID)
		return ok && rec.State == ledger.StateOnChain
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
