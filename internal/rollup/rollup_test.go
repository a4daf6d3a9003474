package rollup

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/stateless-rollup/internal/engine"
	"github.com/example/stateless-rollup/internal/proof"
)

func signedBlock(sender, recipient string, amount uint64) TransferBlock {
	batch := Batch{
		ID:     uuid.New().String(),
		Sender: sender,
		Transfers: []Transfer{{
			ID:        uuid.New().String(),
			Sender:    sender,
			Recipient: recipient,
			Amount:    amount,
		}},
	}
	return TransferBlock{
		ID:         uuid.New().String(),
		Root:       proof.HashBytes([]byte(batch.ID)),
		Batches:    []Batch{batch},
		Signatures: map[string][]byte{sender: []byte("sig")},
	}
}

func TestMemoryOracle_DepositsAndWithdrawals(t *testing.T) {
	ctx := context.Background()
	o := NewMemoryOracle()

	o.AddDeposit("acct-a", 100, "l1-tx-1")
	o.AddDeposit("acct-a", 50, "l1-tx-2")
	require.NoError(t, o.AddWithdraw("acct-a", 30))
	assert.ErrorIs(t, o.AddWithdraw("acct-a", 200), ErrInsufficientFunds)
	assert.ErrorIs(t, o.AddWithdraw("acct-unknown", 1), ErrInsufficientFunds)

	view, err := o.QueryState(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(150), view.DepositTotal("acct-a"))
	assert.Equal(t, uint64(30), view.WithdrawalTotal("acct-a"))

	ops := view.AccountOps("acct-a")
	require.Len(t, ops, 3)
	for i, op := range ops {
		assert.Equal(t, uint64(i+1), op.Seq)
	}
	assert.Equal(t, engine.OpWithdraw, ops[2].Kind)
}

func TestMemoryOracle_SubmitBlockDerivesOps(t *testing.T) {
	ctx := context.Background()
	o := NewMemoryOracle()
	o.AddDeposit("acct-a", 100, "l1-tx")

	block := signedBlock("acct-a", "acct-b", 40)
	receipt, err := o.SubmitBlock(ctx, block)
	require.NoError(t, err)
	assert.Equal(t, block.Root, receipt.Root)

	view, err := o.QueryState(ctx)
	require.NoError(t, err)
	require.True(t, view.HasBlock(block.Root))

	transferID := block.Batches[0].Transfers[0].ID
	assert.True(t, view.ContainsTransfer(transferID))

	// The same transfer ID appears on both sides, each with the account's
	// own next sequence number.
	aOps := view.AccountOps("acct-a")
	require.Len(t, aOps, 2)
	assert.Equal(t, engine.OpTransferOut, aOps[1].Kind)
	assert.Equal(t, transferID, aOps[1].ID)
	assert.Equal(t, uint64(2), aOps[1].Seq)

	bOps := view.AccountOps("acct-b")
	require.Len(t, bOps, 1)
	assert.Equal(t, engine.OpTransferIn, bOps[0].Kind)
	assert.Equal(t, transferID, bOps[0].ID)
	assert.Equal(t, uint64(1), bOps[0].Seq)
}

func TestMemoryOracle_RejectsUnsignedBlock(t *testing.T) {
	o := NewMemoryOracle()
	block := signedBlock("acct-a", "acct-b", 40)
	block.Signatures = nil

	_, err := o.SubmitBlock(context.Background(), block)
	assert.ErrorIs(t, err, ErrUnsignedBlock)
}

func TestQueryState_SnapshotIsIsolated(t *testing.T) {
	ctx := context.Background()
	o := NewMemoryOracle()
	o.AddDeposit("acct-a", 100, "l1-tx")

	view, err := o.QueryState(ctx)
	require.NoError(t, err)

	// Mutating the snapshot must not leak back into the oracle.
	view.Deposits["acct-a"] = 0
	view.Ops["acct-a"][0].Amount = 0

	fresh, err := o.QueryState(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), fresh.DepositTotal("acct-a"))
	assert.Equal(t, uint64(100), fresh.AccountOps("acct-a")[0].Amount)
}

func TestStateView_BlockLookups(t *testing.T) {
	block := signedBlock("acct-a", "acct-b", 40)
	view := StateView{Blocks: []TransferBlock{block}}

	_, ok := view.BlockForRootAndSender(block.Root, "acct-a")
	assert.True(t, ok)
	_, ok = view.BlockForRootAndSender(block.Root, "acct-b")
	assert.False(t, ok)
	_, ok = view.BlockForRootAndSender(proof.HashBytes([]byte("other")), "acct-a")
	assert.False(t, ok)

	assert.Len(t, view.AccountBlocks("acct-a"), 1)
	assert.Empty(t, view.AccountBlocks("acct-b"))
}

func TestLevelDBOracle_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "oracle.db")

	o, err := OpenLevelDBOracle(path)
	require.NoError(t, err)
	require.NoError(t, o.AddDeposit("acct-a", 100, "l1-tx"))

	block := signedBlock("acct-a", "acct-b", 40)
	_, err = o.SubmitBlock(ctx, block)
	require.NoError(t, err)
	require.NoError(t, o.Close())

	reopened, err := OpenLevelDBOracle(path)
	require.NoError(t, err)
	defer reopened.Close()

	view, err := reopened.QueryState(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), view.DepositTotal("acct-a"))
	assert.True(t, view.HasBlock(block.Root))
	require.Len(t, view.AccountOps("acct-a"), 2)

	// Sequence assignment continues where it left off.
	require.NoError(t, reopened.AddDeposit("acct-a", 10, "l1-tx-2"))
	view, err = reopened.QueryState(ctx)
	require.NoError(t, err)
	ops := view.AccountOps("acct-a")
	assert.Equal(t, uint64(3), ops[len(ops)-1].Seq)
}
