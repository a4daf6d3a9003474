package rollup

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/stateless-rollup/internal/engine"
)

// MemoryOracle is an in-memory ledger oracle for tests and local runs. It
// mirrors what an L1 contract would expose: deposit and withdrawal totals,
// committed transfer blocks, and the derived per-account operation order.
type MemoryOracle struct {
	mu          sync.Mutex
	deposits    map[string]uint64
	withdrawals map[string]uint64
	blocks      []TransferBlock
	ops         map[string][]engine.Operation
	nextSeq     map[string]uint64
	version     uint64
}

// NewMemoryOracle creates an empty in-memory oracle.
func NewMemoryOracle() *MemoryOracle {
	return &MemoryOracle{
		deposits:    make(map[string]uint64),
		withdrawals: make(map[string]uint64),
		ops:         make(map[string][]engine.Operation),
		nextSeq:     make(map[string]uint64),
	}
}

func (o *MemoryOracle) seq(account string) uint64 {
	o.nextSeq[account]++
	return o.nextSeq[account]
}

// AddDeposit records an on-chain deposit for the account.
func (o *MemoryOracle) AddDeposit(account string, amount uint64, sourceRef string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.deposits[account] += amount
	o.ops[account] = append(o.ops[account], engine.Operation{
		ID:        uuid.New().String(),
		Account:   account,
		Seq:       o.seq(account),
		Kind:      engine.OpDeposit,
		Amount:    amount,
		SourceRef: sourceRef,
	})
	o.version++
}

// AddWithdraw records an on-chain withdrawal. The contract only sees deposit
// and withdrawal totals, not off-chain transfers, so a withdrawal that
// conflicts with an off-chain transfer is accepted here and surfaces later
// during proof replay.
func (o *MemoryOracle) AddWithdraw(account string, amount uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.deposits[account] < o.withdrawals[account]+amount {
		return ErrInsufficientFunds
	}

	o.withdrawals[account] += amount
	o.ops[account] = append(o.ops[account], engine.Operation{
		ID:      uuid.New().String(),
		Account: account,
		Seq:     o.seq(account),
		Kind:    engine.OpWithdraw,
		Amount:  amount,
	})
	o.version++
	return nil
}

// SubmitBlock accepts a fully signed transfer block and derives the on-chain
// operation order for every participating account.
func (o *MemoryOracle) SubmitBlock(ctx context.Context, block TransferBlock) (Receipt, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, b := range block.Batches {
		if _, ok := block.Signatures[b.Sender]; !ok {
			return Receipt{}, ErrUnsignedBlock
		}
	}

	block.State = BlockCommitted
	o.blocks = append(o.blocks, block)

	for _, b := range block.Batches {
		for _, t := range b.Transfers {
			o.ops[t.Sender] = append(o.ops[t.Sender], engine.Operation{
				ID:        t.ID,
				Account:   t.Sender,
				Seq:       o.seq(t.Sender),
				Kind:      engine.OpTransferOut,
				Amount:    t.Amount,
				Recipient: t.Recipient,
				BlockRef:  block.Root,
			})
			o.ops[t.Recipient] = append(o.ops[t.Recipient], engine.Operation{
				ID:       t.ID,
				Account:  t.Recipient,
				Seq:      o.seq(t.Recipient),
				Kind:     engine.OpTransferIn,
				Amount:   t.Amount,
				Sender:   t.Sender,
				BlockRef: block.Root,
			})
		}
	}

	o.version++
	return Receipt{
		BlockID:    block.ID,
		Root:       block.Root,
		Version:    o.version,
		ObservedAt: time.Now().UTC(),
	}, nil
}

// QueryState returns a consistent snapshot of the observed rollup state.
func (o *MemoryOracle) QueryState(ctx context.Context) (StateView, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	return StateView{
		Version:     o.version,
		Deposits:    copyTotals(o.deposits),
		Withdrawals: copyTotals(o.withdrawals),
		Blocks:      copyBlocks(o.blocks),
		Ops:         copyOps(o.ops),
	}, nil
}

func copyTotals(totals map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(totals))
	for k, v := range totals {
		out[k] = v
	}
	return out
}

func copyBlocks(blocks []TransferBlock) []TransferBlock {
	out := make([]TransferBlock, len(blocks))
	for i, b := range blocks {
		sigs := make(map[string][]byte, len(b.Signatures))
		for k, v := range b.Signatures {
			sig := make([]byte, len(v))
			copy(sig, v)
			sigs[k] = sig
		}
		b.Signatures = sigs
		b.Batches = append([]Batch(nil), b.Batches...)
		out[i] = b
	}
	return out
}

func copyOps(ops map[string][]engine.Operation) map[string][]engine.Operation {
	out := make(map[string][]engine.Operation, len(ops))
	for k, v := range ops {
		out[k] = append([]engine.Operation(nil), v...)
	}
	return out
}
