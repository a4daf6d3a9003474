package rollup

import (
	"github.com/example/stateless-rollup/internal/engine"
	"github.com/example/stateless-rollup/internal/proof"
)

// StateView is a versioned, immutable snapshot of observed rollup state: the
// authoritative per-account operation order, on-chain deposit and withdrawal
// totals, and the committed transfer blocks. Consumers receive a snapshot and
// never mutate it in place, so every reconciliation reasons about one
// consistent version.
type StateView struct {
	Version     uint64                        `json:"version"`
	Deposits    map[string]uint64             `json:"deposits"`
	Withdrawals map[string]uint64             `json:"withdrawals"`
	Blocks      []TransferBlock               `json:"blocks"`
	Ops         map[string][]engine.Operation `json:"ops"`
}

// AccountOps returns the authoritative ordered operation log for an account.
func (v StateView) AccountOps(account string) []engine.Operation {
	return v.Ops[account]
}

// HasBlock reports whether a committed block with the root is observed.
func (v StateView) HasBlock(root proof.Hash) bool {
	for _, b := range v.Blocks {
		if b.Root == root {
			return true
		}
	}
	return false
}

// BlockForRootAndSender finds the committed block with the root that covers a
// batch from the sender.
func (v StateView) BlockForRootAndSender(root proof.Hash, sender string) (TransferBlock, bool) {
	for _, b := range v.Blocks {
		if b.Root == root && b.ContainsSender(sender) {
			return b, true
		}
	}
	return TransferBlock{}, false
}

// AccountBlocks returns the committed blocks containing batches from the
// account.
func (v StateView) AccountBlocks(account string) []TransferBlock {
	var out []TransferBlock
	for _, b := range v.Blocks {
		if b.ContainsSender(account) {
			out = append(out, b)
		}
	}
	return out
}

// ContainsTransfer reports whether any observed block covers the transfer.
func (v StateView) ContainsTransfer(transferID string) bool {
	for _, b := range v.Blocks {
		if b.ContainsTransfer(transferID) {
			return true
		}
	}
	return false
}

// DepositTotal returns the on-chain deposit total for the account.
func (v StateView) DepositTotal(account string) uint64 {
	return v.Deposits[account]
}

// WithdrawalTotal returns the on-chain withdrawal total for the account.
func (v StateView) WithdrawalTotal(account string) uint64 {
	return v.Withdrawals[account]
}
