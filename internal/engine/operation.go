package engine

import (
	"encoding/json"
	"fmt"

	"github.com/example/stateless-rollup/internal/proof"
)

// OpKind identifies the variant of an Operation.
type OpKind string

const (
	OpDeposit     OpKind = "DEPOSIT"
	OpWithdraw    OpKind = "WITHDRAW"
	OpTransferOut OpKind = "TRANSFER_OUT"
	OpTransferIn  OpKind = "TRANSFER_IN"
)

// Operation is a single entry in an account's balance proof. Seq is strictly
// increasing per account and follows the order observed in rollup state, not
// local submission order.
type Operation struct {
	ID      string `json:"id"`
	Account string `json:"account"`
	Seq     uint64 `json:"seq"`
	Kind    OpKind `json:"kind"`
	Amount  uint64 `json:"amount"`

	// SourceRef references the L1 deposit for OpDeposit.
	SourceRef string `json:"source_ref,omitempty"`
	// Recipient is set for OpTransferOut.
	Recipient string `json:"recipient,omitempty"`
	// Sender is set for OpTransferIn.
	Sender string `json:"sender,omitempty"`
	// BlockRef is the transfer block root covering a transfer operation.
	BlockRef proof.Hash `json:"block_ref,omitempty"`
	// Fragment is the sender-side inclusion artifact for OpTransferIn.
	Fragment *proof.Fragment `json:"fragment,omitempty"`
}

// Hash returns the canonical digest of the operation. The fragment is
// excluded so the same logical transfer hashes identically on both sides.
func (op Operation) Hash() proof.Hash {
	canonical := op
	canonical.Fragment = nil
	raw, err := json.Marshal(canonical)
	if err != nil {
		// Operation contains only marshalable fields.
		panic(fmt.Sprintf("marshal operation %s: %v", op.ID, err))
	}
	return proof.HashBytes(raw)
}

// BalanceProof is an account's self-contained history: the ordered,
// append-only log of applied operations plus a commitment summarizing them.
// The replay-derived balance is non-negative at every prefix.
type BalanceProof struct {
	Account    string      `json:"account"`
	Ops        []Operation `json:"ops"`
	Commitment proof.Hash  `json:"commitment"`
}

// NewBalanceProof returns an empty proof for the account.
func NewBalanceProof(account string) BalanceProof {
	return BalanceProof{Account: account}
}

// Balance replays the applied operations and returns the current balance.
func (bp *BalanceProof) Balance() uint64 {
	var balance uint64
	for _, op := range bp.Ops {
		switch op.Kind {
		case OpDeposit, OpTransferIn:
			balance += op.Amount
		case OpWithdraw, OpTransferOut:
			balance -= op.Amount
		}
	}
	return balance
}

// NextSeq returns the sequence number the next operation must carry.
func (bp *BalanceProof) NextSeq() uint64 {
	if len(bp.Ops) == 0 {
		return 1
	}
	return bp.Ops[len(bp.Ops)-1].Seq + 1
}

// Contains reports whether an operation with the given hash is applied.
func (bp *BalanceProof) Contains(h proof.Hash) bool {
	for _, op := range bp.Ops {
		if op.Hash() == h {
			return true
		}
	}
	return false
}

// LeafHashes returns the per-operation digests in applied order.
func (bp *BalanceProof) LeafHashes() []proof.Hash {
	leaves := make([]proof.Hash, len(bp.Ops))
	for i, op := range bp.Ops {
		leaves[i] = op.Hash()
	}
	return leaves
}
