package rollup

import (
	"context"
	"errors"
	"time"

	"github.com/example/stateless-rollup/internal/proof"
)

// Receipt acknowledges a submitted block.
type Receipt struct {
	BlockID    string     `json:"block_id"`
	Root       proof.Hash `json:"root"`
	Version    uint64     `json:"version"`
	ObservedAt time.Time  `json:"observed_at"`
}

// Oracle is the opaque L1 ledger capability: submit signed blocks and query
// the authoritative rollup state. Implementations must return self-consistent
// snapshots from QueryState.
type Oracle interface {
	SubmitBlock(ctx context.Context, block TransferBlock) (Receipt, error)
	QueryState(ctx context.Context) (StateView, error)
}

// ErrUnsignedBlock rejects submission of a block missing sender signatures.
var ErrUnsignedBlock = errors.New("rollup: block not signed by all participating senders")

// ErrInsufficientFunds rejects an L1 withdrawal exceeding deposited funds.
var ErrInsufficientFunds = errors.New("rollup: insufficient on-chain funds")
