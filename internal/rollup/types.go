package rollup

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/stateless-rollup/internal/proof"
)

// Transfer is a single value movement inside a batch.
type Transfer struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Amount    uint64 `json:"amount"`
}

// Batch is one sender's set of transfers submitted for aggregation. The
// batch hash is the leaf committed under the transfer block's Merkle root.
type Batch struct {
	ID        string     `json:"id"`
	Sender    string     `json:"sender"`
	Transfers []Transfer `json:"transfers"`
}

// Hash returns the canonical digest of the batch.
func (b Batch) Hash() proof.Hash {
	raw, err := json.Marshal(b)
	if err != nil {
		panic(fmt.Sprintf("marshal batch %s: %v", b.ID, err))
	}
	return proof.HashBytes(raw)
}

// Total returns the sum of transfer amounts in the batch.
func (b Batch) Total() uint64 {
	var total uint64
	for _, t := range b.Transfers {
		total += t.Amount
	}
	return total
}

// BlockState is the lifecycle state of a transfer block.
type BlockState string

const (
	BlockOpen               BlockState = "OPEN"
	BlockAwaitingSignatures BlockState = "AWAITING_SIGNATURES"
	BlockSigned             BlockState = "SIGNED"
	BlockCommitted          BlockState = "COMMITTED"
	BlockExpired            BlockState = "EXPIRED"
)

// TransferBlock is a batch of transfers bound by a single Merkle root signed
// by all participating senders.
type TransferBlock struct {
	ID         string            `json:"id"`
	Root       proof.Hash        `json:"root"`
	Batches    []Batch           `json:"batches"`
	Signatures map[string][]byte `json:"signatures"`
	State      BlockState        `json:"state"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Senders returns the accounts whose batches the block covers, in batch order.
func (tb TransferBlock) Senders() []string {
	senders := make([]string, len(tb.Batches))
	for i, b := range tb.Batches {
		senders[i] = b.Sender
	}
	return senders
}

// ContainsSender reports whether the account contributed a batch.
func (tb TransferBlock) ContainsSender(account string) bool {
	for _, b := range tb.Batches {
		if b.Sender == account {
			return true
		}
	}
	return false
}

// ContainsTransfer reports whether the block covers the transfer ID.
func (tb TransferBlock) ContainsTransfer(transferID string) bool {
	for _, b := range tb.Batches {
		for _, t := range b.Transfers {
			if t.ID == transferID {
				return true
			}
		}
	}
	return false
}

// BatchFor returns the batch contributed by the account, if any.
func (tb TransferBlock) BatchFor(account string) (Batch, bool) {
	for _, b := range tb.Batches {
		if b.Sender == account {
			return b, true
		}
	}
	return Batch{}, false
}
