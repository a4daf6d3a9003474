// Package aggregator batches pending transfer batches into a single transfer
// block, fixes its Merkle root, collects sender signatures, and publishes
// the signed block to the ledger oracle in order. At most one block per
// aggregator is in flight between root fixing and commitment.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/stateless-rollup/internal/keys"
	"github.com/example/stateless-rollup/internal/proof"
	"github.com/example/stateless-rollup/internal/rollup"
)

// ErrBatchBusy means a prior block is still awaiting signatures or
// submission. Retryable: callers re-append after the outstanding block
// commits or expires. Admission control gives the effect of a mutex without
// blocking callers.
var ErrBatchBusy = errors.New("aggregator: transfer block in flight, retry after it resolves")

// ErrEmptyBlock rejects closing a block with no batches.
var ErrEmptyBlock = errors.New("aggregator: no batches to close")

// ErrUnknownSender rejects operations for a sender with no admitted batch.
var ErrUnknownSender = errors.New("aggregator: sender has no batch in the current block")

// ErrBadSignature rejects a signature that does not verify against the root.
var ErrBadSignature = errors.New("aggregator: signature does not verify against block root")

// DuplicateBatchError rejects a second batch from the same sender for one
// block.
type DuplicateBatchError struct {
	Sender string
}

func (e *DuplicateBatchError) Error() string {
	return fmt.Sprintf("aggregator: sender %s already has a batch in the current block", e.Sender)
}

// InvalidBlockStateError reports an operation attempted in the wrong block
// state.
type InvalidBlockStateError struct {
	State     rollup.BlockState
	Operation string
}

func (e *InvalidBlockStateError) Error() string {
	return fmt.Sprintf("aggregator: cannot %s while block is %s", e.Operation, e.State)
}

// Aggregator drives the transfer block lifecycle:
// Open -> AwaitingSignatures -> Signed -> Committed, or Expired on timeout.
type Aggregator struct {
	mu     sync.Mutex
	sys    proof.System
	oracle rollup.Oracle

	blockID    string
	state      rollup.BlockState
	batches    []rollup.Batch
	senderIdx  map[string]int
	signatures map[string][]byte
	root       proof.Hash
	closedAt   time.Time

	// blockTimeout bounds how long a closed block may wait before it is
	// abandoned as Expired.
	blockTimeout time.Duration
}

// New creates an aggregator with an empty open block.
func New(sys proof.System, oracle rollup.Oracle, blockTimeout time.Duration) *Aggregator {
	a := &Aggregator{sys: sys, oracle: oracle, blockTimeout: blockTimeout}
	a.resetLocked()
	return a
}

func (a *Aggregator) resetLocked() {
	a.blockID = uuid.New().String()
	a.state = rollup.BlockOpen
	a.batches = nil
	a.senderIdx = make(map[string]int)
	a.signatures = make(map[string][]byte)
	a.root = proof.Hash{}
	a.closedAt = time.Time{}
}

// State returns the current block's lifecycle state.
func (a *Aggregator) State() rollup.BlockState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Root returns the fixed root of the current block, zero while Open.
func (a *Aggregator) Root() proof.Hash {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.root
}

// Append admits a sender's batch into the open block. While a prior block is
// between root fixing and commitment every call fails with ErrBatchBusy.
func (a *Aggregator) Append(b rollup.Batch) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != rollup.BlockOpen {
		return ErrBatchBusy
	}
	if len(b.Transfers) == 0 {
		return fmt.Errorf("aggregator: batch %s from %s has no transfers", b.ID, b.Sender)
	}
	if _, ok := a.senderIdx[b.Sender]; ok {
		return &DuplicateBatchError{Sender: b.Sender}
	}

	a.senderIdx[b.Sender] = len(a.batches)
	a.batches = append(a.batches, b)
	return nil
}

// CloseBatch fixes the Merkle root over the admitted batches and moves the
// block to AwaitingSignatures. No further appends are accepted for this root.
func (a *Aggregator) CloseBatch() (proof.Hash, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != rollup.BlockOpen {
		return proof.Hash{}, &InvalidBlockStateError{State: a.state, Operation: "close batch"}
	}
	if len(a.batches) == 0 {
		return proof.Hash{}, ErrEmptyBlock
	}

	root, err := a.sys.Commit(a.leavesLocked())
	if err != nil {
		return proof.Hash{}, fmt.Errorf("aggregator: commit block root: %w", err)
	}

	a.root = root
	a.state = rollup.BlockAwaitingSignatures
	a.closedAt = time.Now().UTC()
	return root, nil
}

// ProofFor produces the inclusion fragment for a sender's batch under the
// fixed root. Only meaningful once the root is fixed.
func (a *Aggregator) ProofFor(sender string) (proof.Fragment, rollup.Batch, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != rollup.BlockAwaitingSignatures && a.state != rollup.BlockSigned {
		return proof.Fragment{}, rollup.Batch{}, &InvalidBlockStateError{State: a.state, Operation: "produce inclusion proof"}
	}
	idx, ok := a.senderIdx[sender]
	if !ok {
		return proof.Fragment{}, rollup.Batch{}, ErrUnknownSender
	}

	frag, err := a.sys.ProofFor(a.leavesLocked(), idx)
	if err != nil {
		return proof.Fragment{}, rollup.Batch{}, fmt.Errorf("aggregator: inclusion proof for %s: %w", sender, err)
	}
	return frag, a.batches[idx], nil
}

// SubmitSignature records a sender's signature over the fixed root. Once all
// participating senders signed, the block becomes Signed.
func (a *Aggregator) SubmitSignature(sender string, sig []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != rollup.BlockAwaitingSignatures {
		return &InvalidBlockStateError{State: a.state, Operation: "submit signature"}
	}
	if _, ok := a.senderIdx[sender]; !ok {
		return ErrUnknownSender
	}
	if !keys.Verify(sender, a.root[:], sig) {
		return ErrBadSignature
	}

	a.signatures[sender] = sig
	if len(a.signatures) == len(a.batches) {
		a.state = rollup.BlockSigned
	}
	return nil
}

// Publish submits the signed block to the ledger oracle. On an accepted
// receipt the block is Committed and a fresh open block starts accepting
// appends again.
func (a *Aggregator) Publish(ctx context.Context) (rollup.TransferBlock, rollup.Receipt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != rollup.BlockSigned {
		return rollup.TransferBlock{}, rollup.Receipt{}, &InvalidBlockStateError{State: a.state, Operation: "publish"}
	}

	block := rollup.TransferBlock{
		ID:         a.blockID,
		Root:       a.root,
		Batches:    append([]rollup.Batch(nil), a.batches...),
		Signatures: a.signatures,
		State:      rollup.BlockSigned,
		CreatedAt:  a.closedAt,
	}

	receipt, err := a.oracle.SubmitBlock(ctx, block)
	if err != nil {
		return rollup.TransferBlock{}, rollup.Receipt{}, fmt.Errorf("aggregator: submit block %s: %w", block.ID, err)
	}

	block.State = rollup.BlockCommitted
	a.resetLocked()
	return block, receipt, nil
}

// Expire abandons a closed block that has outlived the block timeout and
// reopens admission. Returns true if a block was expired.
func (a *Aggregator) Expire(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != rollup.BlockAwaitingSignatures && a.state != rollup.BlockSigned {
		return false
	}
	if a.blockTimeout <= 0 || now.Sub(a.closedAt) < a.blockTimeout {
		return false
	}

	a.resetLocked()
	return true
}

func (a *Aggregator) leavesLocked() []proof.Hash {
	leaves := make([]proof.Hash, len(a.batches))
	for i, b := range a.batches {
		leaves[i] = b.Hash()
	}
	return leaves
}
