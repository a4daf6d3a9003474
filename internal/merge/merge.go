// Package merge implements the sender to receiver proof exchange: a sender
// offers a transfer fragment plus the operations its proof claims, and the
// receiver validates the offer against authoritative rollup state before
// merging the transfer into its own balance proof.
package merge

import (
	"errors"
	"fmt"

	"github.com/example/stateless-rollup/internal/engine"
	"github.com/example/stateless-rollup/internal/proof"
	"github.com/example/stateless-rollup/internal/rollup"
	"github.com/example/stateless-rollup/pkg/audit"
)

// ErrVerificationFailed means the offered fragment is malformed or does not
// prove the claimed batch. Fatal for this proposal; the fragment is discarded.
var ErrVerificationFailed = errors.New("merge: fragment failed verification")

// ErrNoTransferForReceiver means the offered batch contains no transfer
// addressed to the receiving account.
var ErrNoTransferForReceiver = errors.New("merge: no transfer addressed to receiver")

// IncompleteProofError means the sender's claimed operation set omits
// operations that rollup state shows as applied before the transfer. This is
// the double-spend signal: fatal, the fragment is discarded and the sender
// flagged.
type IncompleteProofError struct {
	Sender     string
	MissingIDs []string
}

func (e *IncompleteProofError) Error() string {
	return fmt.Sprintf("merge: sender %s proof omits %d operation(s) known to rollup state: %v",
		e.Sender, len(e.MissingIDs), e.MissingIDs)
}

// StaleReferenceError means the referenced block is not yet observed in
// rollup state. Retryable after the next sync, bounded by the transfer's
// expiry deadline.
type StaleReferenceError struct {
	BlockRef proof.Hash
}

func (e *StaleReferenceError) Error() string {
	return fmt.Sprintf("merge: block %s not yet observed in rollup state", e.BlockRef.Hex())
}

// Proposal is the sender's offer: the inclusion fragment for its batch, the
// batch itself, and every operation the sender's balance proof claims.
type Proposal struct {
	TransferID string             `json:"transfer_id"`
	Sender     string             `json:"sender"`
	Fragment   proof.Fragment     `json:"fragment"`
	Batch      rollup.Batch       `json:"batch"`
	ClaimedOps []engine.Operation `json:"claimed_ops"`
}

// Result is a successful merge: the receiver's grown proof and the
// transfer-in operation that was applied.
type Result struct {
	Proof    engine.BalanceProof
	Transfer engine.Operation
}

// Protocol validates and merges incoming transfer proposals.
type Protocol struct {
	sys    proof.System
	eng    *engine.Engine
	events *audit.ChainLogger
}

// NewProtocol creates the receiver-side merge protocol.
func NewProtocol(sys proof.System, eng *engine.Engine, events *audit.ChainLogger) *Protocol {
	return &Protocol{sys: sys, eng: eng, events: events}
}

// Propose validates the sender's offer against the state view and, on
// success, merges the addressed transfer into the receiver's proof.
//
// Validation order: structural fragment verification first, then the
// completeness check against the sender's authoritative operation set, then
// the merge itself. A completeness failure is surfaced as
// *IncompleteProofError so the sender sees an explicit rejection rather than
// a silent stall.
func (p *Protocol) Propose(receiver engine.BalanceProof, prop Proposal, view rollup.StateView) (Result, error) {
	if prop.Fragment.Leaf != prop.Batch.Hash() || !p.sys.Verify(prop.Fragment) {
		return Result{}, ErrVerificationFailed
	}

	transfer, ok := transferFor(prop.Batch, receiver.Account)
	if !ok {
		return Result{}, ErrNoTransferForReceiver
	}

	if _, ok := view.BlockForRootAndSender(prop.Fragment.Root, prop.Sender); !ok {
		return Result{}, &StaleReferenceError{BlockRef: prop.Fragment.Root}
	}

	if missing := p.missingOps(prop, view); len(missing) > 0 {
		p.events.Append(audit.EventCounterpartyFlagged, prop.Sender,
			fmt.Sprintf("proof offered for transfer %s omits %d known operation(s)", prop.TransferID, len(missing)))
		return Result{}, &IncompleteProofError{Sender: prop.Sender, MissingIDs: missing}
	}

	in, ok := incomingOp(view, receiver.Account, transfer.ID)
	if !ok {
		return Result{}, &StaleReferenceError{BlockRef: prop.Fragment.Root}
	}
	in.Fragment = &prop.Fragment

	merged, skipped, err := p.eng.Apply(receiver, []engine.Operation{in})
	if err != nil {
		return Result{}, err
	}
	if len(skipped) > 0 {
		return Result{}, ErrVerificationFailed
	}

	return Result{Proof: merged, Transfer: in}, nil
}

// missingOps cross-references the sender's claimed operations against the
// authoritative rollup order for that sender. Every operation observed
// on-chain before the offered transfer must be claimed.
func (p *Protocol) missingOps(prop Proposal, view rollup.StateView) []string {
	claimed := make(map[string]bool, len(prop.ClaimedOps))
	for _, op := range prop.ClaimedOps {
		claimed[op.ID] = true
	}

	authoritative := view.AccountOps(prop.Sender)
	transferSeq := uint64(0)
	for _, op := range authoritative {
		if op.ID == prop.TransferID && op.Kind == engine.OpTransferOut {
			transferSeq = op.Seq
			break
		}
	}

	var missing []string
	for _, op := range authoritative {
		if transferSeq > 0 && op.Seq >= transferSeq {
			break
		}
		if !claimed[op.ID] {
			missing = append(missing, op.ID)
		}
	}
	return missing
}

func transferFor(batch rollup.Batch, receiver string) (rollup.Transfer, bool) {
	for _, t := range batch.Transfers {
		if t.Recipient == receiver {
			return t, true
		}
	}
	return rollup.Transfer{}, false
}

func incomingOp(view rollup.StateView, receiver, transferID string) (engine.Operation, bool) {
	for _, op := range view.AccountOps(receiver) {
		if op.ID == transferID && op.Kind == engine.OpTransferIn {
			return op, true
		}
	}
	return engine.Operation{}, false
}
