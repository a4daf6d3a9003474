// Package wallet owns one account: its keys, its balance proof, its pending
// transfer batch, and its lifecycle ledger. A wallet is the single writer
// for its own proof; all mutation is serialized through its mutex, while
// different accounts' wallets operate independently.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/example/stateless-rollup/internal/engine"
	"github.com/example/stateless-rollup/internal/keys"
	"github.com/example/stateless-rollup/internal/ledger"
	"github.com/example/stateless-rollup/internal/merge"
	"github.com/example/stateless-rollup/internal/proof"
	"github.com/example/stateless-rollup/internal/rollup"
	"github.com/example/stateless-rollup/internal/store"
)

// ErrBatchPending means the wallet already handed a batch to the aggregator
// and must wait for it to resolve before building another.
var ErrBatchPending = errors.New("wallet: batch is currently pending")

// ErrEmptyBatch means there are no transfers to produce a batch from.
var ErrEmptyBatch = errors.New("wallet: transfer batch is empty")

// ErrInsufficientBalance rejects a transfer exceeding spendable funds.
var ErrInsufficientBalance = errors.New("wallet: insufficient balance")

// ErrSelfTransfer rejects sending funds to the own account.
var ErrSelfTransfer = errors.New("wallet: cannot send to self")

// sentBatch remembers the inclusion artifact for a signed batch so the
// sender can notify receivers once the block is finalised.
type sentBatch struct {
	fragment proof.Fragment
	batch    rollup.Batch
}

// Wallet is the client-side account state machine.
type Wallet struct {
	mu sync.Mutex

	name    string
	signer  keys.Signer
	account string

	sys    proof.System
	eng    *engine.Engine
	proto  *merge.Protocol
	ledger *ledger.Ledger
	store  *store.Store

	proof   engine.BalanceProof
	pending *rollup.Batch
	// inFlight is set between ProduceBatch and the signed inclusion proof.
	inFlight bool

	// sent maps block roots to the signed batches awaiting receiver
	// notification.
	sent map[string]sentBatch
	// resolved marks operations the engine already skipped, so later syncs
	// do not re-audit them.
	resolved map[proof.Hash]bool
}

// Open loads or creates the named wallet from the store.
func Open(ctx context.Context, name string, st *store.Store, ldg *ledger.Ledger, sys proof.System, eng *engine.Engine, proto *merge.Protocol) (*Wallet, error) {
	var signer *keys.Ed25519Signer

	seed, ok, err := st.LoadSeed(name)
	if err != nil {
		return nil, err
	}
	if ok {
		signer, err = keys.SignerFromSeed(seed)
	} else {
		signer, err = keys.NewSigner()
		if err == nil {
			err = st.SaveSeed(name, signer.Seed())
		}
	}
	if err != nil {
		return nil, fmt.Errorf("wallet %s: keys: %w", name, err)
	}

	account := signer.Account()
	bp, found, err := st.LoadProof(account)
	if err != nil {
		return nil, err
	}
	if !found {
		bp = engine.NewBalanceProof(account)
	}

	pending, err := st.LoadPendingBatch(account)
	if err != nil {
		return nil, err
	}

	return &Wallet{
		name:     name,
		signer:   signer,
		account:  account,
		sys:      sys,
		eng:      eng,
		proto:    proto,
		ledger:   ldg,
		store:    st,
		proof:    bp,
		pending:  pending,
		sent:     make(map[string]sentBatch),
		resolved: make(map[proof.Hash]bool),
	}, nil
}

// Account returns the wallet's account identifier.
func (w *Wallet) Account() string {
	return w.account
}

// Signer exposes the wallet's signing capability.
func (w *Wallet) Signer() keys.Signer {
	return w.signer
}

// Balance returns the replay-derived balance of the current proof.
func (w *Wallet) Balance() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.proof.Balance()
}

// Spendable returns the balance minus transfers pending in the local batch.
func (w *Wallet) Spendable() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.spendableLocked()
}

func (w *Wallet) spendableLocked() uint64 {
	balance := w.proof.Balance()
	if w.pending != nil {
		pendingTotal := w.pending.Total()
		if pendingTotal > balance {
			return 0
		}
		balance -= pendingTotal
	}
	return balance
}

// Proof returns a copy of the wallet's balance proof.
func (w *Wallet) Proof() engine.BalanceProof {
	w.mu.Lock()
	defer w.mu.Unlock()

	bp := w.proof
	bp.Ops = append([]engine.Operation(nil), w.proof.Ops...)
	return bp
}

// AppendTransfer queues a transfer into the local batch and tracks it in the
// lifecycle ledger as Created. The transfer participates in no proof until
// the aggregator admits the batch.
func (w *Wallet) AppendTransfer(ctx context.Context, recipient string, amount uint64) (rollup.Transfer, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.inFlight {
		return rollup.Transfer{}, ErrBatchPending
	}
	if recipient == w.account {
		return rollup.Transfer{}, ErrSelfTransfer
	}
	if amount == 0 {
		return rollup.Transfer{}, fmt.Errorf("wallet: amount must be greater than 0")
	}
	if amount > w.spendableLocked() {
		return rollup.Transfer{}, ErrInsufficientBalance
	}

	t := rollup.Transfer{
		ID:        uuid.New().String(),
		Sender:    w.account,
		Recipient: recipient,
		Amount:    amount,
	}

	if w.pending == nil {
		w.pending = &rollup.Batch{ID: uuid.New().String(), Sender: w.account}
	}
	w.pending.Transfers = append(w.pending.Transfers, t)

	if _, err := w.ledger.Track(ctx, t.ID, w.account); err != nil {
		return rollup.Transfer{}, err
	}
	if err := w.store.SavePendingBatch(w.account, w.pending); err != nil {
		return rollup.Transfer{}, err
	}
	return t, nil
}

// ProduceBatch hands the pending batch over for aggregation. Until the
// aggregator answers with an inclusion proof (or the batch expires), no
// further transfers may be appended.
func (w *Wallet) ProduceBatch() (rollup.Batch, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.inFlight {
		return rollup.Batch{}, ErrBatchPending
	}
	if w.pending == nil || len(w.pending.Transfers) == 0 {
		return rollup.Batch{}, ErrEmptyBatch
	}

	w.inFlight = true
	b := *w.pending
	b.Transfers = append([]rollup.Transfer(nil), w.pending.Transfers...)
	return b, nil
}

// ValidateAndSign checks the aggregator's inclusion proof against the
// wallet's own pending batch and, when it holds, signs the block root. The
// batch's transfers advance to Accepted and bind to the root.
func (w *Wallet) ValidateAndSign(ctx context.Context, frag proof.Fragment, batch rollup.Batch) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.inFlight || w.pending == nil {
		return nil, fmt.Errorf("wallet: no batch awaiting signature")
	}
	if batch.Sender != w.account {
		return nil, fmt.Errorf("wallet: batch is not from this account")
	}
	if batch.Hash() != w.pending.Hash() {
		return nil, fmt.Errorf("wallet: inclusion proof does not cover the pending batch")
	}
	if frag.Leaf != batch.Hash() || !w.sys.Verify(frag) {
		return nil, fmt.Errorf("wallet: invalid inclusion proof")
	}

	sig := w.signer.Sign(frag.Root[:])

	for _, t := range w.pending.Transfers {
		if err := w.ledger.Transition(ctx, t.ID, ledger.StateAccepted); err != nil {
			return nil, err
		}
		if err := w.ledger.AttachBlock(ctx, t.ID, frag.Root); err != nil {
			return nil, err
		}
	}

	w.sent[frag.Root.Hex()] = sentBatch{fragment: frag, batch: *w.pending}
	w.pending = nil
	w.inFlight = false
	if err := w.store.SavePendingBatch(w.account, nil); err != nil {
		return nil, err
	}
	return sig, nil
}

// AbandonBatch drops the in-flight marker after the aggregator rejected or
// expired the block, so the transfers can be re-queued.
func (w *Wallet) AbandonBatch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inFlight = false
}

// MarkConfirmed advances the sender-side records bound to a finalised block
// root to Confirmed.
func (w *Wallet) MarkConfirmed(ctx context.Context, root proof.Hash) error {
	for _, rec := range w.ledger.Records() {
		if rec.BlockRoot != root || rec.State != ledger.StateAccepted {
			continue
		}
		if err := w.ledger.Transition(ctx, rec.TransferID, ledger.StateConfirmed); err != nil {
			return err
		}
	}
	return nil
}

// ProposalsFor builds the merge proposals for every receiver covered by the
// signed batch under the given root.
func (w *Wallet) ProposalsFor(root proof.Hash) ([]merge.Proposal, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	sb, ok := w.sent[root.Hex()]
	if !ok {
		return nil, fmt.Errorf("wallet: no signed batch for root %s", root.Hex())
	}

	claimed := append([]engine.Operation(nil), w.proof.Ops...)
	proposals := make([]merge.Proposal, 0, len(sb.batch.Transfers))
	for _, t := range sb.batch.Transfers {
		proposals = append(proposals, merge.Proposal{
			TransferID: t.ID,
			Sender:     w.account,
			Fragment:   sb.fragment,
			Batch:      sb.batch,
			ClaimedOps: claimed,
		})
	}
	return proposals, nil
}

// Receive validates an incoming transfer proposal against the state view and
// merges it into the wallet's proof. The incoming transfer is tracked
// through the lifecycle ladder up to Confirmed.
func (w *Wallet) Receive(ctx context.Context, prop merge.Proposal, view rollup.StateView) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	res, err := w.proto.Propose(w.proof, prop, view)
	if err != nil {
		return err
	}

	w.proof = res.Proof
	if err := w.store.SaveProof(w.proof); err != nil {
		return err
	}

	if _, ok := w.ledger.Get(res.Transfer.ID); !ok {
		if _, err := w.ledger.Track(ctx, res.Transfer.ID, w.account); err != nil {
			return err
		}
	}
	for _, next := range []ledger.State{ledger.StateAccepted, ledger.StateConfirmed} {
		if rec, ok := w.ledger.Get(res.Transfer.ID); ok && ledger.IsValidTransition(rec.State, next) {
			if err := w.ledger.Transition(ctx, res.Transfer.ID, next); err != nil {
				return err
			}
		}
	}
	if err := w.ledger.AttachBlock(ctx, res.Transfer.ID, prop.Fragment.Root); err != nil {
		return err
	}
	return nil
}

// Sync replays the authoritative rollup order onto the wallet's proof. Only
// operations that need no peer data apply here: deposits, withdrawals, and
// the wallet's own observed transfers-out. An incoming transfer whose merge
// has not arrived yet halts the replay at its position, preserving strict
// order; the remainder applies on a later sync, bounded by transfer expiry.
func (w *Wallet) Sync(ctx context.Context, view rollup.StateView) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var toApply []engine.Operation
	for _, op := range view.AccountOps(w.account) {
		if w.resolved[op.Hash()] {
			continue
		}
		if op.Kind == engine.OpTransferIn && !w.proof.Contains(op.Hash()) {
			break
		}
		toApply = append(toApply, op)
	}

	merged, skipped, err := w.eng.Apply(w.proof, toApply)
	for _, op := range skipped {
		w.resolved[op.Hash()] = true
	}
	if err != nil {
		// A critical balance violation halts this account's processing;
		// the partially grown proof is preserved for review.
		w.proof = merged
		if saveErr := w.store.SaveProof(w.proof); saveErr != nil {
			return errors.Join(err, saveErr)
		}
		return err
	}

	w.proof = merged
	return w.store.SaveProof(w.proof)
}
