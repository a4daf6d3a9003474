// Package reconcile diffs the local unconfirmed transfer set against
// observed rollup state on a schedule. The decision is a pure function over
// two immutable state snapshots, so it carries no hidden shared state and is
// independently testable; a thin runner applies the resulting diff to the
// transaction ledger.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/example/stateless-rollup/internal/ledger"
	"github.com/example/stateless-rollup/internal/rollup"
)

// Diff is the outcome of one reconciliation pass.
type Diff struct {
	// Promoted are records whose transfers are now observed on-chain.
	Promoted []ledger.Record
	// Expired are records past the timeout with no countervailing
	// confirmation.
	Expired []ledger.Record
	// Requeued are records still Created: locally appended, never
	// admitted. They are offered for re-submission, not dropped.
	Requeued []ledger.Record
}

// Reconcile computes the lifecycle diff for the given records against the
// current snapshot. Terminal records are left untouched: in particular an
// Expired record stays Expired even if its transfer is later observed
// on-chain.
func Reconcile(current rollup.StateView, records []ledger.Record, now time.Time, timeout time.Duration) Diff {
	var diff Diff
	for _, rec := range records {
		if rec.State.Terminal() {
			continue
		}

		if current.ContainsTransfer(rec.TransferID) {
			diff.Promoted = append(diff.Promoted, rec)
			continue
		}

		if now.Sub(rec.CreatedAt) >= timeout {
			diff.Expired = append(diff.Expired, rec)
			continue
		}

		if rec.State == ledger.StateCreated {
			diff.Requeued = append(diff.Requeued, rec)
		}
	}
	return diff
}

// Delta returns the blocks containing the account that appear in current but
// not in previous. Only this delta is forwarded to receivers, so proofs that
// are already known are never re-sent.
func Delta(previous, current rollup.StateView, account string) []rollup.TransferBlock {
	known := make(map[string]bool)
	for _, b := range previous.AccountBlocks(account) {
		known[b.ID] = true
	}

	var out []rollup.TransferBlock
	for _, b := range current.AccountBlocks(account) {
		if !known[b.ID] {
			out = append(out, b)
		}
	}
	return out
}

// NotifyFunc forwards newly observed blocks for an account to its receivers.
type NotifyFunc func(account string, blocks []rollup.TransferBlock)

// Reconciler runs the periodic per-account reconciliation task.
type Reconciler struct {
	account  string
	oracle   rollup.Oracle
	ledger   *ledger.Ledger
	timeout  time.Duration
	interval time.Duration
	notify   NotifyFunc

	previous rollup.StateView
}

// New creates the reconciliation task for one account. timeout mirrors the
// ledger's expiry timeout so the diff and the ledger agree on staleness.
// notify may be nil.
func New(account string, oracle rollup.Oracle, l *ledger.Ledger, timeout, interval time.Duration, notify NotifyFunc) *Reconciler {
	return &Reconciler{
		account:  account,
		oracle:   oracle,
		ledger:   l,
		timeout:  timeout,
		interval: interval,
		notify:   notify,
	}
}

// RunOnce performs a single reconciliation cycle: query a fresh snapshot,
// compute the diff, apply it to the ledger, and forward the per-account
// block delta.
func (r *Reconciler) RunOnce(ctx context.Context) (Diff, error) {
	current, err := r.oracle.QueryState(ctx)
	if err != nil {
		return Diff{}, fmt.Errorf("reconcile: query rollup state: %w", err)
	}

	now := time.Now().UTC()
	diff := Reconcile(current, r.ledger.Records(), now, r.timeout)

	if err := r.apply(ctx, diff, now); err != nil {
		return diff, err
	}

	if r.notify != nil {
		if delta := Delta(r.previous, current, r.account); len(delta) > 0 {
			r.notify(r.account, delta)
		}
	}

	r.previous = current
	return diff, nil
}

// Run polls on the configured interval until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				return err
			}
		}
	}
}

func (r *Reconciler) apply(ctx context.Context, diff Diff, now time.Time) error {
	// Promotion steps through the remaining lifecycle states rather than
	// jumping, so monotonicity holds for records observed on-chain straight
	// from Created or Accepted.
	ladder := []ledger.State{ledger.StateCreated, ledger.StateAccepted, ledger.StateConfirmed, ledger.StateOnChain}
	for _, rec := range diff.Promoted {
		pos := 0
		for i, s := range ladder {
			if s == rec.State {
				pos = i
				break
			}
		}
		for _, next := range ladder[pos+1:] {
			if err := r.ledger.Transition(ctx, rec.TransferID, next); err != nil {
				return fmt.Errorf("reconcile: promote %s to %s: %w", rec.TransferID, next, err)
			}
		}
	}
	// Expiry goes through the ledger so the drop lands in the audit trail.
	// Promoted records are terminal by now and stay untouched.
	if len(diff.Expired) > 0 {
		if _, err := r.ledger.ExpireStale(ctx, now); err != nil {
			return fmt.Errorf("reconcile: expire stale transfers: %w", err)
		}
	}
	return nil
}
