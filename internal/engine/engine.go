package engine

import (
	"fmt"

	"github.com/example/stateless-rollup/internal/proof"
	"github.com/example/stateless-rollup/pkg/audit"
)

// CriticalBalanceViolationError reports a withdraw that breached
// non-negativity with no conflicting transfer to blame. It halts the
// account's processing pending manual review.
type CriticalBalanceViolationError struct {
	Account string
	Seq     uint64
	Amount  uint64
	Balance uint64
}

func (e *CriticalBalanceViolationError) Error() string {
	return fmt.Sprintf("critical balance violation for account %s: withdraw of %d at seq %d exceeds balance %d with no conflicting transfer",
		e.Account, e.Amount, e.Seq, e.Balance)
}

// Engine applies operations to balance proofs sequentially, one at a time,
// in the order provided by rollup state. It is the single writer for any
// proof passed to it; callers serialize per-account mutation.
type Engine struct {
	sys    proof.System
	events *audit.ChainLogger
	policy OverdraftPolicy
}

// New creates an engine with the default withdraw-favoring overdraft policy.
func New(sys proof.System, events *audit.ChainLogger) *Engine {
	return NewWithPolicy(sys, events, FavorWithdraw)
}

// NewWithPolicy creates an engine with an explicit overdraft policy.
func NewWithPolicy(sys proof.System, events *audit.ChainLogger, policy OverdraftPolicy) *Engine {
	return &Engine{sys: sys, events: events, policy: policy}
}

// Apply replays ops onto the proof strictly in the given (rollup) order and
// returns the grown proof plus the set of operations that were skipped.
//
// Deposits always apply. Transfers-in apply once their fragment verifies.
// Withdraws and transfers-out that would drop the running balance below zero
// are skipped, never applied; a breaching withdraw is first resolved against
// an adjacent conflicting transfer via the overdraft policy, and becomes a
// CriticalBalanceViolationError when no such transfer exists. Skips are
// recorded for audit; the originating operation is excluded from the proof
// but never destroyed.
//
// Applying the same operation set twice is idempotent: operations already
// present in the proof are ignored.
func (e *Engine) Apply(bp BalanceProof, ops []Operation) (BalanceProof, []Operation, error) {
	applied := make([]Operation, len(bp.Ops))
	copy(applied, bp.Ops)
	balance := bp.Balance()

	seen := make(map[proof.Hash]bool, len(applied))
	for _, op := range applied {
		seen[op.Hash()] = true
	}

	var skipped []Operation
	dropped := make(map[int]bool)

	skip := func(op Operation, reason string) {
		skipped = append(skipped, op)
		e.events.Append(audit.EventOperationSkipped, bp.Account,
			fmt.Sprintf("%s op %s (seq %d, amount %d): %s", op.Kind, op.ID, op.Seq, op.Amount, reason))
	}

	for i, op := range ops {
		if seen[op.Hash()] {
			continue
		}
		if dropped[i] {
			skip(op, "disregarded in favor of a conflicting withdraw")
			continue
		}
		if len(applied) > 0 && op.Seq <= applied[len(applied)-1].Seq {
			skip(op, fmt.Sprintf("sequence %d not after applied sequence %d", op.Seq, applied[len(applied)-1].Seq))
			continue
		}

		switch op.Kind {
		case OpDeposit:
			balance += op.Amount

		case OpTransferIn:
			if op.Fragment == nil || !e.sys.Verify(*op.Fragment) {
				skip(op, "transfer fragment failed verification")
				continue
			}
			balance += op.Amount

		case OpTransferOut:
			if op.Amount > balance {
				skip(op, fmt.Sprintf("transfer of %d exceeds balance %d", op.Amount, balance))
				continue
			}
			balance -= op.Amount

		case OpWithdraw:
			if op.Amount > balance {
				applied, balance = e.resolveOverdraft(op, applied, ops, i, balance, dropped, skip)
				if op.Amount > balance {
					bp.Ops = applied
					e.recommit(&bp)
					e.events.Append(audit.EventBalanceViolation, bp.Account,
						fmt.Sprintf("withdraw %s of %d at seq %d exceeds balance %d", op.ID, op.Amount, op.Seq, balance))
					return bp, skipped, &CriticalBalanceViolationError{
						Account: bp.Account, Seq: op.Seq, Amount: op.Amount, Balance: balance,
					}
				}
			}
			balance -= op.Amount

		default:
			skip(op, fmt.Sprintf("unknown operation kind %q", op.Kind))
			continue
		}

		applied = append(applied, op)
		seen[op.Hash()] = true
	}

	bp.Ops = applied
	e.recommit(&bp)
	return bp, skipped, nil
}

// resolveOverdraft consults the policy for a withdraw that breaches
// non-negativity. It may roll back the transfer applied immediately before
// the withdraw, or pre-emptively drop the transfer queued immediately after.
func (e *Engine) resolveOverdraft(
	withdraw Operation,
	applied []Operation,
	pending []Operation,
	idx int,
	balance uint64,
	dropped map[int]bool,
	skip func(Operation, string),
) ([]Operation, uint64) {
	var prev, next *Operation
	if len(applied) > 0 {
		prev = &applied[len(applied)-1]
	}
	if idx+1 < len(pending) {
		next = &pending[idx+1]
	}

	switch e.policy(prev, next) {
	case ResolveDropPrevious:
		conflicting := applied[len(applied)-1]
		applied = applied[:len(applied)-1]
		balance += conflicting.Amount
		skip(conflicting, fmt.Sprintf("rolled back in favor of withdraw %s at seq %d", withdraw.ID, withdraw.Seq))
		return applied, balance

	case ResolveDropNext:
		dropped[idx+1] = true
		return applied, balance

	default:
		return applied, balance
	}
}

func (e *Engine) recommit(bp *BalanceProof) {
	if len(bp.Ops) == 0 {
		bp.Commitment = proof.Hash{}
		return
	}
	root, err := e.sys.Commit(bp.LeafHashes())
	if err != nil {
		// Commit only fails on an empty leaf set, which is handled above.
		panic(fmt.Sprintf("recommit proof for %s: %v", bp.Account, err))
	}
	bp.Commitment = root
}
