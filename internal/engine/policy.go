package engine

// OverdraftResolution says how a withdraw that would breach non-negativity is
// resolved against its neighbouring operations in rollup order.
type OverdraftResolution int

const (
	// ResolveNone means no conflicting transfer exists; the breach is a
	// critical protocol violation.
	ResolveNone OverdraftResolution = iota
	// ResolveDropPrevious rolls back the transfer applied immediately
	// before the withdraw.
	ResolveDropPrevious
	// ResolveDropNext discards the transfer queued immediately after the
	// withdraw before it is applied.
	ResolveDropNext
)

// OverdraftPolicy decides, given the operations immediately before and after
// a breaching withdraw in rollup order, which conflicting transfer (if any)
// is disregarded. Either neighbour may be nil.
//
// Whether the withdraw should always win, or additional on-chain evidence
// should be required, is an unresolved question upstream; keeping the policy
// behind this type lets it be revisited without touching replay.
type OverdraftPolicy func(prev, next *Operation) OverdraftResolution

// FavorWithdraw is the default policy: a withdraw observed on L1 takes
// precedence over an adjacent conflicting transfer, because disregarding the
// withdraw would understate funds already spent on-chain.
func FavorWithdraw(prev, next *Operation) OverdraftResolution {
	if prev != nil && prev.Kind == OpTransferOut {
		return ResolveDropPrevious
	}
	if next != nil && next.Kind == OpTransferOut {
		return ResolveDropNext
	}
	return ResolveNone
}
