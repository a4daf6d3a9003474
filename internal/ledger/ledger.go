// Package ledger tracks the lifecycle of every transfer a wallet initiates
// or receives, from local creation through aggregator admission and signed
// confirmation to observed on-chain inclusion, with irreversible timeout
// expiry for transfers that never make it.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/stateless-rollup/internal/proof"
	"github.com/example/stateless-rollup/pkg/audit"
)

// State is the lifecycle state of a tracked transfer.
type State string

const (
	StateCreated   State = "CREATED"
	StateAccepted  State = "ACCEPTED"
	StateConfirmed State = "CONFIRMED"
	StateOnChain   State = "ON_CHAIN"
	StateExpired   State = "EXPIRED"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateOnChain || s == StateExpired
}

// Record tracks one transfer's lifecycle. Many records may reference the
// same transfer block through BlockRoot.
type Record struct {
	TransferID string     `json:"transfer_id"`
	Account    string     `json:"account"`
	State      State      `json:"state"`
	BlockRoot  proof.Hash `json:"block_root"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// InvalidStateTransitionError reports a disallowed lifecycle transition.
type InvalidStateTransitionError struct {
	FromState  State
	ToState    State
	TransferID string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition from %s to %s for transfer %s", e.FromState, e.ToState, e.TransferID)
}

// AllowedTransitions defines the valid lifecycle transitions. States never
// regress, and Expired is reachable from every non-terminal state but leads
// nowhere.
func AllowedTransitions() map[State][]State {
	return map[State][]State{
		StateCreated:   {StateAccepted, StateExpired},
		StateAccepted:  {StateConfirmed, StateExpired},
		StateConfirmed: {StateOnChain, StateExpired},
		StateOnChain:   {},
		StateExpired:   {},
	}
}

// IsValidTransition checks whether a transition is allowed.
func IsValidTransition(from, to State) bool {
	for _, allowed := range AllowedTransitions()[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Store persists lifecycle records across process restarts.
type Store interface {
	Save(ctx context.Context, rec Record) error
	LoadAll(ctx context.Context) ([]Record, error)
}

// Ledger is the in-memory lifecycle tracker backed by a Store snapshot.
// Expiry is driven by the configured timeout, which must be large relative
// to expected block-confirmation latency because expiry is irreversible.
type Ledger struct {
	mu      sync.Mutex
	records map[string]*Record
	store   Store
	events  *audit.ChainLogger
	timeout time.Duration
}

// NewLedger loads the persisted snapshot and returns the tracker.
func NewLedger(ctx context.Context, store Store, events *audit.ChainLogger, timeout time.Duration) (*Ledger, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("ledger: expiry timeout must be positive, got %v", timeout)
	}

	recs, err := store.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: load snapshot: %w", err)
	}

	l := &Ledger{
		records: make(map[string]*Record, len(recs)),
		store:   store,
		events:  events,
		timeout: timeout,
	}
	for _, rec := range recs {
		r := rec
		l.records[r.TransferID] = &r
	}
	return l, nil
}

// Track registers a newly created transfer in StateCreated.
func (l *Ledger) Track(ctx context.Context, transferID, account string) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.records[transferID]; ok {
		return *existing, fmt.Errorf("ledger: transfer %s already tracked in state %s", transferID, existing.State)
	}

	now := time.Now().UTC()
	rec := &Record{
		TransferID: transferID,
		Account:    account,
		State:      StateCreated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	l.records[transferID] = rec

	if err := l.store.Save(ctx, *rec); err != nil {
		return *rec, fmt.Errorf("ledger: persist record %s: %w", transferID, err)
	}
	return *rec, nil
}

// Transition advances a record. Advancing to the state the record already
// holds is a no-op, so reconciliation can re-apply observations safely.
func (l *Ledger) Transition(ctx context.Context, transferID string, to State) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transitionLocked(ctx, transferID, to)
}

func (l *Ledger) transitionLocked(ctx context.Context, transferID string, to State) error {
	rec, ok := l.records[transferID]
	if !ok {
		return fmt.Errorf("ledger: unknown transfer %s", transferID)
	}
	if rec.State == to {
		return nil
	}
	if !IsValidTransition(rec.State, to) {
		return &InvalidStateTransitionError{FromState: rec.State, ToState: to, TransferID: transferID}
	}

	rec.State = to
	rec.UpdatedAt = time.Now().UTC()
	if err := l.store.Save(ctx, *rec); err != nil {
		return fmt.Errorf("ledger: persist record %s: %w", transferID, err)
	}
	return nil
}

// AttachBlock binds a record to the transfer block root that covers it.
func (l *Ledger) AttachBlock(ctx context.Context, transferID string, root proof.Hash) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[transferID]
	if !ok {
		return fmt.Errorf("ledger: unknown transfer %s", transferID)
	}
	rec.BlockRoot = root
	rec.UpdatedAt = time.Now().UTC()
	if err := l.store.Save(ctx, *rec); err != nil {
		return fmt.Errorf("ledger: persist record %s: %w", transferID, err)
	}
	return nil
}

// Get returns a copy of the record for the transfer.
func (l *Ledger) Get(transferID string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[transferID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Records returns copies of all records ordered by creation time.
func (l *Ledger) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Record, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TransferID < out[j].TransferID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Unconfirmed returns copies of all records not yet terminal.
func (l *Ledger) Unconfirmed() []Record {
	var out []Record
	for _, rec := range l.Records() {
		if !rec.State.Terminal() {
			out = append(out, rec)
		}
	}
	return out
}

// Requeued returns transfers still in StateCreated: locally appended but
// never admitted. A resync must not drop them silently; they are offered for
// re-submission instead.
func (l *Ledger) Requeued() []Record {
	var out []Record
	for _, rec := range l.Records() {
		if rec.State == StateCreated {
			out = append(out, rec)
		}
	}
	return out
}

// ExpireStale marks every non-terminal record whose age exceeds the timeout
// as Expired and returns the expired records. Expiry is terminal: nothing
// resurrects an expired transfer, even a later on-chain observation.
func (l *Ledger) ExpireStale(ctx context.Context, now time.Time) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var expired []Record
	for _, rec := range l.records {
		if rec.State.Terminal() {
			continue
		}
		if now.Sub(rec.CreatedAt) < l.timeout {
			continue
		}
		if err := l.transitionLocked(ctx, rec.TransferID, StateExpired); err != nil {
			return expired, err
		}
		l.events.Append(audit.EventTransferExpired, rec.Account,
			fmt.Sprintf("transfer %s expired after %v without on-chain confirmation", rec.TransferID, now.Sub(rec.CreatedAt)))
		expired = append(expired, *rec)
	}
	return expired, nil
}
