package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// EventKind classifies audit events emitted by the proof lifecycle.
type EventKind string

const (
	// EventOperationSkipped records an operation excluded from a balance
	// proof because applying it would have breached non-negativity.
	EventOperationSkipped EventKind = "INVALID_OPERATION_SKIPPED"
	// EventBalanceViolation records a withdraw that breached non-negativity
	// with no conflicting transfer to resolve it.
	EventBalanceViolation EventKind = "CRITICAL_BALANCE_VIOLATION"
	// EventCounterpartyFlagged records a sender whose merge proposal was
	// rejected as a possible double spend.
	EventCounterpartyFlagged EventKind = "COUNTERPARTY_FLAGGED"
	// EventTransferExpired records a transfer dropped by timeout expiry.
	EventTransferExpired EventKind = "TRANSFER_EXPIRED"
)

// Event is a single audit log entry. Entries are hash-chained so the history
// of skips and expiries is tamper-evident.
type Event struct {
	Timestamp    string    `json:"timestamp"`
	Kind         EventKind `json:"kind"`
	Account      string    `json:"account"`
	PreviousHash string    `json:"previous_hash"`
	Detail       string    `json:"detail"`
	Hash         string    `json:"hash"`
}

// ChainLogger provides a tamper-evident audit trail using hash chaining.
type ChainLogger struct {
	mu           sync.Mutex
	previousHash string
	events       []*Event
}

// NewChainLogger creates a new ChainLogger initialized with a zero hash.
func NewChainLogger() *ChainLogger {
	return &ChainLogger{
		previousHash: strings.Repeat("0", 64),
	}
}

// Append adds a new event to the chain and returns it.
func (c *ChainLogger) Append(kind EventKind, account, detail string) *Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	ev := &Event{
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
		Kind:         kind,
		Account:      account,
		PreviousHash: c.previousHash,
		Detail:       detail,
	}

	ev.Hash = eventHash(ev.PreviousHash, ev)
	c.previousHash = ev.Hash
	c.events = append(c.events, ev)
	return ev
}

// Events returns a copy of the recorded chain.
func (c *ChainLogger) Events() []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Event, len(c.events))
	copy(out, c.events)
	return out
}

// EventsForAccount returns the events for one account in chain order. The
// result is a filtered view, not a contiguous hash chain: once several
// accounts interleave, the entries linking consecutive results are absent.
// Check individual entries with VerifyEvent; VerifyChain applies only to the
// unfiltered chain from Events.
func (c *ChainLogger) EventsForAccount(account string) []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*Event
	for _, ev := range c.events {
		if ev.Account == account {
			out = append(out, ev)
		}
	}
	return out
}

func eventHash(prevHash string, ev *Event) string {
	hashInput := fmt.Sprintf("%s|%s|%s|%s|%s", prevHash, ev.Timestamp, ev.Kind, ev.Account, ev.Detail)
	sum := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(sum[:])
}

// VerifyEvent checks one event's hash against its recorded fields. It works
// on any entry, including one pulled out of a filtered view where the
// neighbouring chain entries are absent.
func VerifyEvent(ev *Event) bool {
	return eventHash(ev.PreviousHash, ev) == ev.Hash
}

// VerifyChain checks if a slice of events forms a contiguous valid hash
// chain. It applies to the unfiltered chain from Events; a per-account view
// drops the links in between, so verify its entries with VerifyEvent instead.
func VerifyChain(events []*Event) bool {
	for i, ev := range events {
		if i > 0 && events[i-1].Hash != ev.PreviousHash {
			return false
		}
		if !VerifyEvent(ev) {
			return false
		}
	}
	return true
}
