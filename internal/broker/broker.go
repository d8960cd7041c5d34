// Package broker implements the two independent correlation tables that
// resolve synchronous SEND/ACK pairs and async reply-to chains. Per the
// spec's re-architecture guidance, "scattered promise-resolver maps"
// collapse into one generic correlation table keyed by (kind, id) with a
// single expiry loop; this package applies that once per table kind
// (sync-ack, reply-to) rather than scattering a resolver map per RPC type.
package broker

import (
	"sync"
	"time"
)

// Cause explains why a waiter was resolved without a matching response.
type Cause int

const (
	CauseNone Cause = iota
	CauseTimeout
	CauseDisconnect
)

// Result is what a waiter receives when it resolves, successfully or not.
type Result struct {
	CorrelationID string
	Response      any
	Cause         Cause // CauseNone on success
}

type waiter struct {
	sessionID string
	deadline  time.Time
	ch        chan Result
}

// Table is one correlation table (sync-ack or reply-to). Entries are keyed
// by correlation id; Register installs a waiter with a deadline, Resolve
// fires it on a matching response, and Tick/DisconnectSession shed expired
// or orphaned entries.
type Table struct {
	mu      sync.Mutex
	entries map[string]*waiter
}

// NewTable returns an empty correlation table.
func NewTable() *Table {
	return &Table{entries: make(map[string]*waiter)}
}

// Register installs a waiter for correlationID belonging to sessionID,
// firing after timeout if nothing resolves it first. The returned channel
// receives exactly one Result.
func (t *Table) Register(correlationID, sessionID string, timeout time.Duration) <-chan Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Result, 1)
	t.entries[correlationID] = &waiter{
		sessionID: sessionID,
		deadline:  time.Now().Add(timeout),
		ch:        ch,
	}
	return ch
}

// Resolve fires the waiter for correlationID with response, if one is
// registered. It reports whether a waiter was found.
func (t *Table) Resolve(correlationID string, response any) bool {
	t.mu.Lock()
	w, ok := t.entries[correlationID]
	if ok {
		delete(t.entries, correlationID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	w.ch <- Result{CorrelationID: correlationID, Response: response, Cause: CauseNone}
	return true
}

// Tick sheds entries whose deadline has passed, failing each with
// CauseTimeout. Callers run this periodically (the daemon's timer wheel).
func (t *Table) Tick(now time.Time) {
	t.mu.Lock()
	var expired []*waiter
	for id, w := range t.entries {
		if now.After(w.deadline) {
			expired = append(expired, w)
			delete(t.entries, id)
		}
	}
	t.mu.Unlock()
	for _, w := range expired {
		w.ch <- Result{Cause: CauseTimeout}
	}
}

// DisconnectSession fails every waiter belonging to sessionID with
// CauseDisconnect (spec §4.7: "on session disconnect, every entry
// belonging to that session is failed with a disconnect cause").
func (t *Table) DisconnectSession(sessionID string) {
	t.mu.Lock()
	var orphaned []*waiter
	for id, w := range t.entries {
		if w.sessionID == sessionID {
			orphaned = append(orphaned, w)
			delete(t.entries, id)
		}
	}
	t.mu.Unlock()
	for _, w := range orphaned {
		w.ch <- Result{Cause: CauseDisconnect}
	}
}

// Len reports the number of outstanding entries, for METRICS/HEALTH.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Broker owns the sync-ack table (correlation id -> ACK resolution) and the
// reply-to table (correlation id -> matching inbound SEND resolution), per
// spec §4.7.
type Broker struct {
	SyncAck *Table
	ReplyTo *Table
}

// New returns a Broker with both tables initialized.
func New() *Broker {
	return &Broker{SyncAck: NewTable(), ReplyTo: NewTable()}
}

// Tick runs the periodic expiry sweep on both tables.
func (b *Broker) Tick(now time.Time) {
	b.SyncAck.Tick(now)
	b.ReplyTo.Tick(now)
}

// DisconnectSession fails every outstanding waiter in both tables for
// sessionID.
func (b *Broker) DisconnectSession(sessionID string) {
	b.SyncAck.DisconnectSession(sessionID)
	b.ReplyTo.DisconnectSession(sessionID)
}
