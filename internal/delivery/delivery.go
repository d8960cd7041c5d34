// Package delivery implements the per-recipient ordered delivery queue,
// ACK tracking, and the offline inbox, grounded on the bounded,
// eviction-on-overflow replay buffer pattern from the example pack's
// replay_buffer.go (seq-indexed entries, oldest-first eviction at
// capacity), adapted from a flat replay log to a typed per-recipient queue
// with inflight/acked state.
package delivery

import (
	"sync"
	"time"

	"github.com/agent-relay/relay/internal/envelope"
)

// DefaultInflightCap mirrors session.DefaultMaxInflight; kept as a
// queue-level fallback for callers that construct a Queue standalone.
const DefaultInflightCap = 256

// DefaultInboxCapacity is the offline inbox's default bounded count
// (spec §4.6, Open Question #1 resolved as bounded-count with no expiry).
const DefaultInboxCapacity = 200

// State is a delivery record's lifecycle stage.
type State int

const (
	StatePending State = iota
	StateInflight
	StateAcked
)

// Record is one queued DELIVER for a specific recipient session.
type Record struct {
	Seq        uint64
	Envelope   *envelope.Envelope
	EnqueuedAt time.Time
	State      State
}

// Queue is the FIFO of DELIVERs for one recipient, plus bookkeeping for
// the cumulative ACK protocol and the inflight cap. The router does not
// create Queues: live sessions keep their own seq and inflight counters
// (session.Session), and records for offline recipients go to an Inbox.
type Queue struct {
	mu          sync.Mutex
	recipient   string
	inflightCap int
	pending     []*Record
	inflight    map[uint64]*Record
	ackedUpTo   uint64
}

// NewQueue returns a Queue for recipient with the given inflight cap
// (<=0 uses DefaultInflightCap).
func NewQueue(recipient string, inflightCap int) *Queue {
	if inflightCap <= 0 {
		inflightCap = DefaultInflightCap
	}
	return &Queue{
		recipient:   recipient,
		inflightCap: inflightCap,
		inflight:    make(map[uint64]*Record),
	}
}

// AtCapacity reports whether the inflight window is full; the router
// should respond BUSY to the producer rather than enqueueing (spec §4.6).
func (q *Queue) AtCapacity() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight) >= q.inflightCap
}

// Enqueue appends a new record with the given seq, immediately marking it
// inflight (the daemon pushes eagerly; flow control happens via AtCapacity
// gating before Enqueue is called).
func (q *Queue) Enqueue(seq uint64, env *envelope.Envelope) *Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec := &Record{Seq: seq, Envelope: env, EnqueuedAt: time.Now(), State: StateInflight}
	q.pending = append(q.pending, rec)
	q.inflight[seq] = rec
	return rec
}

// AckUpTo marks every record with Seq <= seq as acked and removes it from
// the inflight set (cumulative ACK semantics, spec §4.6).
func (q *Queue) AckUpTo(seq uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if seq <= q.ackedUpTo {
		return
	}
	q.ackedUpTo = seq
	kept := q.pending[:0]
	for _, rec := range q.pending {
		if rec.Seq <= seq {
			rec.State = StateAcked
			delete(q.inflight, rec.Seq)
			continue
		}
		kept = append(kept, rec)
	}
	q.pending = kept
}

// LastAcked returns the highest cumulatively-acked seq.
func (q *Queue) LastAcked() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ackedUpTo
}

// Pending returns the records not yet acked, in seq order.
func (q *Queue) Pending() []*Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Record, len(q.pending))
	copy(out, q.pending)
	return out
}

// Inbox is the bounded store of recent records for an offline recipient
// (spec §4.6: "up to a configured count of most-recent records is
// retained and delivered in-order on next connect; overflow drops the
// oldest"). No time-based expiry per the Open Question decision recorded
// in DESIGN.md.
type Inbox struct {
	mu       sync.Mutex
	capacity int
	records  []*Record
}

// NewInbox returns an Inbox bounded at capacity (<=0 uses
// DefaultInboxCapacity).
func NewInbox(capacity int) *Inbox {
	if capacity <= 0 {
		capacity = DefaultInboxCapacity
	}
	return &Inbox{capacity: capacity}
}

// Store appends rec to the inbox, dropping the oldest entry if at capacity.
func (b *Inbox) Store(rec *Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, rec)
	if len(b.records) > b.capacity {
		b.records = b.records[len(b.records)-b.capacity:]
	}
}

// Snapshot returns a copy of the retained records without consuming them
// (the INBOX query, spec §4.6).
func (b *Inbox) Snapshot() []*Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Record, len(b.records))
	copy(out, b.records)
	return out
}

// Drain returns and clears the retained records, used when the recipient
// connects and each record is pushed to its new session.
func (b *Inbox) Drain() []*Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.records
	b.records = nil
	return out
}

// Len reports the number of retained records.
func (b *Inbox) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}
