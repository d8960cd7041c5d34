// Package dedup implements the bounded "have I seen this id" set shared by
// sessions (suppressing duplicate deliveries after reconnect/replay) and the
// wrapper (suppressing re-processing echoes of its own injection).
package dedup

import "golang.org/x/crypto/blake2b"

// DefaultCapacity is the default dedup horizon (spec §4.2, §3).
const DefaultCapacity = 2000

type key [16]byte

func hashKey(id string) key {
	sum := blake2b.Sum256([]byte(id))
	var k key
	copy(k[:], sum[:16])
	return k
}

// Ring is a fixed-size ring of recently seen ids plus a hash index for O(1)
// membership checks. It is not safe for concurrent use; callers needing
// concurrent access (one ring per session) should guard it externally or
// keep one ring per goroutine that owns it exclusively.
type Ring struct {
	capacity int
	ids      []key
	index    map[key]struct{}
	next     int
	size     int
}

// New returns a Ring bounded at capacity entries. capacity <= 0 uses
// DefaultCapacity.
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{
		capacity: capacity,
		ids:      make([]key, capacity),
		index:    make(map[key]struct{}, capacity),
	}
}

// Check returns true if id has already been seen. As a side effect, if id is
// new it is inserted, evicting the oldest entry if the ring is at capacity.
func (r *Ring) Check(id string) bool {
	k := hashKey(id)
	if _, seen := r.index[k]; seen {
		return true
	}

	if r.size == r.capacity {
		oldest := r.ids[r.next]
		delete(r.index, oldest)
	} else {
		r.size++
	}

	r.ids[r.next] = k
	r.index[k] = struct{}{}
	r.next = (r.next + 1) % r.capacity
	return false
}

// Len reports the current number of tracked ids.
func (r *Ring) Len() int { return r.size }
