// Package syntab implements the SYN table: the concurrent index of all live
// proxy descriptors keyed by client address/port (spec §4.2).
package syntab

import (
	"errors"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/ccxtechnologies/pepsal/internal/proxy"
)

// ErrDuplicateKey is returned by Insert when the key is already present —
// the listener's "duplicate SYN" case (spec §4.4 step 2, §7).
var ErrDuplicateKey = errors.New("syntab: duplicate key")

// ErrCapacityExceeded is returned by Insert once the table holds Capacity
// entries.
var ErrCapacityExceeded = errors.New("syntab: capacity exceeded")

// Table is a readers-writer-locked keyed collection of proxy descriptors,
// backed by an ordered map so ForEach iterates in stable, deterministic
// (insertion) order without a hand-rolled intrusive list.
type Table struct {
	mu       sync.RWMutex
	capacity int
	entries  *orderedmap.OrderedMap[proxy.Key, *proxy.Descriptor]
}

// New constructs an empty table bounded to capacity entries.
func New(capacity int) *Table {
	return &Table{
		capacity: capacity,
		entries:  orderedmap.New[proxy.Key, *proxy.Descriptor](),
	}
}

// Insert adds d under d.Key(). It fails if the key is already present or
// the table is at capacity. Caller must hold no other lock on the table.
func (t *Table) Insert(d *proxy.Descriptor) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insertLocked(d)
}

// insertLocked is Insert's body, usable by callers that already hold the
// write lock (the listener's "insert, attach fd, transition" unified
// critical section, spec §9 open question #1).
func (t *Table) insertLocked(d *proxy.Descriptor) error {
	key := d.Key()
	if _, exists := t.entries.Get(key); exists {
		return ErrDuplicateKey
	}
	if t.entries.Len() >= t.capacity {
		return ErrCapacityExceeded
	}
	t.entries.Set(key, d)
	return nil
}

// Find returns the descriptor for key without changing its reference count;
// a caller that will use the descriptor after releasing the table's read
// lock must Pin it first.
func (t *Table) Find(key proxy.Key) (*proxy.Descriptor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries.Get(key)
}

// Remove deletes d from the table if present. It is idempotent: removing an
// absent or already-removed descriptor is a no-op, not an error (spec §9
// open question #2 — this is what makes a duplicate Destroy/Remove safe).
func (t *Table) Remove(d *proxy.Descriptor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries.Delete(d.Key())
}

// ForEach invokes visitor for every descriptor currently in the table,
// under a read lock, in stable insertion order. visitor must not call back
// into the table (Insert/Remove) — doing so deadlocks on t.mu.
func (t *Table) ForEach(visitor func(d *proxy.Descriptor)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for pair := t.entries.Oldest(); pair != nil; pair = pair.Next() {
		visitor(pair.Value)
	}
}

// Len returns the current number of entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries.Len()
}

// Lock/Unlock/RLock/RUnlock expose the table's lock directly for callers
// that need a single critical section spanning more than one operation —
// the garbage collector's "lock once, walk, destroy-in-place" sweep (spec
// §4.8) and the listener's unified activation path (spec §9).
func (t *Table) Lock()    { t.mu.Lock() }
func (t *Table) Unlock()  { t.mu.Unlock() }
func (t *Table) RLock()   { t.mu.RLock() }
func (t *Table) RUnlock() { t.mu.RUnlock() }

// InsertLocked exposes insertLocked to callers already holding the write
// lock via Lock().
func (t *Table) InsertLocked(d *proxy.Descriptor) error {
	return t.insertLocked(d)
}

// RemoveLocked deletes d from the table; caller must already hold the write
// lock via Lock().
func (t *Table) RemoveLocked(d *proxy.Descriptor) {
	t.entries.Delete(d.Key())
}

// ForEachLocked walks entries for a caller that already holds the write
// lock via Lock() (the garbage collector, which destroys entries in place
// while iterating).
func (t *Table) ForEachLocked(visitor func(d *proxy.Descriptor)) {
	for pair := t.entries.Oldest(); pair != nil; {
		next := pair.Next()
		visitor(pair.Value)
		pair = next
	}
}
