package lsm

import (
	"sync"

	"github.com/google/btree"
)

// DefaultMemtableCapacity is the default entry-count cap before a
// memtable is frozen and a fresh one installed (spec §4.3).
const DefaultMemtableCapacity = 100_000

const btreeDegree = 32

// Memtable is an ordered in-memory map keyed by (stream-hash, revision),
// backed by a B-tree for point lookup, bounded-range scan, and
// full sorted iteration (spec §4.3).
type Memtable struct {
	mu       sync.RWMutex
	tree     *btree.BTreeG[Entry]
	capacity int
	frozen   bool
}

// NewMemtable creates an empty, writable memtable with the given entry
// capacity. A capacity of 0 means unbounded (never auto-freezes).
func NewMemtable(capacity int) *Memtable {
	return &Memtable{
		tree:     btree.NewG(btreeDegree, entryLess),
		capacity: capacity,
	}
}

// Put inserts or overwrites the position for key. Returns full=true if
// the memtable has reached capacity and the caller should Freeze it and
// install a fresh one before the next Put.
func (m *Memtable) Put(key Key, position uint64) (full bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree.ReplaceOrInsert(Entry{Key: key, Position: position})
	return m.capacity > 0 && m.tree.Len() >= m.capacity
}

// Get returns the position for key, if present.
func (m *Memtable) Get(key Key) (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.tree.Get(Entry{Key: key})
	return e.Position, ok
}

// Range invokes fn for every entry with from <= Key < to, in ascending
// order. Iteration stops early if fn returns false.
func (m *Memtable) Range(from, to Key, fn func(Entry) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.tree.AscendRange(Entry{Key: from}, Entry{Key: to}, fn)
}

// All invokes fn for every entry in ascending key order.
func (m *Memtable) All(fn func(Entry) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.tree.Ascend(fn)
}

// Len returns the number of entries currently held.
func (m *Memtable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Len()
}

// Freeze marks the memtable read-only. Frozen memtables are still
// queried by Get/Range/All but must never be Put to again.
func (m *Memtable) Freeze() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frozen = true
}

// Frozen reports whether Freeze has been called.
func (m *Memtable) Frozen() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.frozen
}

// Sorted returns every entry in ascending key order, for flushing to an
// SSTable.
func (m *Memtable) Sorted() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, m.tree.Len())
	m.tree.Ascend(func(e Entry) bool {
		out = append(out, e)
		return true
	})
	return out
}
