package memtable

import (
	"bytes"
	"sync"

	"github.com/taurusdb/taurus/core"
)

// entryOverhead is the fixed per-entry bookkeeping charge added to the
// accounted size of every write, on top of the encoded key and value bytes.
const entryOverhead = 64

// Memtable is the in-memory, sorted buffer of recent writes: a size-bounded
// facade over one SkipList. A memtable is created once per generation and is
// logically immutable once IsFull reports true; swapping in a fresh
// generation on flush is the embedding engine's job.
//
// The RWMutex allows a frozen generation to be read (Get, iteration) while a
// newer generation takes writes. Mutation of a single generation is still
// single-writer by contract; the lock does not make concurrent Puts to the
// same generation well-ordered with respect to the WAL.
type Memtable struct {
	mu        sync.RWMutex
	data      *SkipList
	sizeBytes int64
	maxSize   int64
}

// NewMemtable creates an empty memtable that reports full at maxSize bytes.
func NewMemtable(maxSize int64) *Memtable {
	return &Memtable{
		data:    NewSkipList(),
		maxSize: maxSize,
	}
}

// entrySize is the accounted size of one live entry.
func entrySize(key core.InternalKey, value []byte) int64 {
	return int64(key.EncodedLen() + len(value) + entryOverhead)
}

// Put inserts a key-value pair and grows the accounted size. The size is
// added unconditionally: overwriting an exactly equal key charges the full
// entry size again, leaving headroom in the flush-threshold accounting.
func (m *Memtable) Put(key core.InternalKey, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data.Insert(key, value)
	m.sizeBytes += entrySize(key, value)
}

// Get returns the value stored under an exactly equal internal key.
func (m *Memtable) Get(key core.InternalKey) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.data.Get(key)
}

// Delete removes the entry with an exactly equal internal key, reclaiming its
// accounted bytes. It returns false without mutation when the key is absent.
func (m *Memtable) Delete(key core.InternalKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	value, ok := m.data.Get(key)
	if !ok {
		return false
	}
	m.sizeBytes -= entrySize(key, value)
	return m.data.Delete(key)
}

// GetLatest returns the newest version recorded for a user key. Because the
// order sorts higher sequence numbers first (and a tombstone before a put at
// an equal sequence number), seeking to (userKey, max seq, Delete) lands on
// the entry for that user key with the highest sequence number. A tombstone
// is a valid result; the caller decides how to interpret it.
func (m *Memtable) GetLatest(userKey []byte) (value []byte, kind core.EntryType, found bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	search := core.NewInternalKey(userKey, ^uint64(0), core.EntryTypeDelete)
	it := m.data.NewIterator()
	it.Seek(search)
	if !it.Valid() || !bytes.Equal(it.Key().UserKey, userKey) {
		return nil, 0, false
	}
	key := it.Key()
	if key.IsDeletion() {
		return nil, core.EntryTypeDelete, true
	}
	return it.Value(), core.EntryTypePut, true
}

// Size returns the accounted size of the memtable in bytes.
func (m *Memtable) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sizeBytes
}

// IsFull reports whether the memtable has reached its size threshold.
func (m *Memtable) IsFull() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sizeBytes >= m.maxSize
}

// Len returns the number of live entries.
func (m *Memtable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.Len()
}

// NewIterator returns a forward iterator over the memtable in internal-key
// order, positioned at the first entry. The iterator holds a read lock on the
// memtable for its lifetime; the caller MUST call Close to release it. The
// iterator observes the live list, so it is only safe against generations
// that take no further writes (the frozen-generation discipline).
func (m *Memtable) NewIterator() *MemtableIterator {
	m.mu.RLock()
	iter := m.data.NewIterator()
	iter.SeekToFirst()
	return &MemtableIterator{mu: &m.mu, iter: iter}
}

// MemtableIterator walks a memtable's entries in key order.
type MemtableIterator struct {
	mu     *sync.RWMutex
	iter   *Iterator
	closed bool
}

// Valid reports whether the iterator is positioned at an entry.
func (it *MemtableIterator) Valid() bool {
	return it.iter.Valid()
}

// Next advances the iterator.
func (it *MemtableIterator) Next() {
	it.iter.Next()
}

// Key returns the internal key at the current position.
func (it *MemtableIterator) Key() core.InternalKey {
	return it.iter.Key()
}

// Value returns the value at the current position.
func (it *MemtableIterator) Value() []byte {
	return it.iter.Value()
}

// SeekToFirst restarts the iterator at the smallest key.
func (it *MemtableIterator) SeekToFirst() {
	it.iter.SeekToFirst()
}

// Close releases the read lock. It is safe to call more than once.
func (it *MemtableIterator) Close() {
	if it.closed {
		return
	}
	it.closed = true
	it.mu.RUnlock()
}
