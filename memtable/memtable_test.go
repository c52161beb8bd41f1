package memtable

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taurusdb/taurus/core"
)

func TestMemtable_PutGetDelete(t *testing.T) {
	m := NewMemtable(1 << 20)

	key := putKey("user", 1)
	m.Put(key, []byte("payload"))

	value, ok := m.Get(key)
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), value)

	assert.True(t, m.Delete(key))
	_, ok = m.Get(key)
	assert.False(t, ok)

	assert.False(t, m.Delete(key), "deleting an absent key must return false")
	assert.Equal(t, 0, m.Len())
}

func TestMemtable_SizeAccounting(t *testing.T) {
	m := NewMemtable(1 << 20)
	require.Zero(t, m.Size())

	key := putKey("abc", 7)
	value := []byte("0123456789")
	expected := int64(key.EncodedLen() + len(value) + entryOverhead)

	m.Put(key, value)
	assert.Equal(t, expected, m.Size())

	// Overwriting the exact same key charges the full entry size again.
	m.Put(key, value)
	assert.Equal(t, 2*expected, m.Size())
	assert.Equal(t, 1, m.Len())

	// Delete reclaims one entry's worth of accounting.
	require.True(t, m.Delete(key))
	assert.Equal(t, expected, m.Size())
	assert.Equal(t, 0, m.Len())
}

func TestMemtable_IsFull(t *testing.T) {
	key := putKey("k", 1)
	value := []byte("v")
	one := int64(key.EncodedLen() + len(value) + entryOverhead)

	m := NewMemtable(2 * one)
	assert.False(t, m.IsFull())

	m.Put(key, value)
	assert.False(t, m.IsFull())

	m.Put(putKey("k", 2), value)
	assert.True(t, m.IsFull(), "reaching the threshold exactly counts as full")
}

func TestMemtable_DeleteOfAbsentKeyLeavesSizeAlone(t *testing.T) {
	m := NewMemtable(1 << 20)
	m.Put(putKey("present", 1), []byte("v"))
	before := m.Size()

	assert.False(t, m.Delete(putKey("absent", 1)))
	assert.Equal(t, before, m.Size())
}

func TestMemtable_Iterator(t *testing.T) {
	m := NewMemtable(1 << 20)
	for i := 0; i < 10; i++ {
		m.Put(putKey(fmt.Sprintf("key-%02d", i), uint64(i+1)), []byte(fmt.Sprintf("value-%d", i)))
	}

	it := m.NewIterator()
	defer it.Close()

	var count int
	var previous core.InternalKey
	for ; it.Valid(); it.Next() {
		if count > 0 {
			assert.Negative(t, previous.Compare(it.Key()))
		}
		previous = it.Key()
		count++
	}
	assert.Equal(t, 10, count)

	// The iterator is restartable.
	it.SeekToFirst()
	require.True(t, it.Valid())
	assert.Equal(t, []byte("key-00"), []byte(it.Key().UserKey))
}

func TestMemtable_IteratorAllowsConcurrentReads(t *testing.T) {
	m := NewMemtable(1 << 20)
	key := putKey("k", 1)
	m.Put(key, []byte("v"))

	it := m.NewIterator()
	defer it.Close()

	// Reads take the shared lock, so they proceed while an iterator is open.
	value, ok := m.Get(key)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), value)
}

func TestMemtable_GetLatest(t *testing.T) {
	m := NewMemtable(1 << 20)

	_, _, found := m.GetLatest([]byte("k"))
	assert.False(t, found)

	m.Put(putKey("k", 1), []byte("v1"))
	m.Put(putKey("k", 3), []byte("v3"))
	m.Put(putKey("k", 2), []byte("v2"))

	value, kind, found := m.GetLatest([]byte("k"))
	require.True(t, found)
	assert.Equal(t, core.EntryTypePut, kind)
	assert.Equal(t, []byte("v3"), value)

	// A newer tombstone shadows the puts.
	m.Put(core.NewInternalKey([]byte("k"), 4, core.EntryTypeDelete), nil)
	value, kind, found = m.GetLatest([]byte("k"))
	require.True(t, found)
	assert.Equal(t, core.EntryTypeDelete, kind)
	assert.Nil(t, value)

	// Neighbouring user keys do not bleed into the lookup.
	_, _, found = m.GetLatest([]byte("j"))
	assert.False(t, found)
	_, _, found = m.GetLatest([]byte("kk"))
	assert.False(t, found)
}

func TestMemtable_TombstonesAreEntries(t *testing.T) {
	m := NewMemtable(1 << 20)
	m.Put(putKey("k", 1), []byte("v"))
	m.Put(core.NewInternalKey([]byte("k"), 2, core.EntryTypeDelete), nil)

	assert.Equal(t, 2, m.Len())

	it := m.NewIterator()
	defer it.Close()
	require.True(t, it.Valid())
	assert.True(t, it.Key().IsDeletion(), "the newest version (the tombstone) must sort first")
}
