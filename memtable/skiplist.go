package memtable

import (
	"math/rand"
	"time"

	"github.com/taurusdb/taurus/core"
)

const (
	// maxHeight caps the tower height of any node.
	maxHeight = 12
	// probability is the chance of growing a node's tower by one level.
	probability = 0.5
)

// node is a skip list node. The sentinel head has a zero key and no value.
// Each node owns its forward-link slots; links are only ever followed or
// rewritten under the exclusive-mutation discipline imposed by the caller.
type node struct {
	key   core.InternalKey
	value []byte
	next  []*node // one forward link per level of this node's tower
}

// SkipList is an ordered map from InternalKey to value, ordered by
// core.InternalKey.Compare. It carries no internal synchronization: a single
// mutator at a time is assumed, and concurrent readers require external
// locking (the Memtable layers an RWMutex on top).
type SkipList struct {
	head     *node
	maxLevel int // index of the highest level with at least one real node
	length   int
	rng      *rand.Rand
}

// NewSkipList creates an empty skip list.
func NewSkipList() *SkipList {
	return &SkipList{
		head: &node{next: make([]*node, maxHeight)},
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// findPredecessors walks from the highest active level down to level 0,
// advancing while the next node's key is strictly less than the target, and
// records the last node visited at each level. update[0].next[0] is the
// candidate for an exact match.
func (s *SkipList) findPredecessors(key core.InternalKey) [maxHeight]*node {
	var update [maxHeight]*node
	current := s.head
	for level := s.maxLevel; level >= 0; level-- {
		for current.next[level] != nil && current.next[level].key.Compare(key) < 0 {
			current = current.next[level]
		}
		update[level] = current
	}
	return update
}

// randomHeight flips a fair coin until it fails or the cap is reached,
// yielding a geometric distribution that bounds expected search cost at
// O(log n).
func (s *SkipList) randomHeight() int {
	height := 1
	for s.rng.Float64() < probability && height < maxHeight {
		height++
	}
	return height
}

// Insert adds a key-value pair. If a node with an exactly equal key already
// exists (user key, sequence number and tag all match), its value is replaced
// in place and the length does not change.
func (s *SkipList) Insert(key core.InternalKey, value []byte) {
	update := s.findPredecessors(key)

	if candidate := update[0].next[0]; candidate != nil && candidate.key.Compare(key) == 0 {
		candidate.value = value
		return
	}

	height := s.randomHeight()
	newNode := &node{
		key:   key,
		value: value,
		next:  make([]*node, height),
	}

	if height-1 > s.maxLevel {
		// Levels above the previous ceiling have no recorded predecessor;
		// they hang directly off the sentinel head.
		for level := s.maxLevel + 1; level < height; level++ {
			update[level] = s.head
		}
		s.maxLevel = height - 1
	}

	for level := 0; level < height; level++ {
		newNode.next[level] = update[level].next[level]
		update[level].next[level] = newNode
	}
	s.length++
}

// Get returns the value stored under an exactly equal key.
func (s *SkipList) Get(key core.InternalKey) ([]byte, bool) {
	update := s.findPredecessors(key)
	if candidate := update[0].next[0]; candidate != nil && candidate.key.Compare(key) == 0 {
		return candidate.value, true
	}
	return nil, false
}

// Delete unlinks the node with an exactly equal key, returning true iff an
// entry existed and was removed.
func (s *SkipList) Delete(key core.InternalKey) bool {
	update := s.findPredecessors(key)
	candidate := update[0].next[0]
	if candidate == nil || candidate.key.Compare(key) != 0 {
		return false
	}

	for level := 0; level <= s.maxLevel; level++ {
		if update[level].next[level] != candidate {
			// The node's tower does not reach this level.
			break
		}
		update[level].next[level] = candidate.next[level]
	}

	for s.maxLevel > 0 && s.head.next[s.maxLevel] == nil {
		s.maxLevel--
	}
	s.length--
	return true
}

// Len returns the number of live entries.
func (s *SkipList) Len() int {
	return s.length
}

// Empty reports whether the list holds no entries.
func (s *SkipList) Empty() bool {
	return s.length == 0
}

// Iterator traverses the list forward in key order at level 0.
type Iterator struct {
	list *SkipList
	node *node
}

// NewIterator creates an iterator positioned before the first entry; call
// SeekToFirst or Seek before reading. The iterator observes the live list,
// so the caller must not mutate the list while iterating.
func (s *SkipList) NewIterator() *Iterator {
	return &Iterator{list: s}
}

// SeekToFirst positions the iterator at the smallest key.
func (it *Iterator) SeekToFirst() {
	it.node = it.list.head.next[0]
}

// Seek positions the iterator at the first entry whose key is >= target.
func (it *Iterator) Seek(target core.InternalKey) {
	update := it.list.findPredecessors(target)
	it.node = update[0].next[0]
}

// Next advances to the following entry.
func (it *Iterator) Next() {
	if it.node != nil {
		it.node = it.node.next[0]
	}
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool {
	return it.node != nil
}

// Key returns the key at the current position.
func (it *Iterator) Key() core.InternalKey {
	if it.node == nil {
		return core.InternalKey{}
	}
	return it.node.key
}

// Value returns the value at the current position.
func (it *Iterator) Value() []byte {
	if it.node == nil {
		return nil
	}
	return it.node.value
}
