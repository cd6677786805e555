package memtable

import (
	"math/rand"

	"github.com/devrev/pairdb/flushengine/internal/model"
)

const (
	MaxLevel    = 16
	Probability = 0.5
)

// SkipListNode represents a node in the skip list
type SkipListNode struct {
	Entry   *model.MemTableEntry
	Forward []*SkipListNode
}

// SkipList is an ordered map of memtable entries. It tracks the byte
// footprint of its live entries and the highest serial ever inserted.
// It is not safe for concurrent use.
type SkipList struct {
	head      *SkipListNode
	level     int
	count     int
	bytes     int64
	maxSerial uint64
	rng       *rand.Rand
}

// NewSkipList creates a new skip list
func NewSkipList() *SkipList {
	return NewSkipListWithSeed(rand.Int63())
}

// NewSkipListWithSeed creates a skip list with deterministic level selection
func NewSkipListWithSeed(seed int64) *SkipList {
	return &SkipList{
		head: &SkipListNode{Forward: make([]*SkipListNode, MaxLevel)},
		rng:  rand.New(rand.NewSource(seed)),
	}
}

func (sl *SkipList) randomLevel() int {
	level := 0
	for sl.rng.Float64() < Probability && level < MaxLevel-1 {
		level++
	}
	return level
}

func (sl *SkipList) findPath(key string, update []*SkipListNode) *SkipListNode {
	current := sl.head
	for i := sl.level; i >= 0; i-- {
		for current.Forward[i] != nil && current.Forward[i].Entry.Key < key {
			current = current.Forward[i]
		}
		if update != nil {
			update[i] = current
		}
	}
	return current.Forward[0]
}

// Put inserts or replaces the entry for entry.Key
func (sl *SkipList) Put(entry *model.MemTableEntry) {
	if entry.Serial > sl.maxSerial {
		sl.maxSerial = entry.Serial
	}

	update := make([]*SkipListNode, MaxLevel)
	next := sl.findPath(entry.Key, update)
	if next != nil && next.Entry.Key == entry.Key {
		sl.bytes += entry.Size() - next.Entry.Size()
		next.Entry = entry
		return
	}

	newLevel := sl.randomLevel()
	if newLevel > sl.level {
		for i := sl.level + 1; i <= newLevel; i++ {
			update[i] = sl.head
		}
		sl.level = newLevel
	}

	node := &SkipListNode{
		Entry:   entry,
		Forward: make([]*SkipListNode, newLevel+1),
	}
	for i := 0; i <= newLevel; i++ {
		node.Forward[i] = update[i].Forward[i]
		update[i].Forward[i] = node
	}

	sl.count++
	sl.bytes += entry.Size()
}

// Get finds an entry by key
func (sl *SkipList) Get(key string) (*model.MemTableEntry, bool) {
	next := sl.findPath(key, nil)
	if next != nil && next.Entry.Key == key {
		return next.Entry, true
	}
	return nil, false
}

// Delete removes a key from the skip list
func (sl *SkipList) Delete(key string) bool {
	update := make([]*SkipListNode, MaxLevel)
	target := sl.findPath(key, update)
	if target == nil || target.Entry.Key != key {
		return false
	}

	for i := 0; i <= sl.level; i++ {
		if update[i].Forward[i] != target {
			break
		}
		update[i].Forward[i] = target.Forward[i]
	}
	for sl.level > 0 && sl.head.Forward[sl.level] == nil {
		sl.level--
	}

	sl.count--
	sl.bytes -= target.Entry.Size()
	return true
}

// Len returns the number of entries
func (sl *SkipList) Len() int {
	return sl.count
}

// Bytes returns the approximate footprint of the live entries
func (sl *SkipList) Bytes() int64 {
	return sl.bytes
}

// MaxSerial returns the highest serial inserted, including overwritten entries
func (sl *SkipList) MaxSerial() uint64 {
	return sl.maxSerial
}

// Iterator returns an iterator positioned before the first entry
func (sl *SkipList) Iterator() *SkipListIterator {
	return &SkipListIterator{current: sl.head}
}

// SkipListIterator iterates over entries in key order
type SkipListIterator struct {
	current *SkipListNode
}

// Next moves to the next entry
func (it *SkipListIterator) Next() bool {
	if it.current == nil {
		return false
	}
	it.current = it.current.Forward[0]
	return it.current != nil
}

// Entry returns the current entry
func (it *SkipListIterator) Entry() *model.MemTableEntry {
	if it.current == nil {
		return nil
	}
	return it.current.Entry
}
