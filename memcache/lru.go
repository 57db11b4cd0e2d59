package memcache

import (
	"time"

	"github.com/tiercache/tiercache/internal/doublelist"
)

// entry bundles a cached value with its key and accounting metadata.
// The key travels with the node so tail evictions can erase the index entry.
type entry[K comparable, V any] struct {
	key   K
	value V
	cost  int
	time  time.Time
}

// lruIndex pairs a doubly-linked recency list with a key lookup map and keeps
// the count and cost sums current on every mutation. The head of the list is
// the most-recently-used entry, the tail the least-recently-used.
//
// lruIndex validates nothing and is not safe for concurrent use; Cache owns
// one and guards it with its mutex.
type lruIndex[K comparable, V any] struct {
	index map[K]*doublelist.Node[entry[K, V]]
	list  doublelist.List[entry[K, V]]

	totalCost  int
	totalCount int
}

func newLRUIndex[K comparable, V any]() *lruIndex[K, V] {
	return &lruIndex[K, V]{
		index: make(map[K]*doublelist.Node[entry[K, V]]),
	}
}

// get returns the node for key without touching recency order.
func (l *lruIndex[K, V]) get(key K) (*doublelist.Node[entry[K, V]], bool) {
	n, ok := l.index[key]
	return n, ok
}

// insertAtHead links a fresh entry at the head. The key must not be present.
func (l *lruIndex[K, V]) insertAtHead(ent entry[K, V]) *doublelist.Node[entry[K, V]] {
	n := l.list.Append(ent)
	l.index[ent.key] = n
	l.totalCount++
	l.totalCost += ent.cost
	return n
}

// bringToHead promotes an already-linked node. Sums are unchanged.
func (l *lruIndex[K, V]) bringToHead(n *doublelist.Node[entry[K, V]]) {
	l.list.MoveToFront(n)
}

// remove unlinks n and erases it from the index.
func (l *lruIndex[K, V]) remove(n *doublelist.Node[entry[K, V]]) {
	l.list.Pop(n)
	delete(l.index, n.Data.key)
	l.totalCount--
	l.totalCost -= n.Data.cost
}

// removeTail evicts the least-recently-used node, if any.
func (l *lruIndex[K, V]) removeTail() (*doublelist.Node[entry[K, V]], bool) {
	n, ok := l.list.PopTail()
	if !ok {
		return nil, false
	}
	delete(l.index, n.Data.key)
	l.totalCount--
	l.totalCost -= n.Data.cost
	return n, true
}

// removeAll resets the list and sums and swaps out the index map, returning
// the old map so the caller can destroy the entries off the hot path.
func (l *lruIndex[K, V]) removeAll() map[K]*doublelist.Node[entry[K, V]] {
	old := l.index
	l.index = make(map[K]*doublelist.Node[entry[K, V]])
	l.list.Reset()
	l.totalCost = 0
	l.totalCount = 0
	return old
}
