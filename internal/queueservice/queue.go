// Package queueservice schedules grading operations: it owns the priority
// queue, feeds batches to the worker pool, stages results for persistence
// and heals lost or invalidated work.
package queueservice

import (
	"container/heap"
	"sync"

	"github.com/arbiterhq/arbiter/internal/operation"
)

// PriorityQueue is a concurrency-safe min-heap of scheduled operations keyed
// on (priority, timestamp). Each operation appears at most once; pushing a
// duplicate is a no-op.
type PriorityQueue struct {
	mu    sync.Mutex
	items pqItems
	index map[operation.Operation]int
}

// NewPriorityQueue returns an empty queue.
func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{
		index: make(map[operation.Operation]int),
	}
}

// Push inserts the operation. Returns false if it is already queued.
func (q *PriorityQueue) Push(sched operation.Scheduled) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.index[sched.Op]; ok {
		return false
	}
	heap.Push(&pqHeap{q}, sched)
	return true
}

// Pop removes and returns the smallest entry. Returns false when empty.
func (q *PriorityQueue) Pop() (operation.Scheduled, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return operation.Scheduled{}, false
	}
	sched := heap.Pop(&pqHeap{q}).(operation.Scheduled)
	return sched, true
}

// Remove deletes a specific operation from anywhere in the queue.
func (q *PriorityQueue) Remove(op operation.Operation) (operation.Scheduled, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i, ok := q.index[op]
	if !ok {
		return operation.Scheduled{}, false
	}
	sched := heap.Remove(&pqHeap{q}, i).(operation.Scheduled)
	return sched, true
}

// Contains reports whether the operation is queued.
func (q *PriorityQueue) Contains(op operation.Operation) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[op]
	return ok
}

// Len returns the number of queued operations.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Entries returns a snapshot of the queue contents in no particular order.
func (q *PriorityQueue) Entries() []operation.Scheduled {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]operation.Scheduled, len(q.items))
	copy(out, q.items)
	return out
}

type pqItems []operation.Scheduled

// pqHeap adapts PriorityQueue to heap.Interface. The embedded queue's mutex
// must be held by the caller of any heap function.
type pqHeap struct {
	q *PriorityQueue
}

func (h pqHeap) Len() int { return len(h.q.items) }

func (h pqHeap) Less(i, j int) bool {
	a, b := h.q.items[i], h.q.items[j]
	return operation.Before(a.Priority, a.Timestamp, b.Priority, b.Timestamp)
}

func (h pqHeap) Swap(i, j int) {
	items, index := h.q.items, h.q.index
	items[i], items[j] = items[j], items[i]
	index[items[i].Op] = i
	index[items[j].Op] = j
}

func (h pqHeap) Push(x any) {
	sched := x.(operation.Scheduled)
	h.q.index[sched.Op] = len(h.q.items)
	h.q.items = append(h.q.items, sched)
}

func (h pqHeap) Pop() any {
	old := h.q.items
	n := len(old)
	sched := old[n-1]
	h.q.items = old[:n-1]
	delete(h.q.index, sched.Op)
	return sched
}
