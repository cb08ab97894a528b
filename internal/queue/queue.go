// Package queue provides the FIFO and command-thread primitives used to hand
// buffers between capture, post-processing and notification goroutines.
package queue

import (
	"container/list"
	"sync"
)

// ReleaseFunc disposes of an item that leaves a Queue without being consumed.
type ReleaseFunc func(item interface{})

// MatchFunc selects items for FlushMatching and DequeueMatching.
type MatchFunc func(item interface{}) bool

// Queue is a goroutine-safe FIFO. Items removed through Flush or
// FlushMatching are handed to the release function; items removed through
// Dequeue belong to the caller.
type Queue struct {
	mu      sync.Mutex
	items   *list.List
	release ReleaseFunc
	limit   int
}

// New returns an unbounded queue.
func New(release ReleaseFunc) *Queue {
	return NewBounded(release, 0)
}

// NewBounded returns a queue holding at most limit items. A limit of zero
// means no bound.
func NewBounded(release ReleaseFunc, limit int) *Queue {
	return &Queue{
		items:   list.New(),
		release: release,
		limit:   limit,
	}
}

// Enqueue appends item to the tail. It reports false if the queue is full,
// in which case ownership stays with the caller.
func (q *Queue) Enqueue(item interface{}) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.limit > 0 && q.items.Len() >= q.limit {
		return false
	}
	q.items.PushBack(item)
	return true
}

// EnqueueFront inserts item at the head, ahead of everything queued.
func (q *Queue) EnqueueFront(item interface{}) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.limit > 0 && q.items.Len() >= q.limit {
		return false
	}
	q.items.PushFront(item)
	return true
}

// Dequeue removes and returns the head, or nil if the queue is empty.
func (q *Queue) Dequeue() interface{} {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.remove(q.items.Front())
}

// Front returns the head without removing it, or nil if the queue is empty.
func (q *Queue) Front() interface{} {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e := q.items.Front(); e != nil {
		return e.Value
	}
	return nil
}

// DequeueBack removes and returns the tail, or nil if the queue is empty.
// It undoes the most recent Enqueue.
func (q *Queue) DequeueBack() interface{} {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.remove(q.items.Back())
}

// DequeueMatching removes and returns the first item accepted by match.
func (q *Queue) DequeueMatching(match MatchFunc) interface{} {
	q.mu.Lock()
	defer q.mu.Unlock()

	for e := q.items.Front(); e != nil; e = e.Next() {
		if match(e.Value) {
			return q.remove(e)
		}
	}
	return nil
}

func (q *Queue) remove(e *list.Element) interface{} {
	if e == nil {
		return nil
	}
	return q.items.Remove(e)
}

func (q *Queue) IsEmpty() bool {
	return q.Len() == 0
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.items.Len()
}

// Flush empties the queue, releasing every item in FIFO order.
func (q *Queue) Flush() {
	q.FlushMatching(func(interface{}) bool { return true })
}

// FlushMatching removes and releases the items accepted by match. The
// release function runs after the queue lock is dropped.
func (q *Queue) FlushMatching(match MatchFunc) int {
	q.mu.Lock()
	var evicted []interface{}
	for e := q.items.Front(); e != nil; {
		next := e.Next()
		if match(e.Value) {
			evicted = append(evicted, q.items.Remove(e))
		}
		e = next
	}
	q.mu.Unlock()

	if q.release != nil {
		for _, item := range evicted {
			q.release(item)
		}
	}
	return len(evicted)
}
