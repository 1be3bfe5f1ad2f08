package core

import (
	"errors"
	"sync"
)

const (
	defaultQueueCap     = 16
	compactMinCap       = 64 // Don't compact if capacity is less than this
	compactShrinkFactor = 4  // Trigger compaction when len < cap/4

	// DefaultChannelQueueCapacity bounds each per-task best-effort queue.
	DefaultChannelQueueCapacity = 500
)

// =============================================================================
// FIFOQueue: bounded slice-backed FIFO
// =============================================================================

// FIFOQueue is a mutex-guarded FIFO. A positive limit bounds its length;
// Push drops the item once the limit is reached.
type FIFOQueue[T any] struct {
	mu      sync.Mutex
	items   []T
	limit   int
	dropped int64
}

// NewFIFOQueue creates a queue holding at most limit items (limit <= 0 means unbounded).
func NewFIFOQueue[T any](limit int) *FIFOQueue[T] {
	return &FIFOQueue[T]{
		items: make([]T, 0, defaultQueueCap),
		limit: limit,
	}
}

// Push appends v, reporting false when the queue is full.
func (q *FIFOQueue[T]) Push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.limit > 0 && len(q.items) >= q.limit {
		q.dropped++
		return false
	}
	q.items = append(q.items, v)
	return true
}

func (q *FIFOQueue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}

	v := q.items[0]
	// Zero out the slot so the backing array does not pin the value
	q.items[0] = zero
	q.items = q.items[1:]
	q.maybeCompactLocked()
	return v, true
}

// PopUpTo removes up to max items in FIFO order; max <= 0 drains the queue.
func (q *FIFOQueue[T]) PopUpTo(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	if n == 0 {
		return nil
	}

	if max <= 0 || n <= max {
		batch := q.items
		q.items = make([]T, 0, defaultQueueCap)
		return batch
	}

	batch := make([]T, max)
	copy(batch, q.items[:max])

	var zero T
	for i := 0; i < max; i++ {
		q.items[i] = zero
	}
	q.items = q.items[max:]
	q.maybeCompactLocked()
	return batch
}

func (q *FIFOQueue[T]) maybeCompactLocked() {
	n := len(q.items)
	c := cap(q.items)

	if c < compactMinCap {
		return
	}
	if n == 0 {
		q.items = make([]T, 0, defaultQueueCap)
		return
	}
	if n*compactShrinkFactor >= c {
		return
	}

	newCap := max(max(c/2, defaultQueueCap), n)
	items := make([]T, n, newCap)
	copy(items, q.items)
	q.items = items
}

func (q *FIFOQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Limit returns the configured bound, 0 when unbounded.
func (q *FIFOQueue[T]) Limit() int {
	if q.limit < 0 {
		return 0
	}
	return q.limit
}

// Dropped returns the number of items rejected by Push.
func (q *FIFOQueue[T]) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Clear removes all items and releases references
func (q *FIFOQueue[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = make([]T, 0, defaultQueueCap)
}

// =============================================================================
// QueueSet: per-task best-effort event queues
// =============================================================================

// ErrChannelUnavailable reports that the best-effort queue for a task could
// not be created. Publishing degrades to the store path only.
var ErrChannelUnavailable = errors.New("progress queue unavailable")

// QueueFactory creates the queue for one task.
type QueueFactory func(taskID string, capacity int) (*FIFOQueue[Event], error)

// DefaultQueueFactory creates an in-memory bounded queue.
func DefaultQueueFactory(_ string, capacity int) (*FIFOQueue[Event], error) {
	return NewFIFOQueue[Event](capacity), nil
}

// QueueSet owns the process-local queues keyed by task id.
type QueueSet struct {
	mu       sync.Mutex
	queues   map[string]*FIFOQueue[Event]
	factory  QueueFactory
	capacity int
	released int64 // items dropped from released queues, kept for Stats
}

// NewQueueSet creates an empty set. A nil factory selects DefaultQueueFactory.
func NewQueueSet(capacity int, factory QueueFactory) *QueueSet {
	if capacity <= 0 {
		capacity = DefaultChannelQueueCapacity
	}
	if factory == nil {
		factory = DefaultQueueFactory
	}
	return &QueueSet{
		queues:   make(map[string]*FIFOQueue[Event]),
		factory:  factory,
		capacity: capacity,
	}
}

// Get returns the queue for taskID, creating it when create is set.
// It returns (nil, nil) when the queue does not exist and create is false.
func (s *QueueSet) Get(taskID string, create bool) (q *FIFOQueue[Event], err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q, ok := s.queues[taskID]; ok {
		return q, nil
	}
	if !create {
		return nil, nil
	}

	defer func() {
		if r := recover(); r != nil {
			q, err = nil, errors.Join(ErrChannelUnavailable, panicError(r))
		}
	}()
	q, err = s.factory(taskID, s.capacity)
	if err != nil {
		return nil, errors.Join(ErrChannelUnavailable, err)
	}
	if q == nil {
		return nil, ErrChannelUnavailable
	}
	s.queues[taskID] = q
	return q, nil
}

// Release drops the queue for taskID and everything buffered in it.
func (s *QueueSet) Release(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[taskID]; ok {
		s.released += q.Dropped()
		q.Clear()
		delete(s.queues, taskID)
	}
}

// Capacity returns the per-queue bound.
func (s *QueueSet) Capacity() int { return s.capacity }

// Stats summarises every live queue.
func (s *QueueSet) Stats() ChannelStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := ChannelStats{Queues: len(s.queues), Dropped: s.released}
	for _, q := range s.queues {
		stats.Buffered += q.Len()
		stats.Dropped += q.Dropped()
	}
	return stats
}
