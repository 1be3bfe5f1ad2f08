package core

import (
	"errors"
	"testing"
)

// TestFIFOQueue_Order verifies items come out in insertion order
// Given: An unbounded queue with three items
// When: Items are popped one by one
// Then: They come out in FIFO order and the queue ends empty
func TestFIFOQueue_Order(t *testing.T) {
	// Arrange
	q := NewFIFOQueue[int](0)
	for i := 1; i <= 3; i++ {
		q.Push(i)
	}

	// Act & Assert
	for want := 1; want <= 3; want++ {
		got, ok := q.Pop()
		if !ok {
			t.Fatalf("Pop() returned empty, want %d", want)
		}
		if got != want {
			t.Errorf("Pop() = %d, want %d", got, want)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Error("Pop() on empty queue returned ok")
	}
}

// TestFIFOQueue_LimitDrops verifies a bounded queue rejects overflow
// Given: A queue limited to 2 items
// When: 3 items are pushed
// Then: The third push fails and is counted as dropped
func TestFIFOQueue_LimitDrops(t *testing.T) {
	// Arrange
	q := NewFIFOQueue[string](2)

	// Act
	first, second, third := q.Push("a"), q.Push("b"), q.Push("c")

	// Assert
	if !first || !second || third {
		t.Errorf("Push results = %v %v %v, want true true false", first, second, third)
	}
	if q.Len() != 2 {
		t.Errorf("Len() = %d, want 2", q.Len())
	}
	if q.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", q.Dropped())
	}
	if q.Limit() != 2 {
		t.Errorf("Limit() = %d, want 2", q.Limit())
	}
}

// TestFIFOQueue_PopUpTo verifies batch retrieval
// Given: A queue with 5 items
// When: PopUpTo(3) then PopUpTo(0) are called
// Then: The first call returns the 3 oldest items, the second drains the rest
func TestFIFOQueue_PopUpTo(t *testing.T) {
	// Arrange
	q := NewFIFOQueue[int](0)
	for i := 0; i < 5; i++ {
		q.Push(i)
	}

	// Act
	batch := q.PopUpTo(3)
	rest := q.PopUpTo(0)

	// Assert
	if len(batch) != 3 || batch[0] != 0 || batch[2] != 2 {
		t.Errorf("PopUpTo(3) = %v, want [0 1 2]", batch)
	}
	if len(rest) != 2 || rest[0] != 3 || rest[1] != 4 {
		t.Errorf("PopUpTo(0) = %v, want [3 4]", rest)
	}
	if q.PopUpTo(1) != nil {
		t.Error("PopUpTo on empty queue should return nil")
	}
}

// TestFIFOQueue_MaybeCompact verifies the backing array shrinks after draining
// Given: A queue that grew past the compaction threshold
// When: Most items are popped
// Then: Capacity is reduced while remaining items keep their order
func TestFIFOQueue_MaybeCompact(t *testing.T) {
	// Arrange
	q := NewFIFOQueue[int](0)
	for i := 0; i < 256; i++ {
		q.Push(i)
	}
	before := cap(q.items)

	// Act
	for i := 0; i < 250; i++ {
		q.Pop()
	}

	// Assert
	if after := cap(q.items); after >= before {
		t.Errorf("cap after drain = %d, want less than %d", after, before)
	}
	got, _ := q.Pop()
	if got != 250 {
		t.Errorf("next item = %d, want 250", got)
	}
}

// TestQueueSet_FactoryFailure verifies factory errors and panics are reported
// as ErrChannelUnavailable and nothing is cached
func TestQueueSet_FactoryFailure(t *testing.T) {
	tests := []struct {
		name    string
		factory QueueFactory
	}{
		{
			name: "error",
			factory: func(string, int) (*FIFOQueue[Event], error) {
				return nil, errors.New("no shared memory")
			},
		},
		{
			name: "panic",
			factory: func(string, int) (*FIFOQueue[Event], error) {
				panic("semaphore limit")
			},
		},
		{
			name: "nil queue",
			factory: func(string, int) (*FIFOQueue[Event], error) {
				return nil, nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set := NewQueueSet(10, tt.factory)

			q, err := set.Get("t1", true)

			if !errors.Is(err, ErrChannelUnavailable) {
				t.Fatalf("Get error = %v, want ErrChannelUnavailable", err)
			}
			if q != nil {
				t.Error("Get returned a queue alongside an error")
			}
			if set.Stats().Queues != 0 {
				t.Errorf("Queues = %d, want 0", set.Stats().Queues)
			}
		})
	}
}

func TestQueueSet_GetWithoutCreate(t *testing.T) {
	set := NewQueueSet(0, nil)

	q, err := set.Get("t1", false)
	if q != nil || err != nil {
		t.Fatalf("Get(create=false) = %v, %v, want nil, nil", q, err)
	}
	if set.Capacity() != DefaultChannelQueueCapacity {
		t.Errorf("Capacity() = %d, want %d", set.Capacity(), DefaultChannelQueueCapacity)
	}

	created, err := set.Get("t1", true)
	if err != nil || created == nil {
		t.Fatalf("Get(create=true) = %v, %v", created, err)
	}
	again, _ := set.Get("t1", false)
	if again != created {
		t.Error("Get returned a different queue for the same task")
	}
}
