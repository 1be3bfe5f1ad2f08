package core_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Swind/go-task-stream/core"
)

func TestChannel_PublishWritesBothPaths(t *testing.T) {
	ctx := context.Background()
	ch, store := newTestChannel(t, core.StoreOptions{})
	seedRecord(t, store, "t1")

	if ok := ch.Publish(ctx, "t1", core.NewLog("hello")); !ok {
		t.Fatal("Publish = false, want true")
	}

	rec, _ := store.Get(ctx, "t1")
	if len(rec.Updates) != 1 {
		t.Fatalf("len(Updates) = %d, want 1", len(rec.Updates))
	}
	queued := ch.GetUpdates("t1", 0)
	if len(queued) != 1 {
		t.Fatalf("len(GetUpdates) = %d, want 1", len(queued))
	}
	if core.EventSeq(queued[0]) != 1 {
		t.Errorf("queued seq = %d, want 1", core.EventSeq(queued[0]))
	}
	if got := ch.GetUpdates("t1", 0); len(got) != 0 {
		t.Errorf("second drain returned %d events, want 0", len(got))
	}
}

// TestChannel_QueueFactoryAlwaysFails verifies publishing degrades to the
// store path when the best-effort queue cannot be created.
// Given: a queue factory that fails on every call
// When: five events are published and updates are drained
// Then: nothing panics, the drain is empty and the store holds all five
func TestChannel_QueueFactoryAlwaysFails(t *testing.T) {
	// Arrange
	ctx := context.Background()
	store := core.NewProgressStore(core.NewMemoryCache(), core.StoreOptions{})
	calls := 0
	ch := core.NewChannel(store, core.ChannelOptions{
		QueueFactory: func(string, int) (*core.FIFOQueue[core.Event], error) {
			calls++
			return nil, errors.New("shared memory unavailable")
		},
	})
	seedRecord(t, store, "t5")

	// Act
	for i := 1; i <= 5; i++ {
		if ok := ch.Publish(ctx, "t5", core.NewLog(fmt.Sprintf("event %d", i))); !ok {
			t.Errorf("Publish(%d) = false, want true", i)
		}
	}
	drained := ch.GetUpdates("t5", 10)

	// Assert
	if len(drained) != 0 {
		t.Errorf("len(GetUpdates) = %d, want 0", len(drained))
	}
	if calls != 5 {
		t.Errorf("factory calls = %d, want 5", calls)
	}
	rec, err := store.Get(ctx, "t5")
	if err != nil {
		t.Fatalf("Get error = %v", err)
	}
	if len(rec.Updates) != 5 {
		t.Errorf("len(Updates) = %d, want 5", len(rec.Updates))
	}
}

func TestChannel_QueueFactoryPanics(t *testing.T) {
	ctx := context.Background()
	store := core.NewProgressStore(core.NewMemoryCache(), core.StoreOptions{})
	ch := core.NewChannel(store, core.ChannelOptions{
		QueueFactory: func(string, int) (*core.FIFOQueue[core.Event], error) {
			panic("no semaphores left")
		},
	})
	seedRecord(t, store, "t5")

	if ok := ch.Publish(ctx, "t5", core.NewLog("still recorded")); !ok {
		t.Fatal("Publish = false, want true")
	}
	rec, _ := store.Get(ctx, "t5")
	if len(rec.Updates) != 1 {
		t.Errorf("len(Updates) = %d, want 1", len(rec.Updates))
	}
}

func TestChannel_StoreFailureStillQueues(t *testing.T) {
	ctx := context.Background()
	cache := newFlakyCache()
	store := core.NewProgressStore(cache, core.StoreOptions{})
	ch := core.NewChannel(store, core.ChannelOptions{})
	seedRecord(t, store, "t1")

	cache.failSet.Store(true)
	if ok := ch.Publish(ctx, "t1", core.NewLog("lost in store")); ok {
		t.Error("Publish = true, want false when the store write fails")
	}

	queued := ch.GetUpdates("t1", 0)
	if len(queued) != 1 {
		t.Fatalf("len(GetUpdates) = %d, want 1", len(queued))
	}
	if core.EventSeq(queued[0]) != 0 {
		t.Errorf("seq = %d, want 0 for an unrecorded event", core.EventSeq(queued[0]))
	}
	if got := ch.Stats().StoreErrors; got != 1 {
		t.Errorf("StoreErrors = %d, want 1", got)
	}
}

func TestChannel_QueueOverflowDrops(t *testing.T) {
	ctx := context.Background()
	store := core.NewProgressStore(core.NewMemoryCache(), core.StoreOptions{})
	ch := core.NewChannel(store, core.ChannelOptions{QueueCapacity: 2})
	seedRecord(t, store, "t1")

	for i := 0; i < 4; i++ {
		ch.Publish(ctx, "t1", core.NewLog(fmt.Sprintf("event %d", i)))
	}

	if got := len(ch.GetUpdates("t1", 0)); got != 2 {
		t.Errorf("queued = %d, want 2", got)
	}
	rec, _ := store.Get(ctx, "t1")
	if len(rec.Updates) != 4 {
		t.Errorf("len(Updates) = %d, want 4", len(rec.Updates))
	}
	if got := ch.Stats().Dropped; got != 2 {
		t.Errorf("Dropped = %d, want 2", got)
	}
}

func TestChannel_NormalizesCompleteMetrics(t *testing.T) {
	ctx := context.Background()
	ch, store := newTestChannel(t, core.StoreOptions{})
	seedRecord(t, store, "t1")

	ch.Publish(ctx, "t1", core.NewComplete(core.StatusCompleted, "done", map[string]float64{
		"mse": 0.5, "r2_score": 0.9, "accuracy": 88, "custom": 1,
	}))

	rec, _ := store.Get(ctx, "t1")
	got := rec.Updates[0].(core.CompleteEvent).Metrics
	want := map[string]float64{"MSE": 0.5, "R2": 0.9, "Accuracy": 88, "custom": 1}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("metrics mismatch (-want +got):\n%s", diff)
	}
	if rec.Status != core.StatusCompleted {
		t.Errorf("Status = %s, want completed", rec.Status)
	}
}

func TestChannel_Diagnostics(t *testing.T) {
	ctx := context.Background()
	ch, store := newTestChannel(t, core.StoreOptions{})
	seedRecord(t, store, "t1")
	ch.Publish(ctx, "t1", core.NewLog("one"))
	ch.Publish(ctx, "t1", core.NewLog("two"))

	d := ch.Diagnostics(ctx, "t1")
	if !d.QueueAvailable || d.QueueSize != 2 {
		t.Errorf("queue = available %v size %d, want true 2", d.QueueAvailable, d.QueueSize)
	}
	if !d.RecordFound || d.UpdateCount != 2 || d.LastSeq != 2 {
		t.Errorf("record = found %v count %d seq %d, want true 2 2", d.RecordFound, d.UpdateCount, d.LastSeq)
	}

	missing := ch.Diagnostics(ctx, "ghost")
	if missing.RecordFound || missing.QueueAvailable {
		t.Errorf("ghost diagnostics = %+v, want nothing found", missing)
	}
}

func TestTaskReporter_Fence(t *testing.T) {
	ctx := context.Background()
	ch, store := newTestChannel(t, core.StoreOptions{})
	seedRecord(t, store, "t1")
	rep := ch.Reporter("t1")

	if !rep.Publish(ctx, core.NewLog("before")) {
		t.Fatal("Publish before fence = false")
	}
	rep.Fence()
	if rep.Publish(ctx, core.NewLog("after")) {
		t.Error("Publish after fence = true, want false")
	}

	rec, _ := store.Get(ctx, "t1")
	if len(rec.Updates) != 1 {
		t.Errorf("len(Updates) = %d, want 1", len(rec.Updates))
	}
}

func TestChannel_ReleaseDropsQueue(t *testing.T) {
	ctx := context.Background()
	ch, store := newTestChannel(t, core.StoreOptions{})
	seedRecord(t, store, "t1")
	ch.Publish(ctx, "t1", core.NewLog("one"))

	ch.Release("t1")

	if got := ch.GetUpdates("t1", 0); len(got) != 0 {
		t.Errorf("GetUpdates after Release = %d events, want 0", len(got))
	}
	if got := ch.Stats().Queues; got != 0 {
		t.Errorf("Queues = %d, want 0", got)
	}
}
