package core_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Swind/go-task-stream/core"
)

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errBackendDown = errors.New("backend down")

// flakyCache wraps a MemoryCache and fails selected operations on demand.
type flakyCache struct {
	*core.MemoryCache
	failGet atomic.Bool
	failSet atomic.Bool
}

func newFlakyCache() *flakyCache {
	return &flakyCache{MemoryCache: core.NewMemoryCache()}
}

func (c *flakyCache) Get(ctx context.Context, key string) ([]byte, error) {
	if c.failGet.Load() {
		return nil, errBackendDown
	}
	return c.MemoryCache.Get(ctx, key)
}

func (c *flakyCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if c.failSet.Load() {
		return errBackendDown
	}
	return c.MemoryCache.Set(ctx, key, value, ttl)
}

// frameRecorder is a FrameWriter collecting frames.
type frameRecorder struct {
	mu     sync.Mutex
	frames []core.Frame
	failOn string
}

func (r *frameRecorder) WriteFrame(f core.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failOn != "" && f.Event == r.failOn {
		return errors.New("client went away")
	}
	r.frames = append(r.frames, f)
	return nil
}

func (r *frameRecorder) Frames() []core.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.Frame(nil), r.frames...)
}

func (r *frameRecorder) Types() []string {
	var out []string
	for _, f := range r.Frames() {
		out = append(out, f.Event)
	}
	return out
}

func (r *frameRecorder) Count(event string) int {
	n := 0
	for _, f := range r.Frames() {
		if f.Event == event {
			n++
		}
	}
	return n
}

// withoutIdle drops heartbeat and diagnostics frames, whose number depends on timing.
func withoutIdle(types []string) []string {
	var out []string
	for _, t := range types {
		if t == core.FrameHeartbeat || t == core.FrameDiagnostics {
			continue
		}
		out = append(out, t)
	}
	return out
}

// newTestChannel returns a channel over a fresh in-memory store.
func newTestChannel(t *testing.T, opts core.StoreOptions) (*core.Channel, *core.ProgressStore) {
	t.Helper()
	store := core.NewProgressStore(core.NewMemoryCache(), opts)
	return core.NewChannel(store, core.ChannelOptions{}), store
}

// seedRecord writes a running record for id.
func seedRecord(t *testing.T, store *core.ProgressStore, id string) {
	t.Helper()
	rec := &core.Record{TaskID: id, Status: core.StatusRunning}
	if err := store.Set(context.Background(), rec, 0); err != nil {
		t.Fatalf("Set(%s) error = %v", id, err)
	}
}

func validConfig() core.TaskConfig {
	return core.TaskConfig{ModelName: "demand-forecast", Epochs: 3}
}

func streamOptions() core.StreamOptions {
	return core.StreamOptions{
		PollInterval:      5 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
	}
}
