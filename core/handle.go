package core

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Handle is the caller's view of one submitted task.
type Handle struct {
	id        string
	owner     int64
	config    TaskConfig
	createdAt time.Time

	launcher *Launcher
	reporter *TaskReporter
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}

	mu        sync.Mutex
	holds     int
	status    TaskStatus
	startedAt time.Time
	endedAt   time.Time
	result    *TaskResult
	err       error
}

func newHandle(l *Launcher, id string, owner int64, cfg TaskConfig, now time.Time) *Handle {
	ctx, cancel := context.WithCancel(l.baseCtx)
	return &Handle{
		id:        id,
		owner:     owner,
		config:    cfg,
		createdAt: now,
		launcher:  l,
		reporter:  l.channel.Reporter(id),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		holds:     1,
		status:    StatusPending,
	}
}

// ID returns the task id.
func (h *Handle) ID() string { return h.id }

// Owner returns the id of the submitting user.
func (h *Handle) Owner() int64 { return h.owner }

// Config returns the submitted configuration.
func (h *Handle) Config() TaskConfig { return h.config }

// Status returns the launcher's view of the task status.
func (h *Handle) Status() TaskStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// IsDone reports, without blocking, whether the task is finished: its outcome
// is stored and the Work function, if it ever started, has returned.
func (h *Handle) IsDone() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed once IsDone would report true.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the task finishes or timeout elapses (timeout <= 0 waits
// forever). A failed task returns its *WorkerError, a cancelled one
// ErrTaskCancelled. Timing out does not affect the task.
func (h *Handle) Wait(timeout time.Duration) (*TaskResult, error) {
	if timeout <= 0 {
		return h.WaitContext(context.Background())
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-h.done:
		return h.outcome()
	case <-timer.C:
		return nil, fmt.Errorf("%w %s after %v", ErrWaitTimeout, h.id, timeout)
	}
}

// WaitContext is Wait bounded by ctx instead of a timeout.
func (h *Handle) WaitContext(ctx context.Context) (*TaskResult, error) {
	select {
	case <-h.done:
		return h.outcome()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel marks the task cancelled and cancels the Work context. It returns
// false when the task had already finished. The outcome is stored before
// Cancel returns, but Done stays open until a running Work function returns.
func (h *Handle) Cancel() bool {
	return h.launcher.cancelHandle(h, "cancelled by user")
}

// Info returns a registry snapshot of the handle.
func (h *Handle) Info() TaskInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	info := TaskInfo{
		TaskID:    h.id,
		Owner:     h.owner,
		ModelName: h.config.ModelName,
		Status:    h.status,
		CreatedAt: h.createdAt,
	}
	if !h.startedAt.IsZero() {
		info.StartedAt = timePtr(h.startedAt)
	}
	if !h.endedAt.IsZero() {
		info.EndedAt = timePtr(h.endedAt)
	}
	if h.err != nil {
		if werr, ok := h.err.(*WorkerError); ok {
			info.Error = werr.Message()
		} else {
			info.Error = h.err.Error()
		}
	}
	return info
}

func (h *Handle) outcome() (*TaskResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

// markRunning moves a pending handle to running and takes a hold for the
// worker. It fails once the handle is finished.
func (h *Handle) markRunning(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != StatusPending {
		return false
	}
	h.status = StatusRunning
	h.startedAt = now
	h.holds++
	return true
}

// settle records the terminal outcome exactly once and fences the reporter.
// The caller that settled owns one release, issued after the store reflects
// the outcome.
func (h *Handle) settle(status TaskStatus, result *TaskResult, err error, now time.Time) bool {
	h.mu.Lock()
	if h.status.IsTerminal() {
		h.mu.Unlock()
		return false
	}
	h.status = status
	h.result = result
	h.err = err
	h.endedAt = now
	h.mu.Unlock()

	h.reporter.Fence()
	return true
}

// release drops one hold. The last one cancels the context and closes done.
func (h *Handle) release() {
	h.mu.Lock()
	h.holds--
	last := h.holds == 0
	h.mu.Unlock()

	if last {
		h.cancel()
		close(h.done)
	}
}

func (h *Handle) finishedBefore(cutoff time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status.IsTerminal() && h.endedAt.Before(cutoff)
}

func (h *Handle) runtime() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.endedAt.Sub(h.createdAt)
}
