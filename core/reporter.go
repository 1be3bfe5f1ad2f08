package core

import (
	"context"
	"sync/atomic"
)

// Reporter is what a Work function uses to publish progress for its task.
type Reporter interface {
	TaskID() string
	Publish(ctx context.Context, ev Event) bool
}

// TaskReporter binds a Channel to one task id. Once fenced it discards every
// publish, so a cancelled or finished worker cannot append after the
// launcher's terminal events.
type TaskReporter struct {
	channel *Channel
	taskID  string
	fenced  atomic.Bool
}

var _ Reporter = (*TaskReporter)(nil)

func (r *TaskReporter) TaskID() string { return r.taskID }

func (r *TaskReporter) Publish(ctx context.Context, ev Event) bool {
	if r.fenced.Load() {
		return false
	}
	return r.channel.Publish(ctx, r.taskID, ev)
}

// Fence stops further publishes.
func (r *TaskReporter) Fence() { r.fenced.Store(true) }

// Fenced reports whether Fence was called.
func (r *TaskReporter) Fenced() bool { return r.fenced.Load() }
