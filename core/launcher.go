package core

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxWorkers is the number of trainings run concurrently by default.
const DefaultMaxWorkers = 2

// LauncherOptions configures a Launcher. Zero values select the defaults.
type LauncherOptions struct {
	// Name labels the worker pool in logs and metrics.
	Name string

	// MaxWorkers bounds concurrently running tasks; further tasks wait pending.
	MaxWorkers int

	// Retention is how long finished tasks stay in the registry.
	Retention time.Duration

	PanicHandler PanicHandler
	Metrics      Metrics
	Now          func() time.Time
}

// SubmitRequest describes a task to launch. An empty TaskID is replaced by a
// generated UUID.
type SubmitRequest struct {
	TaskID string     `json:"task_id,omitempty"`
	Owner  int64      `json:"owner_id,omitempty"`
	Config TaskConfig `json:"config"`
}

// Launcher runs Work functions in isolation from the caller, mirrors their
// lifecycle into the ProgressStore and hands out Handles.
//
// Lifecycle of a task:
//   - Submit: validate, register, write a pending record, queue on the pool
//   - a pool worker picks it up: record becomes running, Work runs
//   - Work returns: completed record carrying the result
//   - Work fails or panics, or Cancel is called: terminal record plus error
//     and complete events, so streams always see a terminal event
//   - the Handle is released only after the store reflects the outcome and
//     the Work function, if it started, has returned
type Launcher struct {
	channel  *Channel
	store    *ProgressStore
	pool     *WorkerPool
	registry *Registry

	retention    time.Duration
	retryPolicy  RetryPolicy
	logger       Logger
	errorHandler ErrorHandler
	panicHandler PanicHandler
	metrics      Metrics
	now          func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc
	closed     atomic.Bool

	janitorMu     sync.Mutex
	janitorCancel context.CancelFunc
	janitorDone   chan struct{}
}

// NewLauncher creates a launcher publishing through ch.
func NewLauncher(ch *Channel, opts LauncherOptions) *Launcher {
	if opts.Name == "" {
		opts.Name = "launcher"
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = DefaultMaxWorkers
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.PanicHandler == nil {
		opts.PanicHandler = &DefaultPanicHandler{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	metrics := orNilMetrics(opts.Metrics)

	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Launcher{
		channel:      ch,
		store:        ch.Store(),
		pool:         NewWorkerPool(opts.Name, opts.MaxWorkers, opts.PanicHandler, metrics),
		registry:     NewRegistry(),
		retention:    opts.Retention,
		retryPolicy:  DefaultRetryPolicy(),
		logger:       NewNoOpLogger(),
		panicHandler: opts.PanicHandler,
		metrics:      metrics,
		now:          opts.Now,
		baseCtx:      baseCtx,
		baseCancel:   baseCancel,
	}
}

// =============================================================================
// Configuration Methods
// =============================================================================

// SetRetryPolicy sets the retry policy for terminal store writes
func (l *Launcher) SetRetryPolicy(policy RetryPolicy) { l.retryPolicy = policy }

// GetRetryPolicy returns the current retry policy
func (l *Launcher) GetRetryPolicy() RetryPolicy { return l.retryPolicy }

// SetLogger sets the logger for the launcher
func (l *Launcher) SetLogger(logger Logger) { l.logger = orNoOp(logger) }

// SetErrorHandler sets a callback for store writes that failed after all retries
func (l *Launcher) SetErrorHandler(handler ErrorHandler) { l.errorHandler = handler }

// Registry returns the launcher's task registry.
func (l *Launcher) Registry() *Registry { return l.registry }

// Channel returns the channel tasks publish through.
func (l *Launcher) Channel() *Channel { return l.channel }

// Start starts the worker pool.
func (l *Launcher) Start(ctx context.Context) {
	l.pool.Start(ctx)
}

// =============================================================================
// Submit
// =============================================================================

// Submit registers a task, writes its pending record and queues work on the
// worker pool. Errors are *SubmissionError values.
func (l *Launcher) Submit(ctx context.Context, req SubmitRequest, work Work) (*Handle, error) {
	id := req.TaskID
	if id == "" {
		id = uuid.NewString()
	}
	if l.closed.Load() {
		return nil, &SubmissionError{TaskID: id, Kind: ErrLauncherClosed}
	}
	if work == nil {
		return nil, &SubmissionError{TaskID: id, Kind: ErrInvalidConfig, Err: errors.New("work function is nil")}
	}
	cfg := req.Config.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, &SubmissionError{TaskID: id, Kind: ErrInvalidConfig, Err: err}
	}

	now := l.now()
	h := newHandle(l, id, req.Owner, cfg, now)
	if !l.registry.add(h) {
		h.cancel()
		return nil, &SubmissionError{TaskID: id, Kind: ErrDuplicateTask}
	}

	// Another process may own a live record under the same id.
	existing, err := l.store.Get(ctx, id)
	switch {
	case err == nil && !existing.Status.IsTerminal():
		l.registry.remove(h)
		h.cancel()
		return nil, &SubmissionError{
			TaskID: id,
			Kind:   ErrDuplicateTask,
			Err:    fmt.Errorf("store record is %s", existing.Status),
		}
	case err != nil && !errors.Is(err, ErrRecordNotFound):
		l.metrics.RecordStoreError("get")
		l.logger.Warn("duplicate check skipped", F("task_id", id), F("error", err))
	}

	rec := &Record{
		TaskID:    id,
		Owner:     req.Owner,
		Status:    StatusPending,
		Config:    &cfg,
		Updates:   EventList{},
		CreatedAt: timePtr(now),
	}
	if err := l.store.Set(ctx, rec, 0); err != nil {
		l.metrics.RecordStoreError("set")
		l.logger.Warn("pending record not written", F("task_id", id), F("error", err))
	}

	if !l.pool.Post(func(context.Context) { l.execute(h, work) }) {
		l.cancelHandle(h, "launcher is closed")
		return nil, &SubmissionError{TaskID: id, Kind: ErrLauncherClosed}
	}
	l.metrics.RecordTaskSubmitted()
	l.logger.Info("training task submitted",
		F("task_id", id),
		F("owner_id", req.Owner),
		F("model_name", cfg.ModelName))

	// Shutdown may have swept the registry before h was added.
	if l.closed.Load() {
		l.cancelHandle(h, "launcher is closed")
	}
	return h, nil
}

// =============================================================================
// Execution
// =============================================================================

func (l *Launcher) execute(h *Handle, work Work) {
	if !h.markRunning(l.now()) {
		return
	}
	defer h.release()

	ioCtx := context.Background()
	startedAt := l.now()
	if err := l.store.Update(ioCtx, h.id, func(r *Record) error {
		if r.Status.IsTerminal() {
			return nil
		}
		r.Status = StatusRunning
		r.StartedAt = timePtr(startedAt)
		return nil
	}); err != nil {
		l.metrics.RecordStoreError("update")
		l.logger.Warn("running status not recorded", F("task_id", h.id), F("error", err))
	}
	l.logger.Info("training task started", F("task_id", h.id))

	spec := TaskSpec{TaskID: h.id, Owner: h.owner, Config: h.config}
	result, err := l.runWork(h, spec, work)

	if err != nil {
		l.fail(h, err)
		return
	}
	l.succeed(h, result)
}

func (l *Launcher) runWork(h *Handle, spec TaskSpec, work Work) (result *TaskResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			l.metrics.RecordTaskPanic("launcher", r)
			l.panicHandler.HandlePanic(h.ctx, "launcher", -1, r, stack)
			result, err = nil, &WorkerError{TaskID: h.id, Err: panicError(r), Stack: stack}
		}
	}()
	return work(h.ctx, spec, h.reporter)
}

func (l *Launcher) succeed(h *Handle, result *TaskResult) {
	if result == nil {
		result = &TaskResult{}
	}
	if result.ModelName == "" {
		result.ModelName = h.config.ModelName
	}
	now := l.now()
	if !h.settle(StatusCompleted, result, nil, now) {
		return
	}
	defer h.release()

	ctx := context.Background()
	err := retryOperation(ctx, l.retryPolicy, l.logger, l.errorHandler, "MarkCompleted", h.id, func(ctx context.Context) error {
		return l.store.Update(ctx, h.id, func(r *Record) error {
			r.Status = StatusCompleted
			r.Result = result
			r.Error = ""
			r.EndedAt = timePtr(now)
			return nil
		})
	})
	if err != nil {
		l.markUnrecorded(ctx, h, now, err)
		l.metrics.RecordTaskFinished(StatusCompleted, h.runtime())
		return
	}
	l.channel.Publish(ctx, h.id, CompleteEvent{
		Status:  StatusCompleted,
		Message: "Training completed",
		Metrics: result.Metrics,
	})
	l.metrics.RecordTaskFinished(StatusCompleted, h.runtime())
	l.logger.Info("training task completed", F("task_id", h.id))
}

// markUnrecorded stores a result-free failed outcome after the completed
// record could not be written, so readers and streams still see the task end.
func (l *Launcher) markUnrecorded(ctx context.Context, h *Handle, now time.Time, cause error) {
	msg := "result not recorded: " + cause.Error()
	l.logger.Error("training result not recorded", F("task_id", h.id), F("error", cause))

	err := l.store.Update(ctx, h.id, func(r *Record) error {
		if r.Status.IsTerminal() {
			return nil
		}
		r.Status = StatusFailed
		r.Result = nil
		r.Error = msg
		r.EndedAt = timePtr(now)
		return nil
	})
	if err != nil {
		l.metrics.RecordStoreError("update")
		l.logger.Error("terminal status not recorded", F("task_id", h.id), F("error", err))
		return
	}
	l.channel.Publish(ctx, h.id, CompleteEvent{
		Status:  StatusFailed,
		Message: "Training failed",
		Error:   msg,
	})
}

func (l *Launcher) fail(h *Handle, err error) {
	var werr *WorkerError
	if !errors.As(err, &werr) {
		werr = &WorkerError{TaskID: h.id, Err: err}
	}
	now := l.now()
	if !h.settle(StatusFailed, nil, werr, now) {
		return
	}
	defer h.release()

	msg := werr.Message()
	fields := []Field{F("task_id", h.id), F("error", msg)}
	if len(werr.Stack) > 0 {
		fields = append(fields, F("stack", string(werr.Stack)))
	}
	l.logger.Error("training task failed", fields...)

	ctx := context.Background()
	l.channel.Publish(ctx, h.id, NewError(msg))
	_ = retryOperation(ctx, l.retryPolicy, l.logger, l.errorHandler, "MarkFailed", h.id, func(ctx context.Context) error {
		return l.store.Update(ctx, h.id, func(r *Record) error {
			r.Status = StatusFailed
			r.Error = msg
			r.EndedAt = timePtr(now)
			return nil
		})
	})
	l.channel.Publish(ctx, h.id, CompleteEvent{
		Status:  StatusFailed,
		Message: "Training failed",
		Error:   msg,
	})
	l.metrics.RecordTaskFinished(StatusFailed, h.runtime())
}

// =============================================================================
// Cancel
// =============================================================================

// Cancel cancels the task with the given id.
func (l *Launcher) Cancel(id string) (bool, error) {
	h, ok := l.registry.Get(id)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return l.cancelHandle(h, "cancelled by user"), nil
}

// cancelHandle fences the reporter, cancels the worker context (killing a
// worker process) and writes the cancelled outcome through the same path as
// a failure. A running worker keeps its own hold, so Done closes only once
// its Work function returns.
func (l *Launcher) cancelHandle(h *Handle, reason string) bool {
	now := l.now()
	if !h.settle(StatusCancelled, nil, ErrTaskCancelled, now) {
		return false
	}
	h.cancel()
	defer h.release()

	l.logger.Info("training task cancelled", F("task_id", h.id), F("reason", reason))

	ctx := context.Background()
	l.channel.Publish(ctx, h.id, LogEvent{Message: "Training cancelled: " + reason, Level: "warning"})
	_ = retryOperation(ctx, l.retryPolicy, l.logger, l.errorHandler, "MarkCancelled", h.id, func(ctx context.Context) error {
		return l.store.Update(ctx, h.id, func(r *Record) error {
			r.Status = StatusCancelled
			r.Error = reason
			r.EndedAt = timePtr(now)
			return nil
		})
	})
	l.channel.Publish(ctx, h.id, CompleteEvent{
		Status:  StatusCancelled,
		Message: "Training cancelled",
		Error:   reason,
	})
	l.metrics.RecordTaskFinished(StatusCancelled, h.runtime())
	return true
}

// =============================================================================
// Introspection & Maintenance
// =============================================================================

// Get returns the handle for id.
func (l *Launcher) Get(id string) (*Handle, bool) {
	return l.registry.Get(id)
}

// Stats returns a snapshot of registry and pool state.
func (l *Launcher) Stats() LauncherStats {
	stats := LauncherStats{
		Closed: l.closed.Load(),
		Pool:   l.pool.Stats(),
	}
	for _, h := range l.registry.Handles() {
		stats.Registered++
		switch h.Status() {
		case StatusPending:
			stats.Pending++
		case StatusRunning:
			stats.Running++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		case StatusCancelled:
			stats.Cancelled++
		}
	}
	return stats
}

// Cleanup purges tasks that finished more than maxAge ago (maxAge <= 0 uses
// the configured retention) and releases their queues.
func (l *Launcher) Cleanup(maxAge time.Duration) []string {
	if maxAge <= 0 {
		maxAge = l.retention
	}
	purged := l.registry.Purge(maxAge, l.now())
	for _, id := range purged {
		l.channel.Release(id)
	}
	if len(purged) > 0 {
		l.logger.Info("purged finished tasks", F("count", len(purged)))
	}
	return purged
}

// StartJanitor runs Cleanup every interval until StopJanitor or ctx ends.
// Repeated calls are no-ops.
func (l *Launcher) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}

	l.janitorMu.Lock()
	defer l.janitorMu.Unlock()
	if l.janitorCancel != nil {
		return
	}
	jctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.janitorCancel = cancel
	l.janitorDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-jctx.Done():
				return
			case <-ticker.C:
				l.Cleanup(0)
			}
		}
	}()
}

// StopJanitor stops the cleanup loop; repeated calls are safe.
func (l *Launcher) StopJanitor() {
	l.janitorMu.Lock()
	cancel, done := l.janitorCancel, l.janitorDone
	l.janitorCancel, l.janitorDone = nil, nil
	l.janitorMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// =============================================================================
// Lifecycle Management
// =============================================================================

// Shutdown rejects new submissions, cancels every live task and waits for
// the worker pool to drain or ctx to end.
func (l *Launcher) Shutdown(ctx context.Context) error {
	if !l.closed.CompareAndSwap(false, true) {
		return errors.New("launcher already closed")
	}
	l.StopJanitor()

	for _, h := range l.registry.Handles() {
		l.cancelHandle(h, "launcher shutting down")
	}
	l.baseCancel()

	stopped := make(chan struct{})
	go func() {
		l.pool.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
