package core

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
)

// Stream defaults.
const (
	DefaultPollInterval         = 50 * time.Millisecond
	DefaultHeartbeatInterval    = time.Second
	DefaultQueueDrainEvery      = 5
	DefaultDiagnosticsIdleTicks = 200
	DefaultMissingGrace         = 10 * time.Second
)

// StreamOptions configures an UpdateStream. Zero values select the defaults.
type StreamOptions struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration

	// QueueDrainEvery is the number of idle ticks between best-effort queue drains.
	QueueDrainEvery int

	// DiagnosticsIdleTicks is the number of idle ticks between diagnostics frames.
	DiagnosticsIdleTicks int

	// MissingGrace is how long the record may be absent before the stream
	// gives up with a failed complete frame.
	MissingGrace time.Duration

	DedupeCapacity int

	Logger  Logger
	Metrics Metrics
	Now     func() time.Time
}

func (o StreamOptions) withDefaults() StreamOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.QueueDrainEvery <= 0 {
		o.QueueDrainEvery = DefaultQueueDrainEvery
	}
	if o.DiagnosticsIdleTicks <= 0 {
		o.DiagnosticsIdleTicks = DefaultDiagnosticsIdleTicks
	}
	if o.MissingGrace <= 0 {
		o.MissingGrace = DefaultMissingGrace
	}
	if o.DedupeCapacity <= 0 {
		o.DedupeCapacity = defaultDedupeCapacity
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	o.Logger = orNoOp(o.Logger)
	o.Metrics = orNilMetrics(o.Metrics)
	return o
}

// UpdateStream relays one task's progress to one client as an ordered,
// de-duplicated sequence of frames ending in complete and close.
//
// The store is the source of truth: events are delivered in store sequence
// order using a cursor. The channel queue is drained on idle ticks only, and
// only events that extend the cursor contiguously (or were never sequenced
// because the store write failed) are taken from it.
//
// An UpdateStream is used by a single goroutine and never writes to the store.
type UpdateStream struct {
	id      string
	taskID  string
	store   *ProgressStore
	channel *Channel
	opts    StreamOptions

	cursor       int64
	seen         *seenKeys
	idleTicks    int
	lastWrite    time.Time
	lastComplete *CompleteEvent
	missingSince time.Time
}

// NewUpdateStream creates a stream for taskID. channel may be nil, in which
// case only the store is polled.
func NewUpdateStream(taskID string, store *ProgressStore, channel *Channel, opts StreamOptions) *UpdateStream {
	opts = opts.withDefaults()
	return &UpdateStream{
		id:      uuid.NewString(),
		taskID:  taskID,
		store:   store,
		channel: channel,
		opts:    opts,
		seen:    newSeenKeys(opts.DedupeCapacity),
	}
}

// ID returns the stream's connection id.
func (s *UpdateStream) ID() string { return s.id }

// Cursor returns the sequence number of the last delivered store event.
func (s *UpdateStream) Cursor() int64 { return s.cursor }

// writeError marks a FrameWriter failure, which ends the stream.
type writeError struct{ err error }

func (e *writeError) Error() string { return "write frame: " + e.err.Error() }
func (e *writeError) Unwrap() error { return e.err }

// Run writes frames to w until the task is terminal, ctx is cancelled, or w
// fails. It returns nil after the close frame, ctx.Err() on disconnect, and
// the writer's error otherwise.
func (s *UpdateStream) Run(ctx context.Context, w FrameWriter) (err error) {
	s.opts.Metrics.RecordStreamOpened()
	reason := "terminal"
	defer func() { s.opts.Metrics.RecordStreamClosed(reason) }()

	logger := s.opts.Logger
	logger.Debug("update stream opened", F("task_id", s.taskID), F("stream_id", s.id))

	now := s.opts.Now()
	if err := s.write(w, Frame{Event: FrameConnection, Data: map[string]any{
		"status":    "connected",
		"task_id":   s.taskID,
		"stream_id": s.id,
		"timestamp": unixSeconds(now),
	}}); err != nil {
		reason = "write_error"
		return err
	}
	if err := s.write(w, Frame{Event: FrameLog, Data: LogEvent{
		Header:  Header{Timestamp: unixSeconds(now)},
		Message: fmt.Sprintf("Monitoring training %s", s.taskID),
		Level:   "info",
	}}); err != nil {
		reason = "write_error"
		return err
	}

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			reason = "client_gone"
			logger.Debug("update stream client gone", F("task_id", s.taskID), F("stream_id", s.id))
			return ctx.Err()
		case <-ticker.C:
		}

		done, err := s.tick(ctx, w)
		if err == nil {
			if done {
				return nil
			}
			continue
		}

		var werr *writeError
		if errors.As(err, &werr) || done {
			reason = "write_error"
			return err
		}
		if ctx.Err() != nil {
			reason = "client_gone"
			return ctx.Err()
		}
		logger.Warn("update stream tick failed",
			F("task_id", s.taskID),
			F("stream_id", s.id),
			F("error", err))
		if werr := s.write(w, Frame{Event: FrameError, Data: ErrorEvent{
			Header:  Header{Timestamp: unixSeconds(s.opts.Now())},
			Message: "stream error",
			Detail:  err.Error(),
		}}); werr != nil {
			reason = "write_error"
			return werr
		}
	}
}

// tick performs one poll. A panic is converted to an error so the loop survives.
func (s *UpdateStream) tick(ctx context.Context, w FrameWriter) (done bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.opts.Metrics.RecordTaskPanic("update_stream", r)
			s.opts.Logger.Error("update stream tick panicked",
				F("task_id", s.taskID),
				F("panic", r),
				F("stack", string(debug.Stack())))
			done, err = false, panicError(r)
		}
	}()

	now := s.opts.Now()
	rec, err := s.store.Get(ctx, s.taskID)
	switch {
	case errors.Is(err, ErrRecordNotFound):
		return s.onMissing(ctx, w, now)
	case err != nil:
		return false, fmt.Errorf("read progress: %w", err)
	}
	s.missingSince = time.Time{}

	delivered := 0
	for _, ev := range rec.Since(s.cursor) {
		if seq := EventSeq(ev); seq > s.cursor {
			s.cursor = seq
		}
		n, err := s.deliver(w, ev)
		delivered += n
		if err != nil {
			return false, err
		}
	}

	if rec.Status.IsTerminal() {
		return true, s.finish(w, rec)
	}

	if delivered > 0 {
		s.idleTicks = 0
		return false, nil
	}
	return false, s.idle(ctx, w, rec, now)
}

// idle handles a tick with nothing new in the store.
func (s *UpdateStream) idle(ctx context.Context, w FrameWriter, rec *Record, now time.Time) error {
	s.idleTicks++

	if s.channel != nil && s.idleTicks%s.opts.QueueDrainEvery == 0 {
		delivered, err := s.drainQueue(w)
		if err != nil || delivered > 0 {
			return err
		}
	}

	if s.channel != nil && s.idleTicks%s.opts.DiagnosticsIdleTicks == 0 {
		if err := s.write(w, Frame{Event: FrameDiagnostics, Data: s.channel.Diagnostics(ctx, s.taskID)}); err != nil {
			return err
		}
	}

	if now.Sub(s.lastWrite) >= s.opts.HeartbeatInterval {
		hb := NewHeartbeat("", float64(s.idleTicks)*s.opts.PollInterval.Seconds())
		hb.Timestamp = unixSeconds(now)
		if rec != nil {
			hb.Status = rec.Status
		}
		return s.write(w, Frame{Event: FrameHeartbeat, Data: hb})
	}
	return nil
}

// drainQueue takes events from the best-effort queue that cannot reorder
// the store sequence: unsequenced events, and events continuing the cursor.
func (s *UpdateStream) drainQueue(w FrameWriter) (int, error) {
	delivered := 0
	for _, ev := range s.channel.GetUpdates(s.taskID, 0) {
		seq := EventSeq(ev)
		switch {
		case seq == 0:
		case seq == s.cursor+1:
			s.cursor = seq
		default:
			continue
		}
		n, err := s.deliver(w, ev)
		delivered += n
		if err != nil {
			return delivered, err
		}
	}
	return delivered, nil
}

// deliver translates ev into at most one frame. It returns the number of
// events consumed, which includes folded and suppressed ones.
func (s *UpdateStream) deliver(w FrameWriter, ev Event) (int, error) {
	switch e := ev.(type) {
	case CompleteEvent:
		s.lastComplete = &e
		return 1, nil
	case HeartbeatEvent:
		return 1, s.write(w, Frame{Event: FrameHeartbeat, Data: e})
	}

	if key, ok := DedupeKey(ev); ok && !s.seen.Add(key) {
		return 1, nil
	}
	return 1, s.write(w, Frame{Event: string(ev.Type()), Data: ev})
}

// finish writes the synthesized complete frame and the close frame.
func (s *UpdateStream) finish(w FrameWriter, rec *Record) error {
	payload := AssembleComplete(rec, s.lastComplete)
	if payload.Timestamp == 0 {
		payload.Timestamp = unixSeconds(s.opts.Now())
	}
	if err := s.write(w, Frame{Event: FrameComplete, Data: payload}); err != nil {
		return err
	}
	s.opts.Logger.Debug("update stream finished",
		F("task_id", s.taskID),
		F("stream_id", s.id),
		F("status", payload.Status))
	return s.write(w, Frame{Event: FrameClose, Data: map[string]any{
		"status":  payload.Status,
		"task_id": s.taskID,
	}})
}

func (s *UpdateStream) onMissing(ctx context.Context, w FrameWriter, now time.Time) (bool, error) {
	if s.missingSince.IsZero() {
		s.missingSince = now
	}
	if now.Sub(s.missingSince) < s.opts.MissingGrace {
		return false, s.idle(ctx, w, nil, now)
	}

	msg := fmt.Sprintf("training %s not found", s.taskID)
	if err := s.write(w, Frame{Event: FrameError, Data: ErrorEvent{
		Header:  Header{Timestamp: unixSeconds(now)},
		Message: msg,
	}}); err != nil {
		return false, err
	}
	rec := &Record{TaskID: s.taskID, Status: StatusFailed, Error: msg}
	return true, s.finish(w, rec)
}

func (s *UpdateStream) write(w FrameWriter, f Frame) error {
	if err := w.WriteFrame(f); err != nil {
		return &writeError{err: err}
	}
	s.opts.Metrics.RecordFrame(f.Event)
	s.lastWrite = s.opts.Now()
	return nil
}
