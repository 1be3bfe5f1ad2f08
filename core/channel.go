package core

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"
)

// ChannelOptions configures a Channel. Zero values select the defaults.
type ChannelOptions struct {
	// QueueCapacity bounds each per-task best-effort queue.
	QueueCapacity int

	// QueueFactory creates per-task queues. It may fail; publishing then
	// falls back to the store path only.
	QueueFactory QueueFactory

	Logger  Logger
	Metrics Metrics
	Now     func() time.Time
}

// Channel is the publish side of task progress. Every event goes to the
// ProgressStore first (durable, authoritative order) and then to a
// process-local bounded queue that only serves to cut stream latency.
type Channel struct {
	store   *ProgressStore
	queues  *QueueSet
	logger  Logger
	metrics Metrics
	now     func() time.Time

	published   atomic.Int64
	storeErrors atomic.Int64
}

// NewChannel creates a channel writing through store.
func NewChannel(store *ProgressStore, opts ChannelOptions) *Channel {
	c := &Channel{
		store:   store,
		queues:  NewQueueSet(opts.QueueCapacity, opts.QueueFactory),
		logger:  orNoOp(opts.Logger),
		metrics: orNilMetrics(opts.Metrics),
		now:     opts.Now,
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Store returns the ProgressStore behind the channel.
func (c *Channel) Store() *ProgressStore { return c.store }

// Publish records ev for taskID. It never fails the caller: store errors are
// logged and counted, queue errors degrade silently. The return value reports
// whether the durable path recorded the event.
func (c *Channel) Publish(ctx context.Context, taskID string, ev Event) bool {
	if ev == nil {
		return false
	}
	c.published.Add(1)

	ev = finiteEvent(ev)
	h := ev.header()
	if h.Timestamp == 0 {
		h.Timestamp = unixSeconds(c.now())
		ev = ev.withHeader(h)
	}
	if ce, ok := ev.(CompleteEvent); ok {
		ce.Metrics = NormalizeMetricKeys(ce.Metrics)
		ev = ce
	}

	stored, err := c.store.AppendEvent(ctx, taskID, ev)
	switch {
	case err == nil:
		ev = stored
	case errors.Is(err, ErrEventThrottled):
		c.metrics.RecordEventPublished(ev.Type(), false)
		return false
	default:
		c.storeErrors.Add(1)
		c.metrics.RecordStoreError("append")
		c.logger.Warn("progress event not recorded",
			F("task_id", taskID),
			F("type", ev.Type()),
			F("error", err))
	}

	q, qerr := c.queues.Get(taskID, true)
	switch {
	case qerr != nil:
		c.metrics.RecordEventDropped("queue_unavailable")
		c.logger.Debug("best-effort queue unavailable",
			F("task_id", taskID),
			F("error", qerr))
	case !q.Push(ev):
		c.metrics.RecordEventDropped("queue_full")
	}

	c.metrics.RecordEventPublished(ev.Type(), err == nil)
	return err == nil
}

// GetUpdates drains up to max events from the task's best-effort queue
// without blocking. max <= 0 drains everything buffered. It returns nil when
// the queue does not exist or cannot be created.
func (c *Channel) GetUpdates(taskID string, max int) []Event {
	q, err := c.queues.Get(taskID, false)
	if err != nil || q == nil {
		return nil
	}
	return q.PopUpTo(max)
}

// Release discards the task's best-effort queue.
func (c *Channel) Release(taskID string) {
	c.queues.Release(taskID)
}

// Reporter returns a publish handle bound to taskID.
func (c *Channel) Reporter(taskID string) *TaskReporter {
	return &TaskReporter{channel: c, taskID: taskID}
}

// Stats reports queue occupancy and publish counters.
func (c *Channel) Stats() ChannelStats {
	s := c.queues.Stats()
	s.Published = c.published.Load()
	s.StoreErrors = c.storeErrors.Load()
	return s
}

// Diagnostics is a best-effort health snapshot of both delivery paths.
type Diagnostics struct {
	TaskID          string     `json:"task_id"`
	QueueAvailable  bool       `json:"queue_available"`
	QueueSize       int        `json:"queue_size"`
	QueueCapacity   int        `json:"queue_capacity"`
	QueueDropped    int64      `json:"queue_dropped"`
	ActiveQueues    int        `json:"active_queues"`
	RecordFound     bool       `json:"record_found"`
	Status          TaskStatus `json:"status,omitempty"`
	UpdateCount     int        `json:"update_count"`
	LastSeq         int64      `json:"last_seq"`
	LastActivityAge float64    `json:"last_activity_age_seconds"`
	StoreError      string     `json:"store_error,omitempty"`
	Timestamp       float64    `json:"timestamp"`
}

// Diagnostics inspects the queue and the store record for taskID.
func (c *Channel) Diagnostics(ctx context.Context, taskID string) Diagnostics {
	now := c.now()
	d := Diagnostics{
		TaskID:        taskID,
		QueueCapacity: c.queues.Capacity(),
		ActiveQueues:  c.queues.Stats().Queues,
		Timestamp:     unixSeconds(now),
	}
	if q, err := c.queues.Get(taskID, false); err == nil && q != nil {
		d.QueueAvailable = true
		d.QueueSize = q.Len()
		d.QueueDropped = q.Dropped()
	}

	rec, err := c.store.Get(ctx, taskID)
	switch {
	case err == nil:
		d.RecordFound = true
		d.Status = rec.Status
		d.UpdateCount = len(rec.Updates)
		d.LastSeq = rec.LastSeq()
		if rec.LastActivityTime > 0 {
			d.LastActivityAge = unixSeconds(now) - rec.LastActivityTime
		}
	case errors.Is(err, ErrRecordNotFound):
	default:
		d.StoreError = err.Error()
	}
	return d
}

var canonicalMetricNames = map[string]string{
	"mse":      "MSE",
	"rmse":     "RMSE",
	"mae":      "MAE",
	"mape":     "MAPE",
	"r2":       "R2",
	"r2_score": "R2",
	"accuracy": "Accuracy",
	"loss":     "Loss",
	"val_loss": "ValLoss",
}

// NormalizeMetricKeys rewrites known metric names to their canonical casing
// (mse becomes MSE, accuracy becomes Accuracy). Unknown keys pass through.
func NormalizeMetricKeys(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		if canon, ok := canonicalMetricNames[strings.ToLower(k)]; ok {
			k = canon
		}
		out[k] = v
	}
	return out
}
