package prometheus

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Swind/go-task-stream/core"
	prom "github.com/prometheus/client_golang/prometheus"
)

const defaultNamespace = "taskstream"

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	DurationBuckets []float64
}

// MetricsExporter adapts core.Metrics to Prometheus collectors.
type MetricsExporter struct {
	tasksSubmitted  prom.Counter
	taskDuration    *prom.HistogramVec
	panicTotal      *prom.CounterVec
	eventsPublished *prom.CounterVec
	eventsDropped   *prom.CounterVec
	storeErrors     *prom.CounterVec
	streamsActive   prom.Gauge
	streamsClosed   *prom.CounterVec
	framesTotal     *prom.CounterVec
}

var _ core.Metrics = (*MetricsExporter)(nil)

// NewMetricsExporter creates and registers Prometheus collectors for core.Metrics.
func NewMetricsExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*MetricsExporter, error) {
	if namespace == "" {
		namespace = defaultNamespace
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		// Training runs take minutes to hours.
		buckets = prom.ExponentialBuckets(1, 4, 8)
	}

	submitted := prom.NewCounter(prom.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_submitted_total",
		Help:      "Total number of accepted task submissions.",
	})
	durationVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "task_duration_seconds",
		Help:      "Task duration from submission to terminal state, in seconds.",
		Buckets:   buckets,
	}, []string{"status"})
	panicVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "panic_total",
		Help:      "Total number of recovered panics.",
	}, []string{"component"})
	publishedVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "events_published_total",
		Help:      "Total number of progress events published.",
	}, []string{"type", "stored"})
	droppedVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Total number of events the best-effort queue did not take.",
	}, []string{"reason"})
	storeErrVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "store_errors_total",
		Help:      "Total number of failed progress store operations.",
	}, []string{"operation"})
	streamsActive := prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "streams_active",
		Help:      "Number of connected update streams.",
	})
	closedVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "streams_closed_total",
		Help:      "Total number of closed update streams.",
	}, []string{"reason"})
	framesVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "frames_total",
		Help:      "Total number of frames written to clients.",
	}, []string{"type"})

	var err error
	if submitted, err = registerCollector(reg, submitted); err != nil {
		return nil, err
	}
	if durationVec, err = registerCollector(reg, durationVec); err != nil {
		return nil, err
	}
	if panicVec, err = registerCollector(reg, panicVec); err != nil {
		return nil, err
	}
	if publishedVec, err = registerCollector(reg, publishedVec); err != nil {
		return nil, err
	}
	if droppedVec, err = registerCollector(reg, droppedVec); err != nil {
		return nil, err
	}
	if storeErrVec, err = registerCollector(reg, storeErrVec); err != nil {
		return nil, err
	}
	if streamsActive, err = registerCollector(reg, streamsActive); err != nil {
		return nil, err
	}
	if closedVec, err = registerCollector(reg, closedVec); err != nil {
		return nil, err
	}
	if framesVec, err = registerCollector(reg, framesVec); err != nil {
		return nil, err
	}

	return &MetricsExporter{
		tasksSubmitted:  submitted,
		taskDuration:    durationVec,
		panicTotal:      panicVec,
		eventsPublished: publishedVec,
		eventsDropped:   droppedVec,
		storeErrors:     storeErrVec,
		streamsActive:   streamsActive,
		streamsClosed:   closedVec,
		framesTotal:     framesVec,
	}, nil
}

func (m *MetricsExporter) RecordTaskSubmitted() {
	if m == nil {
		return
	}
	m.tasksSubmitted.Inc()
}

func (m *MetricsExporter) RecordTaskFinished(status core.TaskStatus, duration time.Duration) {
	if m == nil {
		return
	}
	m.taskDuration.WithLabelValues(normalizeLabel(string(status), "unknown")).Observe(duration.Seconds())
}

func (m *MetricsExporter) RecordTaskPanic(component string, panicInfo any) {
	if m == nil {
		return
	}
	m.panicTotal.WithLabelValues(normalizeLabel(component, "unknown")).Inc()
}

func (m *MetricsExporter) RecordEventPublished(eventType core.EventType, stored bool) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(normalizeLabel(string(eventType), "unknown"), strconv.FormatBool(stored)).Inc()
}

func (m *MetricsExporter) RecordEventDropped(reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(normalizeLabel(reason, "unknown")).Inc()
}

func (m *MetricsExporter) RecordStoreError(operation string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(normalizeLabel(operation, "unknown")).Inc()
}

func (m *MetricsExporter) RecordStreamOpened() {
	if m == nil {
		return
	}
	m.streamsActive.Inc()
}

func (m *MetricsExporter) RecordStreamClosed(reason string) {
	if m == nil {
		return
	}
	m.streamsActive.Dec()
	m.streamsClosed.WithLabelValues(normalizeLabel(reason, "unknown")).Inc()
}

func (m *MetricsExporter) RecordFrame(frameType string) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(normalizeLabel(frameType, "unknown")).Inc()
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
