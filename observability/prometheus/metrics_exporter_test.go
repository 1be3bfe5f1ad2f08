package prometheus

import (
	"testing"
	"time"

	"github.com/Swind/go-task-stream/core"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestMetricsExporter_RecordMethods(t *testing.T) {
	reg := prom.NewRegistry()
	exporter, err := NewMetricsExporter("taskstream", reg, ExporterOptions{})
	if err != nil {
		t.Fatalf("NewMetricsExporter failed: %v", err)
	}

	exporter.RecordTaskSubmitted()
	exporter.RecordTaskFinished(core.StatusCompleted, 90*time.Second)
	exporter.RecordTaskPanic("launcher", "panic")
	exporter.RecordEventPublished(core.EventLog, true)
	exporter.RecordEventPublished(core.EventLog, false)
	exporter.RecordEventDropped("queue_full")
	exporter.RecordStoreError("append")
	exporter.RecordStreamOpened()
	exporter.RecordStreamOpened()
	exporter.RecordStreamClosed("terminal")
	exporter.RecordFrame(core.FrameHeartbeat)

	if got := testutil.ToFloat64(exporter.tasksSubmitted); got != 1 {
		t.Fatalf("submitted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(exporter.panicTotal.WithLabelValues("launcher")); got != 1 {
		t.Fatalf("panic total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(exporter.eventsPublished.WithLabelValues("log", "false")); got != 1 {
		t.Fatalf("unstored log events = %v, want 1", got)
	}
	if got := testutil.ToFloat64(exporter.eventsDropped.WithLabelValues("queue_full")); got != 1 {
		t.Fatalf("dropped = %v, want 1", got)
	}
	if got := testutil.ToFloat64(exporter.storeErrors.WithLabelValues("append")); got != 1 {
		t.Fatalf("store errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(exporter.streamsActive); got != 1 {
		t.Fatalf("active streams = %v, want 1", got)
	}
	if got := testutil.ToFloat64(exporter.streamsClosed.WithLabelValues("terminal")); got != 1 {
		t.Fatalf("closed streams = %v, want 1", got)
	}
	if got := testutil.ToFloat64(exporter.framesTotal.WithLabelValues("heartbeat")); got != 1 {
		t.Fatalf("heartbeat frames = %v, want 1", got)
	}

	histCount, err := histogramSampleCount(exporter.taskDuration.WithLabelValues("completed"))
	if err != nil {
		t.Fatalf("histogramSampleCount failed: %v", err)
	}
	if histCount != 1 {
		t.Fatalf("duration sample count = %d, want 1", histCount)
	}
}

func TestMetricsExporter_AlreadyRegisteredReuse(t *testing.T) {
	reg := prom.NewRegistry()
	first, err := NewMetricsExporter("taskstream", reg, ExporterOptions{})
	if err != nil {
		t.Fatalf("first NewMetricsExporter failed: %v", err)
	}
	second, err := NewMetricsExporter("taskstream", reg, ExporterOptions{})
	if err != nil {
		t.Fatalf("second NewMetricsExporter failed: %v", err)
	}

	first.RecordTaskPanic("update_stream", nil)
	second.RecordTaskPanic("update_stream", nil)

	got := testutil.ToFloat64(first.panicTotal.WithLabelValues("update_stream"))
	if got != 2 {
		t.Fatalf("shared panic counter = %v, want 2", got)
	}
}

func TestMetricsExporter_NilSafe(t *testing.T) {
	var exporter *MetricsExporter
	exporter.RecordTaskSubmitted()
	exporter.RecordStreamClosed("client_gone")
}

func histogramSampleCount(observer prom.Observer) (uint64, error) {
	collector, ok := observer.(prom.Collector)
	if !ok {
		return 0, nil
	}

	metricCh := make(chan prom.Metric, 1)
	collector.Collect(metricCh)
	close(metricCh)
	for metric := range metricCh {
		msg := &dto.Metric{}
		if err := metric.Write(msg); err != nil {
			return 0, err
		}
		if msg.Histogram != nil {
			return msg.Histogram.GetSampleCount(), nil
		}
	}
	return 0, nil
}
