package core

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// PanicHandler: Interface for handling worker panics
// =============================================================================

// PanicHandler is called when a Work function or pool task panics.
//
// Implementations should be thread-safe as they may be called concurrently.
type PanicHandler interface {
	// HandlePanic is called with the recovered value and the stack at the time of panic.
	// workerID is the pool worker index, or -1 when the panic did not happen on a pool worker.
	HandlePanic(ctx context.Context, component string, workerID int, panicInfo any, stackTrace []byte)
}

// DefaultPanicHandler provides a basic panic handler that logs to stdout.
type DefaultPanicHandler struct{}

// HandlePanic prints panic information to stdout.
func (h *DefaultPanicHandler) HandlePanic(ctx context.Context, component string, workerID int, panicInfo any, stackTrace []byte) {
	if workerID >= 0 {
		fmt.Printf("[Worker %d @ %s] Panic: %v\nStack trace:\n%s",
			workerID, component, panicInfo, stackTrace)
	} else {
		fmt.Printf("[%s] Panic: %v\nStack trace:\n%s",
			component, panicInfo, stackTrace)
	}
}

// =============================================================================
// Metrics: Interface for observability and monitoring
// =============================================================================

// Metrics collects task, delivery and stream counters.
// Methods should be non-blocking and fast; they are called on hot paths.
type Metrics interface {
	// RecordTaskSubmitted counts an accepted submission.
	RecordTaskSubmitted()

	// RecordTaskFinished records a terminal transition and the run time since submission.
	RecordTaskFinished(status TaskStatus, duration time.Duration)

	// RecordTaskPanic records a recovered panic.
	RecordTaskPanic(component string, panicInfo any)

	// RecordEventPublished records a Channel.Publish call and whether the durable path kept it.
	RecordEventPublished(eventType EventType, stored bool)

	// RecordEventDropped records an event that missed the best-effort queue.
	RecordEventDropped(reason string)

	// RecordStoreError records a failed ProgressStore operation.
	RecordStoreError(operation string)

	// RecordStreamOpened and RecordStreamClosed bracket an UpdateStream run.
	RecordStreamOpened()
	RecordStreamClosed(reason string)

	// RecordFrame counts a wire frame written to a client.
	RecordFrame(frameType string)
}

// NilMetrics provides a no-op metrics implementation that does nothing.
// This is the default when no metrics interface is provided.
type NilMetrics struct{}

var _ Metrics = (*NilMetrics)(nil)

func (m *NilMetrics) RecordTaskSubmitted()                                        {}
func (m *NilMetrics) RecordTaskFinished(status TaskStatus, duration time.Duration) {}
func (m *NilMetrics) RecordTaskPanic(component string, panicInfo any)             {}
func (m *NilMetrics) RecordEventPublished(eventType EventType, stored bool)       {}
func (m *NilMetrics) RecordEventDropped(reason string)                            {}
func (m *NilMetrics) RecordStoreError(operation string)                           {}
func (m *NilMetrics) RecordStreamOpened()                                         {}
func (m *NilMetrics) RecordStreamClosed(reason string)                            {}
func (m *NilMetrics) RecordFrame(frameType string)                                {}

func orNilMetrics(m Metrics) Metrics {
	if m == nil {
		return &NilMetrics{}
	}
	return m
}
