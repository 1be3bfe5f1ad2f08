package core

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// poolTask is the unit a WorkerPool executes.
type poolTask func(ctx context.Context)

// WorkerPool manages a fixed set of worker goroutines pulling tasks from a
// FIFO. Tasks wait in the queue until a worker is free.
type WorkerPool struct {
	id      string
	workers int
	queue   *FIFOQueue[poolTask]
	signal  chan struct{}

	metricQueued atomic.Int32
	metricActive atomic.Int32

	panicHandler PanicHandler
	metrics      Metrics

	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	running   bool
	runningMu sync.RWMutex
	closed    atomic.Bool
}

// NewWorkerPool creates a pool with the given number of workers (minimum 1).
func NewWorkerPool(id string, workers int, panicHandler PanicHandler, metrics Metrics) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if panicHandler == nil {
		panicHandler = &DefaultPanicHandler{}
	}
	return &WorkerPool{
		id:           id,
		workers:      workers,
		queue:        NewFIFOQueue[poolTask](0),
		signal:       make(chan struct{}, workers*2),
		panicHandler: panicHandler,
		metrics:      orNilMetrics(metrics),
	}
}

// Start starts all worker goroutines
func (p *WorkerPool) Start(ctx context.Context) {
	p.runningMu.Lock()
	defer p.runningMu.Unlock()

	if p.running || p.closed.Load() {
		return
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.running = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(i, p.ctx)
	}
}

// Post queues task. It reports false once the pool is stopped.
func (p *WorkerPool) Post(task poolTask) bool {
	if p.closed.Load() {
		return false
	}
	p.queue.Push(task)
	p.metricQueued.Add(1)

	select {
	case p.signal <- struct{}{}:
	default:
		// Signal channel full, the task is already queued
	}
	return true
}

// Stop stops accepting tasks, cancels the worker context, drops queued
// tasks and waits for running tasks to return.
func (p *WorkerPool) Stop() {
	p.closed.Store(true)

	p.runningMu.Lock()
	if !p.running {
		p.runningMu.Unlock()
		p.clearQueue()
		return
	}
	p.runningMu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.clearQueue()

	p.runningMu.Lock()
	p.running = false
	p.runningMu.Unlock()
}

func (p *WorkerPool) clearQueue() {
	dropped := p.queue.PopUpTo(0)
	p.metricQueued.Add(-int32(len(dropped)))
}

// ID returns the pool ID
func (p *WorkerPool) ID() string { return p.id }

// IsRunning returns whether the pool is running
func (p *WorkerPool) IsRunning() bool {
	p.runningMu.RLock()
	defer p.runningMu.RUnlock()
	return p.running
}

// Stats returns a snapshot of queue and worker state.
func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{
		ID:      p.id,
		Workers: p.workers,
		Queued:  int(p.metricQueued.Load()),
		Active:  int(p.metricActive.Load()),
		Running: p.IsRunning(),
	}
}

func (p *WorkerPool) getWork(stopCh <-chan struct{}) (poolTask, bool) {
	for {
		if task, ok := p.queue.Pop(); ok {
			p.metricQueued.Add(-1)
			return task, true
		}

		select {
		case <-p.signal:
			continue
		case <-stopCh:
			return nil, false
		}
	}
}

func (p *WorkerPool) workerLoop(id int, ctx context.Context) {
	defer p.wg.Done()
	stopCh := ctx.Done()

	for {
		task, ok := p.getWork(stopCh)
		if !ok {
			return
		}

		p.metricActive.Add(1)
		func() {
			defer func() {
				p.metricActive.Add(-1)
				if r := recover(); r != nil {
					p.metrics.RecordTaskPanic(p.id, r)
					p.panicHandler.HandlePanic(ctx, p.id, id, r, debug.Stack())
				}
			}()
			task(ctx)
		}()
	}
}
