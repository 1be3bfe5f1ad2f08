package prometheus

import (
	"context"
	"sync"
	"time"

	"github.com/Swind/go-task-stream/core"
	prom "github.com/prometheus/client_golang/prometheus"
)

// LauncherSnapshotProvider provides current launcher stats snapshots.
type LauncherSnapshotProvider interface {
	Stats() core.LauncherStats
}

// ChannelSnapshotProvider provides current channel stats snapshots.
type ChannelSnapshotProvider interface {
	Stats() core.ChannelStats
}

// SnapshotPoller periodically exports launcher/channel Stats() snapshots into Prometheus gauges.
type SnapshotPoller struct {
	interval time.Duration

	launchersMu sync.RWMutex
	launchers   map[string]LauncherSnapshotProvider

	channelsMu sync.RWMutex
	channels   map[string]ChannelSnapshotProvider

	tasks          *prom.GaugeVec
	launcherClosed *prom.GaugeVec

	poolQueued  *prom.GaugeVec
	poolActive  *prom.GaugeVec
	poolWorkers *prom.GaugeVec
	poolRunning *prom.GaugeVec

	queues      *prom.GaugeVec
	buffered    *prom.GaugeVec
	dropped     *prom.GaugeVec
	published   *prom.GaugeVec
	storeErrors *prom.GaugeVec

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSnapshotPoller creates a snapshot poller and registers its collectors.
func NewSnapshotPoller(reg prom.Registerer, interval time.Duration) (*SnapshotPoller, error) {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	gauge := func(name, help string, labels ...string) *prom.GaugeVec {
		return prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: defaultNamespace,
			Name:      name,
			Help:      help,
		}, labels)
	}
	p := &SnapshotPoller{
		interval:       interval,
		launchers:      make(map[string]LauncherSnapshotProvider),
		channels:       make(map[string]ChannelSnapshotProvider),
		tasks:          gauge("launcher_tasks", "Registered tasks per launcher and status.", "launcher", "status"),
		launcherClosed: gauge("launcher_closed", "Launcher closed state (1=closed, 0=open).", "launcher"),
		poolQueued:     gauge("pool_queued", "Tasks waiting for a worker.", "launcher"),
		poolActive:     gauge("pool_active", "Tasks currently executing.", "launcher"),
		poolWorkers:    gauge("pool_workers", "Worker count per pool.", "launcher"),
		poolRunning:    gauge("pool_running", "Pool running state (1=running, 0=stopped).", "launcher"),
		queues:         gauge("channel_queues", "Live best-effort queues.", "channel"),
		buffered:       gauge("channel_buffered_events", "Events buffered in best-effort queues.", "channel"),
		dropped:        gauge("channel_dropped_events", "Events dropped by full queues, snapshot.", "channel"),
		published:      gauge("channel_published_events", "Events published, snapshot.", "channel"),
		storeErrors:    gauge("channel_store_errors", "Events the store did not record, snapshot.", "channel"),
	}

	for _, g := range []**prom.GaugeVec{
		&p.tasks, &p.launcherClosed,
		&p.poolQueued, &p.poolActive, &p.poolWorkers, &p.poolRunning,
		&p.queues, &p.buffered, &p.dropped, &p.published, &p.storeErrors,
	} {
		registered, err := registerCollector(reg, *g)
		if err != nil {
			return nil, err
		}
		*g = registered
	}
	return p, nil
}

// AddLauncher adds or replaces a launcher snapshot provider by name.
func (p *SnapshotPoller) AddLauncher(name string, provider LauncherSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "launcher")
	p.launchersMu.Lock()
	p.launchers[name] = provider
	p.launchersMu.Unlock()
}

// AddChannel adds or replaces a channel snapshot provider by name.
func (p *SnapshotPoller) AddChannel(name string, provider ChannelSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "channel")
	p.channelsMu.Lock()
	p.channels[name] = provider
	p.channelsMu.Unlock()
}

// Start begins periodic polling; repeated calls are no-ops.
func (p *SnapshotPoller) Start(ctx context.Context) {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if p.running {
		p.stateMu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.stateMu.Unlock()

	go p.loop(pollCtx, p.done)
}

// Stop stops periodic polling; repeated calls are safe.
func (p *SnapshotPoller) Stop() {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if !p.running {
		p.stateMu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	p.stateMu.Lock()
	p.running = false
	p.cancel = nil
	p.done = nil
	p.stateMu.Unlock()
}

func (p *SnapshotPoller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.collectOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.collectOnce()
		}
	}
}

func (p *SnapshotPoller) collectOnce() {
	p.launchersMu.RLock()
	for name, provider := range p.launchers {
		stats := provider.Stats()
		p.tasks.WithLabelValues(name, string(core.StatusPending)).Set(float64(stats.Pending))
		p.tasks.WithLabelValues(name, string(core.StatusRunning)).Set(float64(stats.Running))
		p.tasks.WithLabelValues(name, string(core.StatusCompleted)).Set(float64(stats.Completed))
		p.tasks.WithLabelValues(name, string(core.StatusFailed)).Set(float64(stats.Failed))
		p.tasks.WithLabelValues(name, string(core.StatusCancelled)).Set(float64(stats.Cancelled))
		p.launcherClosed.WithLabelValues(name).Set(boolGauge(stats.Closed))

		p.poolQueued.WithLabelValues(name).Set(float64(stats.Pool.Queued))
		p.poolActive.WithLabelValues(name).Set(float64(stats.Pool.Active))
		p.poolWorkers.WithLabelValues(name).Set(float64(stats.Pool.Workers))
		p.poolRunning.WithLabelValues(name).Set(boolGauge(stats.Pool.Running))
	}
	p.launchersMu.RUnlock()

	p.channelsMu.RLock()
	for name, provider := range p.channels {
		stats := provider.Stats()
		p.queues.WithLabelValues(name).Set(float64(stats.Queues))
		p.buffered.WithLabelValues(name).Set(float64(stats.Buffered))
		p.dropped.WithLabelValues(name).Set(float64(stats.Dropped))
		p.published.WithLabelValues(name).Set(float64(stats.Published))
		p.storeErrors.WithLabelValues(name).Set(float64(stats.StoreErrors))
	}
	p.channelsMu.RUnlock()
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
