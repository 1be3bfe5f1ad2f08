package taskstream

import (
	"context"
	"sync"

	"github.com/Swind/go-task-stream/core"
)

// Options configures a Service. A nil Cache selects an in-memory cache.
type Options struct {
	Cache    core.Cache
	Store    core.StoreOptions
	Channel  core.ChannelOptions
	Launcher core.LauncherOptions
	Stream   core.StreamOptions
}

// Service wires a ProgressStore, a Channel and a Launcher over one Cache.
type Service struct {
	store      *core.ProgressStore
	channel    *core.Channel
	launcher   *core.Launcher
	streamOpts core.StreamOptions
}

// NewService creates a Service. Call Start before submitting tasks.
func NewService(opts Options) *Service {
	backend := opts.Cache
	if backend == nil {
		backend = core.NewMemoryCache()
	}
	store := core.NewProgressStore(backend, opts.Store)
	channel := core.NewChannel(store, opts.Channel)
	launcher := core.NewLauncher(channel, opts.Launcher)
	if opts.Channel.Logger != nil {
		launcher.SetLogger(opts.Channel.Logger)
	}
	return &Service{
		store:      store,
		channel:    channel,
		launcher:   launcher,
		streamOpts: opts.Stream,
	}
}

// Start starts the launcher's worker pool.
func (s *Service) Start(ctx context.Context) { s.launcher.Start(ctx) }

// Store returns the progress store.
func (s *Service) Store() *core.ProgressStore { return s.store }

// Channel returns the publish side.
func (s *Service) Channel() *core.Channel { return s.channel }

// Launcher returns the launcher.
func (s *Service) Launcher() *core.Launcher { return s.launcher }

// Submit launches work for req.
func (s *Service) Submit(ctx context.Context, req SubmitRequest, work Work) (*Handle, error) {
	return s.launcher.Submit(ctx, req, work)
}

// Cancel cancels a task known to this service's launcher.
func (s *Service) Cancel(taskID string) (bool, error) { return s.launcher.Cancel(taskID) }

// Progress returns the stored record of a task.
func (s *Service) Progress(ctx context.Context, taskID string) (*Record, error) {
	return s.store.Get(ctx, taskID)
}

// Stream creates an UpdateStream for taskID using the service's stream options.
func (s *Service) Stream(taskID string) *core.UpdateStream {
	return core.NewUpdateStream(taskID, s.store, s.channel, s.streamOpts)
}

// Shutdown cancels live tasks and waits for the workers to stop.
func (s *Service) Shutdown(ctx context.Context) error { return s.launcher.Shutdown(ctx) }

// =============================================================================
// Default Service Helper (Singleton)
// =============================================================================

var (
	defaultService *Service
	defaultMu      sync.Mutex
)

// InitDefault creates and starts the process-wide Service. Later calls are no-ops.
func InitDefault(opts Options) {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultService != nil {
		return
	}
	defaultService = NewService(opts)
	defaultService.Start(context.Background())
}

// Default returns the process-wide Service.
// It panics if InitDefault has not been called.
func Default() *Service {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultService == nil {
		panic("default Service not initialized. Call InitDefault() first.")
	}
	return defaultService
}

// ShutdownDefault shuts down the process-wide Service.
func ShutdownDefault(ctx context.Context) error {
	defaultMu.Lock()
	svc := defaultService
	defaultService = nil
	defaultMu.Unlock()

	if svc == nil {
		return nil
	}
	return svc.Shutdown(ctx)
}
