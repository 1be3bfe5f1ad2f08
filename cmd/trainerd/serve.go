package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Swind/go-task-stream/cache"
	"github.com/Swind/go-task-stream/core"
	"github.com/Swind/go-task-stream/internal/auth"
	"github.com/Swind/go-task-stream/internal/config"
	"github.com/Swind/go-task-stream/internal/httpapi"
	"github.com/Swind/go-task-stream/internal/training"
	promexporter "github.com/Swind/go-task-stream/observability/prometheus"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
)

const shutdownTimeout = 15 * time.Second

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "run the HTTP API and the training launcher",
		Flags:  config.Flags(),
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	cfg, err := config.FromContext(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid configuration:\n%v", err), 2)
	}
	logger, err := newLogger(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		return cli.Exit(fmt.Sprintf("logger: %v", err), 2)
	}
	defer func() { _ = logger.Sync() }()
	if !cfg.LogDev {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, closeBackend, err := cache.Open(ctx, cfg.Cache)
	if err != nil {
		return cli.Exit(fmt.Sprintf("progress backend: %v", err), 1)
	}
	defer func() { _ = closeBackend() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := promexporter.NewMetricsExporter("taskstream", reg, promexporter.ExporterOptions{})
	if err != nil {
		return err
	}
	poller, err := promexporter.NewSnapshotPoller(reg, cfg.MetricsInterval)
	if err != nil {
		return err
	}

	store := core.NewProgressStore(backend, core.StoreOptions{
		MaxEvents: cfg.MaxEvents,
		TTL:       cfg.RecordTTL,
	})
	channel := core.NewChannel(store, core.ChannelOptions{
		QueueCapacity: cfg.QueueCapacity,
		Logger:        logger.Named("channel"),
		Metrics:       metrics,
	})
	launcher := core.NewLauncher(channel, core.LauncherOptions{
		Name:       "trainer",
		MaxWorkers: cfg.MaxWorkers,
		Retention:  cfg.Retention,
		Metrics:    metrics,
	})
	launcherLog := logger.Named("launcher")
	launcher.SetLogger(launcherLog)
	launcher.SetErrorHandler(func(taskID, operation string, err error) {
		launcherLog.Error("store write abandoned",
			core.F("task_id", taskID),
			core.F("operation", operation),
			core.F("error", err))
	})

	var work core.Work
	switch cfg.Isolation {
	case config.IsolationProcess:
		work = core.CommandWork(core.CommandSpec{
			Path: cfg.WorkerCommand,
			Args: []string{"worker", "--log-level", cfg.LogLevel},
		}, logger.Named("worker"))
	default:
		work = training.NewTrainer(training.Options{Logger: logger.Named("trainer")}).Work()
	}

	launcher.Start(ctx)
	launcher.StartJanitor(ctx, cfg.JanitorInterval)
	stopPurger := cache.StartPurger(ctx, backend, cfg.JanitorInterval, logger.Named("cache"))
	defer stopPurger()
	poller.AddLauncher("trainer", launcher)
	poller.AddChannel("progress", channel)
	poller.Start(ctx)
	defer poller.Stop()

	var issuer *auth.Issuer
	if !cfg.AuthDisabled {
		issuer = auth.NewIssuer(cfg.JWTSecret)
	}
	api := httpapi.NewServer(launcher, work, httpapi.Options{
		Issuer: issuer,
		Stream: core.StreamOptions{
			PollInterval:      cfg.PollInterval,
			HeartbeatInterval: cfg.HeartbeatInterval,
			Metrics:           metrics,
		},
		Logger:   logger.Named("http"),
		Gatherer: reg,
	})
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("trainerd listening",
			core.F("addr", cfg.Addr),
			core.F("cache", cfg.Cache.Driver),
			core.F("isolation", cfg.Isolation),
			core.F("max_workers", cfg.MaxWorkers))
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", core.F("error", err))
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Cancelling the tasks first makes open streams emit their complete frames.
	if err := launcher.Shutdown(shutdownCtx); err != nil {
		logger.Warn("launcher shutdown incomplete", core.F("error", err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", core.F("error", err))
	}
	return nil
}
