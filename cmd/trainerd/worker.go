package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Swind/go-task-stream/core"
	"github.com/Swind/go-task-stream/internal/training"
	"github.com/urfave/cli/v2"
)

// workerCommand is started by CommandWork in process isolation mode. It reads
// one task spec from stdin and writes events and the outcome to stdout.
func workerCommand() *cli.Command {
	return &cli.Command{
		Name:   "worker",
		Usage:  "run a single training task over stdin/stdout (internal)",
		Hidden: true,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "log-level", Value: "info", EnvVars: []string{"TRAINERD_LOG_LEVEL"}},
			&cli.IntFlag{Name: "batches-per-epoch", Value: 20},
		},
		Action: workerAction,
	}
}

func workerAction(c *cli.Context) error {
	logger, err := newLogger(c.String("log-level"), false)
	if err != nil {
		return cli.Exit(fmt.Sprintf("logger: %v", err), 2)
	}
	defer func() { _ = logger.Sync() }()

	// The parent kills the process on cancel; SIGTERM is honoured as well.
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	trainer := training.NewTrainer(training.Options{
		BatchesPerEpoch: c.Int("batches-per-epoch"),
		Logger:          logger.Named("worker"),
	})
	if err := core.ServeWorker(ctx, os.Stdin, os.Stdout, trainer.Work()); err != nil {
		logger.Warn("worker task failed", core.F("error", err))
		return cli.Exit("", 1)
	}
	return nil
}
