// Command trainerd runs training tasks in the background and streams their
// progress to HTTP clients.
package main

import (
	"fmt"
	"os"

	"github.com/Swind/go-task-stream/internal/config"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := config.LoadDotEnv(os.Getenv("TRAINERD_ENV_FILE")); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	app := &cli.App{
		Name:  "trainerd",
		Usage: "asynchronous model training with live progress streams",
		Commands: []*cli.Command{
			serveCommand(),
			workerCommand(),
			tokenCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
