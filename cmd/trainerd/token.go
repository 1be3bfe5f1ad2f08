package main

import (
	"fmt"
	"time"

	"github.com/Swind/go-task-stream/internal/auth"
	"github.com/urfave/cli/v2"
)

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "issue a bearer token for a user id",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "jwt-secret", Required: true, EnvVars: []string{"TRAINERD_JWT_SECRET"}},
			&cli.Int64Flag{Name: "user-id", Aliases: []string{"u"}, Required: true},
			&cli.StringFlag{Name: "username"},
			&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour},
		},
		Action: tokenAction,
	}
}

func tokenAction(c *cli.Context) error {
	userID := c.Int64("user-id")
	if userID <= 0 {
		return cli.Exit("user-id must be positive", 1)
	}
	token, err := auth.NewIssuer(c.String("jwt-secret")).Generate(userID, c.String("username"), c.Duration("ttl"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed: %v", err), 1)
	}
	fmt.Fprintln(c.App.Writer, token)
	return nil
}
