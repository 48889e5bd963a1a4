package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/florianilch/qwenauth/internal/app"
)

// serveCommand returns the 'serve' subcommand.
func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run a local proxy that adds Qwen credentials to API requests",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "listen address (default: 127.0.0.1:4000)",
			},
		},
		Action: serveAction,
	}
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, closeLogs, err := setup(ctx, cmd, os.Environ, os.Stdout)
	if err != nil {
		return err
	}
	defer closeLogs()

	if cmd.IsSet("addr") {
		cfg.Server.Addr = cmd.String("addr")
	}

	broker := cfg.Auth.NewBroker(cfg.Auth.NewAuthorizer())

	application, err := app.New(cfg, broker)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	slog.InfoContext(ctx, "starting")

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("app failed to start: %w", err)
	}

	slog.InfoContext(ctx, "stopped gracefully")
	return nil
}
