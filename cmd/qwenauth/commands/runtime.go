package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/florianilch/qwenauth/internal/app"
	"github.com/florianilch/qwenauth/internal/observability"
)

// loadConfig builds the configuration from the config file, the environment
// and the global flags the user set explicitly.
func loadConfig(cmd *cli.Command, environ func() []string) (*app.Config, error) {
	flags := map[string]any{}
	if cmd.IsSet("log-level") {
		flags["log.level"] = strings.ToLower(cmd.String("log-level"))
	}
	if cmd.IsSet("log-format") {
		flags["log.format"] = cmd.String("log-format")
	}

	cfg, err := app.LoadConfig(cmd.String("config"), flags, environ)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// instrument installs logging for cfg, writing human-readable logs to out.
// The returned func flushes and closes log outputs.
func instrument(ctx context.Context, cfg *app.Config, out io.Writer) (func(), error) {
	level, err := observability.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}

	shutdown, err := observability.Instrument(ctx, observability.Options{
		Level:     level,
		Format:    cfg.Log.Format,
		Output:    out,
		Exporter:  cfg.Log.Exporter,
		DebugFile: cfg.DebugLogPath(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up observability layer: %w", err)
	}

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			slog.WarnContext(shutdownCtx, "failed to flush logs", "error", err)
		}
	}, nil
}

// setup loads configuration and installs logging for a command.
func setup(ctx context.Context, cmd *cli.Command, environ func() []string, out io.Writer) (*app.Config, func(), error) {
	cfg, err := loadConfig(cmd, environ)
	if err != nil {
		return nil, nil, err
	}

	closeLogs, err := instrument(ctx, cfg, out)
	if err != nil {
		return nil, nil, err
	}

	if cfg.Debug {
		slog.DebugContext(ctx, "debug logging enabled", "file", cfg.DebugLogPath())
	}
	return cfg, closeLogs, nil
}
