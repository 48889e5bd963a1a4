package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Options configures the process-wide logger.
type Options struct {
	Level  slog.Level
	Format string

	// Output receives human-readable logs. Defaults to os.Stdout.
	Output io.Writer

	// Exporter selects an OpenTelemetry log exporter: "", "none", "stdout",
	// "otlp-grpc" or "otlp-http".
	Exporter string

	// DebugFile, when set, additionally writes debug-level logs to a rotated file.
	DebugFile string
}

// Instrument installs the default slog logger and returns a shutdown func
// that flushes exporters and closes files.
func Instrument(ctx context.Context, opts Options) (func(context.Context) error, error) {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}

	stdout, err := newStdoutHandler(opts.Output, opts.Level, opts.Format)
	if err != nil {
		return nil, err
	}

	handlers := []slog.Handler{stdout}
	var shutdownFuncs []func(context.Context) error

	shutdown := func(ctx context.Context) error {
		var errs []error
		for i := len(shutdownFuncs) - 1; i >= 0; i-- {
			if err := shutdownFuncs[i](ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	if opts.DebugFile != "" {
		handler, closeFile, err := newDebugFileHandler(opts.DebugFile)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, handler)
		shutdownFuncs = append(shutdownFuncs, func(context.Context) error { return closeFile() })
	}

	if exporter := strings.ToLower(opts.Exporter); exporter != "" && exporter != "none" {
		handler, shutdownOTel, err := newOTelHandler(ctx, exporter, opts.Level)
		if err != nil {
			_ = shutdown(ctx)
			return nil, err
		}
		handlers = append(handlers, handler)
		shutdownFuncs = append(shutdownFuncs, shutdownOTel)
	}

	slog.SetDefault(slog.New(newCorrelationHandler(newFanoutHandler(handlers...))))
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return shutdown, nil
}

// ParseLevel parses a level name such as "info" or "DEBUG".
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// newStdoutHandler creates a handler for human-readable logs.
func newStdoutHandler(w io.Writer, level slog.Level, logFormat string) (slog.Handler, error) {
	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	switch strings.ToLower(logFormat) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text", "":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q (expected: json, text)", logFormat)
	}

	return handler, nil
}
