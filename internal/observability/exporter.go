package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

const instrumentationName = "github.com/florianilch/qwenauth"

// newOTelHandler bridges slog to an OpenTelemetry logger provider exporting
// through the named exporter. Endpoints and headers come from the standard
// OTEL_EXPORTER_OTLP_* environment variables.
func newOTelHandler(ctx context.Context, exporter string, level slog.Level) (slog.Handler, func(context.Context) error, error) {
	var (
		exp sdklog.Exporter
		err error
	)
	switch exporter {
	case "otlp-grpc":
		exp, err = otlploggrpc.New(ctx)
	case "otlp-http":
		exp, err = otlploghttp.New(ctx)
	case "stdout":
		exp, err = stdoutlog.New()
	default:
		return nil, nil, fmt.Errorf("unsupported log exporter %q (expected: none, stdout, otlp-grpc, otlp-http)", exporter)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("creating %s log exporter: %w", exporter, err)
	}

	processor := minsev.NewLogProcessor(sdklog.NewBatchProcessor(exp), severity(level))
	provider := sdklog.NewLoggerProvider(sdklog.WithProcessor(processor))

	handler := otelslog.NewHandler(instrumentationName, otelslog.WithLoggerProvider(provider))
	return handler, provider.Shutdown, nil
}

// severity maps a slog level to the minimum exported OpenTelemetry severity.
func severity(level slog.Level) minsev.Severity {
	switch {
	case level <= slog.LevelDebug:
		return minsev.SeverityDebug
	case level <= slog.LevelInfo:
		return minsev.SeverityInfo
	case level <= slog.LevelWarn:
		return minsev.SeverityWarn
	default:
		return minsev.SeverityError
	}
}

// newDebugFileHandler writes debug-level text logs to a size-rotated file.
func newDebugFileHandler(path string) (slog.Handler, func() error, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}

	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     14, // days
	}

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})
	return handler, w.Close, nil
}
