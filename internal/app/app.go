package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/florianilch/qwenauth/internal/proxy"
	"github.com/florianilch/qwenauth/internal/tokensource"
)

// App orchestrates the lifecycle of the proxy server and the credential watcher.
type App struct {
	cfg     *Config
	proxy   *proxy.Proxy
	health  *Health
	watcher *CredentialWatcher
}

// New creates a new App instance.
func New(cfg *Config, broker *tokensource.Broker) (*App, error) {
	health := NewHealth(broker)

	proxyServer, err := proxy.New(broker, health, cfg.Server.DefaultBaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy: %w", err)
	}

	return &App{
		cfg:     cfg,
		proxy:   proxyServer,
		health:  health,
		watcher: NewCredentialWatcher(cfg.Auth.CredentialsPath, health.Refresh),
	}, nil
}

// Start starts all services and blocks until shutdown is triggered.
// Uses errgroup for runtime error monitoring and shutdown function collection for coordinated cleanup.
func (a *App) Start(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	var shutdownFuncs []func(context.Context) error

	// Startup phase: Start services
	a.health.Refresh(gCtx)

	slog.InfoContext(gCtx, "starting proxy server", "addr", a.cfg.Server.Addr)
	proxyErrCh, err := a.proxy.Start(gCtx, a.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("proxy startup failed: %w", err)
	}
	shutdownFuncs = append(shutdownFuncs, a.proxy.Shutdown)

	// Monitor runtime errors - errgroup cancels context on first error
	g.Go(func() error {
		select {
		case err := <-proxyErrCh:
			if err != nil {
				slog.ErrorContext(gCtx, "proxy runtime error", "error", err)
				return fmt.Errorf("proxy: %w", err)
			}
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	g.Go(func() error {
		if err := a.watcher.Run(gCtx); err != nil {
			slog.ErrorContext(gCtx, "credential watcher error", "error", err)
			return fmt.Errorf("credential watcher: %w", err)
		}
		return nil
	})

	runtimeErr := g.Wait()

	slog.InfoContext(gCtx, "shutting down services")

	// Shutdown phase: Stop all services
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if runtimeErr != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", runtimeErr))
	}

	for i := len(shutdownFuncs) - 1; i >= 0; i-- {
		if err := shutdownFuncs[i](shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "service shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	slog.Info("application stopped")
	return nil
}
