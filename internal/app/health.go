package app

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/florianilch/qwenauth/internal/proxy"
)

// readinessSource reports whether a usable credential exists.
type readinessSource interface {
	Ready(ctx context.Context) bool
}

// Health tracks whether the proxy can serve authenticated traffic.
// All methods are thread-safe.
type Health struct {
	ready  atomic.Bool
	source readinessSource
}

// Compile-time check that Health implements proxy.ReadinessChecker interface
var _ proxy.ReadinessChecker = (*Health)(nil)

// NewHealth creates a Health initialized as not ready.
func NewHealth(source readinessSource) *Health {
	return &Health{source: source}
}

// SetReady updates the readiness state.
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady returns the current readiness state.
func (h *Health) IsReady() bool {
	return h.ready.Load()
}

// Refresh recomputes readiness from the credential sources.
func (h *Health) Refresh(ctx context.Context) {
	ready := h.source.Ready(ctx)
	if previous := h.ready.Swap(ready); previous != ready {
		slog.InfoContext(ctx, "readiness changed", "ready", ready)
	}
}
