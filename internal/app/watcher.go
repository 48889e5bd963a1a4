package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultRecheckInterval re-evaluates credentials that expire without any
// file change.
const defaultRecheckInterval = 30 * time.Second

// CredentialWatcher calls onChange whenever the credentials file is written,
// created, renamed or removed, and periodically in between.
//
// The parent directory is watched rather than the file itself: companion
// tools replace the file, which would drop a watch on the old inode.
type CredentialWatcher struct {
	path     string
	interval time.Duration
	onChange func(ctx context.Context)
}

// NewCredentialWatcher creates a watcher for the credentials file at path.
func NewCredentialWatcher(path string, onChange func(ctx context.Context)) *CredentialWatcher {
	return &CredentialWatcher{
		path:     filepath.Clean(path),
		interval: defaultRecheckInterval,
		onChange: onChange,
	}
}

// Run blocks until ctx is cancelled or the watcher fails.
func (w *CredentialWatcher) Run(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating credentials directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.onChange(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path || event.Op == fsnotify.Chmod {
				continue
			}
			slog.DebugContext(ctx, "credentials file changed", "op", event.Op.String())
			w.onChange(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.WarnContext(ctx, "credentials watcher error", "error", err)
		case <-ticker.C:
			w.onChange(ctx)
		}
	}
}
