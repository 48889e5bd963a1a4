package tokensource

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	// DefaultCredentialsDir is the per-user directory shared with Qwen Code.
	DefaultCredentialsDir = ".qwen"

	// DefaultCredentialsFile is the credentials file name inside DefaultCredentialsDir.
	DefaultCredentialsFile = "oauth_creds.json"
)

// Store persists credentials written by the device flow or a refresh.
type Store interface {
	// Load returns the stored credentials, or false when none are usable.
	Load(ctx context.Context) (*Credentials, bool)

	// Save replaces the stored credentials as a whole.
	Save(ctx context.Context, creds *Credentials) error
}

// DefaultCredentialsPath returns <home>/.qwen/oauth_creds.json.
func DefaultCredentialsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, DefaultCredentialsDir, DefaultCredentialsFile), nil
}

// FileStore keeps credentials in a JSON file that companion tools read and
// write too. Field names are snake_case for compatibility with those tools.
//
// There is no locking between processes: each write replaces the file and
// the last writer wins.
type FileStore struct {
	path string
}

// Compile-time check that FileStore implements Store interface
var _ Store = (*FileStore)(nil)

// NewFileStore creates a store backed by the file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the credentials file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads and normalizes the credentials file. A missing, unreadable or
// malformed file is reported as absent; the cause is logged.
func (s *FileStore) Load(ctx context.Context) (*Credentials, bool) {
	// #nosec G304 -- path comes from configuration, not request input
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.DebugContext(ctx, "credentials file not found", "path", s.path)
		} else {
			slog.WarnContext(ctx, "failed to read credentials file", "path", s.path, "error", err)
		}
		return nil, false
	}

	creds, err := decodeCredentials(data)
	if err != nil {
		slog.WarnContext(ctx, "ignoring unparsable credentials file", "path", s.path, "error", err)
		return nil, false
	}

	return creds, true
}

// Save writes creds to the file, creating its directory if needed.
func (s *FileStore) Save(ctx context.Context, creds *Credentials) error {
	if creds == nil || creds.AccessToken == "" {
		return errors.New("refusing to save credentials without access token")
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating credentials directory: %w", err)
	}

	// Foreign keys of the previous record are carried over; a missing or
	// broken file simply starts from an empty object.
	existing, _ := os.ReadFile(s.path)

	data, err := encodeFileRecord(existing, creds)
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("writing credentials file: %w", err)
	}

	slog.InfoContext(ctx, "credentials saved",
		"path", s.path,
		"expiry", creds.Expiry(),
		"has_refresh_token", creds.RefreshToken != "",
	)
	return nil
}

// Clear removes the credentials file. A missing file is not an error.
func (s *FileStore) Clear(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing credentials file: %w", err)
	}
	slog.InfoContext(ctx, "credentials file removed", "path", s.path)
	return nil
}
