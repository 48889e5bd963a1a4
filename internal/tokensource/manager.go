package tokensource

import (
	"context"
	"log/slog"
	"time"
)

// Source names where a resolved credential came from.
type Source string

const (
	// SourceHost is the host credential, used as is.
	SourceHost Source = "host"

	// SourceRefreshed is the host credential after a refresh.
	SourceRefreshed Source = "refreshed"

	// SourceLocal is the credentials file.
	SourceLocal Source = "local"
)

// refresher exchanges a refresh token for new credentials.
type refresher interface {
	RefreshAccessToken(ctx context.Context, refreshToken string) (*Credentials, error)
}

// Resolution is a usable credential and its origin.
type Resolution struct {
	Credentials *Credentials
	Source      Source
}

// Manager picks a valid credential from the host credential and the local
// store, refreshing the host credential when it is about to expire.
//
// Refresh happens synchronously on demand; there is no background timer.
type Manager struct {
	refresher refresher
	store     Store
	now       func() time.Time
}

// NewManager creates a lifecycle manager. r is normally an *Authorizer.
func NewManager(r refresher, store Store) *Manager {
	return &Manager{
		refresher: r,
		store:     store,
		now:       time.Now,
	}
}

// AccessToken returns currently valid credentials, or ErrUnauthenticated
// when neither source has one. A failed refresh is logged, not returned,
// unless it failed because ctx ended.
func (m *Manager) AccessToken(ctx context.Context, host *HostCredential) (*Credentials, error) {
	res, err := m.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	return res.Credentials, nil
}

// Resolve is AccessToken that also reports the credential's source.
func (m *Manager) Resolve(ctx context.Context, host *HostCredential) (*Resolution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if isOAuth(host) {
		candidate := host.Credentials

		if !IsExpired(&candidate, m.now()) {
			return &Resolution{Credentials: &candidate, Source: SourceHost}, nil
		}

		if candidate.RefreshToken == "" {
			slog.DebugContext(ctx, "host credential expired without refresh token", "expiry", candidate.Expiry())
		} else if refreshed, ok := m.refresh(ctx, candidate.RefreshToken); ok {
			return &Resolution{Credentials: refreshed, Source: SourceRefreshed}, nil
		} else if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	return m.local(ctx)
}

// Usable reports without any network call whether Resolve could succeed: the
// host credential is valid or refreshable, or the local one is valid.
func (m *Manager) Usable(ctx context.Context, host *HostCredential) bool {
	if isOAuth(host) && (host.RefreshToken != "" || !IsExpired(&host.Credentials, m.now())) {
		return true
	}
	creds, ok := m.store.Load(ctx)
	return ok && !IsExpired(creds, m.now())
}

// refresh exchanges refreshToken and persists the result. Failures are
// absorbed so callers can fall back to the local store.
func (m *Manager) refresh(ctx context.Context, refreshToken string) (*Credentials, bool) {
	refreshed, err := m.refresher.RefreshAccessToken(ctx, refreshToken)
	if err != nil {
		if ctx.Err() == nil {
			slog.WarnContext(ctx, "failed to refresh host credential, falling back to local credentials", "error", err)
		}
		return nil, false
	}

	// The refreshed token is valid whether or not the file write succeeds.
	if err := m.store.Save(ctx, refreshed); err != nil {
		slog.WarnContext(ctx, "failed to persist refreshed credentials", "error", err)
	}

	slog.InfoContext(ctx, "host credential refreshed", "expiry", refreshed.Expiry())
	return refreshed, true
}

func (m *Manager) local(ctx context.Context) (*Resolution, error) {
	creds, ok := m.store.Load(ctx)
	if !ok {
		return nil, ErrUnauthenticated
	}
	if IsExpired(creds, m.now()) {
		slog.DebugContext(ctx, "local credentials expired", "expiry", creds.Expiry())
		return nil, ErrUnauthenticated
	}
	return &Resolution{Credentials: creds, Source: SourceLocal}, nil
}

func isOAuth(host *HostCredential) bool {
	return host != nil && host.Type == CredentialTypeOAuth && host.AccessToken != ""
}
