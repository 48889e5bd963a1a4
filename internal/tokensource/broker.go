package tokensource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// resolveTimeout bounds a shared resolution, which outlives the caller that
// started it.
const resolveTimeout = 30 * time.Second

// Broker supplies credentials from the host store and the local store. When
// the manager refreshes the host credential, the broker writes it back to
// the host store as well.
//
// Concurrent callers share a single resolution, so a burst of requests
// triggers at most one refresh. A caller that gives up stops waiting but does
// not cancel the resolution for the others.
type Broker struct {
	manager *Manager
	host    HostStore
	group   singleflight.Group
}

// NewBroker creates a broker. host may be nil when the host application keeps
// no credential of its own; the local store is then the only source.
func NewBroker(manager *Manager, host HostStore) *Broker {
	return &Broker{
		manager: manager,
		host:    host,
	}
}

// Credentials returns currently valid credentials or ErrUnauthenticated.
func (b *Broker) Credentials(ctx context.Context) (*Credentials, error) {
	res, err := b.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	return res.Credentials, nil
}

// Resolve returns currently valid credentials and their source.
func (b *Broker) Resolve(ctx context.Context) (*Resolution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resultCh := b.group.DoChan("resolve", func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
		defer cancel()
		return b.resolve(shared)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resultCh:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Resolution), nil
	}
}

func (b *Broker) resolve(ctx context.Context) (*Resolution, error) {
	res, err := b.manager.Resolve(ctx, b.readHost(ctx))
	if err != nil {
		return nil, err
	}

	if res.Source == SourceRefreshed && b.host != nil {
		cred := &HostCredential{Type: CredentialTypeOAuth, Credentials: *res.Credentials}
		if err := b.host.Write(ctx, cred); err != nil {
			slog.WarnContext(ctx, "failed to write refreshed credential to host store", "error", err)
		}
	}

	return res, nil
}

// Ready reports whether a credential is available, without network calls.
func (b *Broker) Ready(ctx context.Context) bool {
	return b.manager.Usable(ctx, b.readHost(ctx))
}

// Adopt stores creds as the host credential, e.g. after a device flow.
// It is a no-op without a host store.
func (b *Broker) Adopt(ctx context.Context, creds *Credentials) error {
	if b.host == nil {
		return nil
	}
	if creds == nil || creds.AccessToken == "" {
		return errors.New("refusing to adopt credentials without access token")
	}
	if err := b.host.Write(ctx, &HostCredential{Type: CredentialTypeOAuth, Credentials: *creds}); err != nil {
		return fmt.Errorf("writing host credential: %w", err)
	}
	return nil
}

// Forget removes the host credential. It is a no-op without a host store.
func (b *Broker) Forget(ctx context.Context) error {
	if b.host == nil {
		return nil
	}
	return b.host.Clear(ctx)
}

// readHost returns the host credential, treating read failures as absent.
func (b *Broker) readHost(ctx context.Context) *HostCredential {
	if b.host == nil {
		return nil
	}
	cred, err := b.host.Read(ctx)
	if err != nil {
		slog.WarnContext(ctx, "failed to read host credential", "error", err)
		return nil
	}
	return cred
}
