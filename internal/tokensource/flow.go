package tokensource

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Flow runs the device authorization flow and persists its result.
type Flow struct {
	authorizer   *Authorizer
	store        Store
	pollInterval time.Duration
	pollCeiling  time.Duration
}

// FlowOption configures a Flow.
type FlowOption func(*Flow)

// WithPollInterval sets the base interval between token polls.
func WithPollInterval(d time.Duration) FlowOption {
	return func(f *Flow) {
		f.pollInterval = d
	}
}

// WithPollCeiling sets the maximum interval after slow_down signals.
func WithPollCeiling(d time.Duration) FlowOption {
	return func(f *Flow) {
		f.pollCeiling = d
	}
}

// NewFlow creates a device flow that saves obtained credentials to store.
func NewFlow(authorizer *Authorizer, store Store, opts ...FlowOption) *Flow {
	f := &Flow{
		authorizer:   authorizer,
		store:        store,
		pollInterval: DefaultPollInterval,
		pollCeiling:  DefaultPollCeiling,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// PendingAuthorization is a started device authorization waiting for the
// user. URL and UserCode are what the user needs to approve it.
type PendingAuthorization struct {
	URL       string
	UserCode  string
	ExpiresAt time.Time

	auth     *DeviceAuthorization
	pkce     *PKCE
	poller   *Poller
	store    Store
	consumed atomic.Bool
}

// Begin generates a PKCE pair and requests a device authorization.
func (f *Flow) Begin(ctx context.Context) (*PendingAuthorization, error) {
	return f.begin(ctx, f.pollInterval)
}

func (f *Flow) begin(ctx context.Context, pollInterval time.Duration) (*PendingAuthorization, error) {
	pkce := NewPKCE()

	auth, err := f.authorizer.RequestDeviceAuthorization(ctx, pkce.Challenge)
	if err != nil {
		return nil, err
	}

	url := auth.VerificationURIComplete
	if url == "" {
		url = auth.VerificationURI
	}

	slog.DebugContext(ctx, "device authorization started", "verification_uri", url, "expires_at", auth.ExpiresAt)

	poller := NewPoller(f.authorizer, pollInterval, f.pollCeiling)
	poller.now = f.authorizer.now

	return &PendingAuthorization{
		URL:       url,
		UserCode:  auth.UserCode,
		ExpiresAt: auth.ExpiresAt,
		auth:      auth,
		pkce:      pkce,
		poller:    poller,
		store:     f.store,
	}, nil
}

// Wait polls until the user approves, then saves and returns the
// credentials. Polling stops at ExpiresAt however late Wait is called. A
// pending authorization can be waited on only once; later calls return
// ErrAuthorizationConsumed.
func (p *PendingAuthorization) Wait(ctx context.Context) (*Credentials, error) {
	if !p.consumed.CompareAndSwap(false, true) {
		return nil, ErrAuthorizationConsumed
	}

	creds, err := p.poller.Run(ctx, p.auth, p.pkce.Verifier)
	if err != nil {
		return nil, err
	}

	if err := p.store.Save(ctx, creds); err != nil {
		return nil, fmt.Errorf("saving credentials: %w", err)
	}
	return creds, nil
}

// PerformDeviceAuthFlow runs the whole flow. onVerificationURL is called
// exactly once with the URL and code to show the user. Zero pollInterval
// uses the flow's interval; a positive timeout bounds the whole flow.
func (f *Flow) PerformDeviceAuthFlow(
	ctx context.Context,
	onVerificationURL func(url, userCode string),
	pollInterval, timeout time.Duration,
) (*Credentials, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if pollInterval <= 0 {
		pollInterval = f.pollInterval
	}

	pending, err := f.begin(ctx, pollInterval)
	if err != nil {
		return nil, err
	}

	if onVerificationURL != nil {
		onVerificationURL(pending.URL, pending.UserCode)
	}

	return pending.Wait(ctx)
}
