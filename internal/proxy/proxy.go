package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/florianilch/qwenauth/internal/observability/middleware"
	"github.com/florianilch/qwenauth/internal/tokensource"
)

// maxRequestBytes bounds request bodies forwarded upstream.
const maxRequestBytes = 32 << 20

// CredentialProvider supplies the credential used for upstream requests.
type CredentialProvider interface {
	Credentials(ctx context.Context) (*tokensource.Credentials, error)
}

// ReadinessChecker reports whether the proxy can serve authenticated traffic.
type ReadinessChecker interface {
	IsReady() bool
}

// Proxy forwards API requests to the credential's API base URL with a bearer
// token injected.
type Proxy struct {
	handler http.Handler
	server  *http.Server
}

// Option configures a Proxy.
type Option func(*forwarder)

// WithTransport sets the transport used for upstream requests.
func WithTransport(transport http.RoundTripper) Option {
	return func(f *forwarder) {
		f.proxy.Transport = transport
	}
}

// New creates a proxy. defaultBaseURL serves credentials without a resource URL.
func New(creds CredentialProvider, readiness ReadinessChecker, defaultBaseURL string, opts ...Option) (*Proxy, error) {
	if _, err := url.Parse(defaultBaseURL); err != nil || defaultBaseURL == "" {
		return nil, fmt.Errorf("invalid default base URL %q", defaultBaseURL)
	}

	fwd := newForwarder(creds, defaultBaseURL)
	for _, opt := range opts {
		opt(fwd)
	}

	router := chi.NewRouter()
	router.Get("/healthz/live", livenessHandler())
	router.Get("/healthz/ready", readinessHandler(readiness))
	router.Handle("/v1/*", fwd)
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(r.Context(), w, errorTypeNotFound, "unknown path: "+r.URL.Path)
	})

	handler := applyMiddlewares(router,
		middleware.RequestIDGeneration,
		middleware.Logging(slog.Default()),
		middleware.RequestIDPropagation,
		middleware.TraceContextExtraction,
		Recovery,
		RequestSizeLimit(maxRequestBytes),
	)

	return &Proxy{handler: handler}, nil
}

// Handler returns the proxy's HTTP handler.
func (p *Proxy) Handler() http.Handler {
	return p.handler
}

// Start listens on addr and serves in the background. The returned channel
// receives the serve error, or nil after Shutdown.
func (p *Proxy) Start(ctx context.Context, addr string) (<-chan error, error) {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}

	p.server = &http.Server{
		Handler:           p.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return context.WithoutCancel(ctx)
		},
	}

	errCh := make(chan error, 1)
	go func() {
		err := p.server.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
		close(errCh)
	}()

	slog.InfoContext(ctx, "proxy listening", "addr", listener.Addr().String())
	return errCh, nil
}

// Shutdown gracefully stops the server.
func (p *Proxy) Shutdown(ctx context.Context) error {
	if p.server == nil {
		return nil
	}
	if err := p.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("proxy shutdown: %w", err)
	}
	return nil
}
