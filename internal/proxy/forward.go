package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/florianilch/qwenauth/internal/observability/middleware"
	"github.com/florianilch/qwenauth/internal/tokensource"
)

// upstreamContextKey carries the resolved upstream into the rewrite hook.
type upstreamContextKey struct{}

type upstream struct {
	base  *url.URL
	token *oauth2.Token
}

// forwarder resolves a credential per request and hands the request to a
// reverse proxy targeting that credential's API base URL. Bodies are
// streamed through untouched.
type forwarder struct {
	creds          CredentialProvider
	defaultBaseURL string
	proxy          *httputil.ReverseProxy
}

// Compile-time check that forwarder implements http.Handler interface
var _ http.Handler = (*forwarder)(nil)

func newForwarder(creds CredentialProvider, defaultBaseURL string) *forwarder {
	f := &forwarder{
		creds:          creds,
		defaultBaseURL: defaultBaseURL,
	}
	f.proxy = &httputil.ReverseProxy{
		Rewrite:       rewrite,
		FlushInterval: -1,
		ErrorHandler:  upstreamErrorHandler,
	}
	return f
}

func (f *forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	creds, err := f.creds.Credentials(ctx)
	if err != nil {
		if errors.Is(err, tokensource.ErrUnauthenticated) {
			slog.WarnContext(ctx, "no usable credentials for request")
			writeJSONError(ctx, w, errorTypeAuthentication, "no usable Qwen credentials; run 'qwenauth auth login'")
			return
		}
		slog.ErrorContext(ctx, "failed to resolve credentials", "error", err)
		writeJSONError(ctx, w, errorTypeAPI, "failed to resolve credentials")
		return
	}

	base, err := url.Parse(creds.BaseURL(f.defaultBaseURL))
	if err != nil || base.Scheme == "" || base.Host == "" {
		slog.ErrorContext(ctx, "invalid API base URL", "resource_url", creds.ResourceURL)
		writeJSONError(ctx, w, errorTypeAPI, "invalid API base URL")
		return
	}

	middleware.SetLogAttrs(ctx, slog.String("upstream", base.Host))

	ctx = context.WithValue(ctx, upstreamContextKey{}, &upstream{base: base, token: creds.Token()})
	f.proxy.ServeHTTP(w, r.WithContext(ctx))
}

// rewrite maps /v1/<rest> onto <base>/<rest>, replaces any client
// Authorization header with the broker's token and forwards the request ID
// and trace context.
func rewrite(pr *httputil.ProxyRequest) {
	up := pr.In.Context().Value(upstreamContextKey{}).(*upstream)

	pr.Out.URL.Path = strings.TrimPrefix(pr.In.URL.Path, "/v1")
	pr.Out.URL.RawPath = ""
	pr.SetURL(up.base)

	pr.Out.Header.Del("Authorization")
	pr.Out.Header.Del("Cookie")
	up.token.SetAuthHeader(pr.Out)

	middleware.InjectOutbound(pr.In.Context(), pr.Out.Header)
}

func upstreamErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	if errors.Is(err, context.Canceled) {
		slog.DebugContext(ctx, "client cancelled request")
		return
	}
	slog.ErrorContext(ctx, "upstream request failed", "error", err)
	writeJSONError(ctx, w, errorTypeUpstream, "upstream request failed")
}
