package tokensource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// maxResponseBytes bounds OAuth2 response bodies read into memory.
const maxResponseBytes = 1 << 20

// Authorizer talks to Qwen's device authorization and token endpoints.
// Requests are form-encoded and never retried; callers decide whether to
// restart a flow.
type Authorizer struct {
	endpoint oauth2.Endpoint
	clientID string
	scope    string
	client   *http.Client
	now      func() time.Time
}

// Option configures an Authorizer.
type Option func(*Authorizer)

// WithHTTPClient sets the client used for all OAuth2 requests.
func WithHTTPClient(client *http.Client) Option {
	return func(a *Authorizer) {
		a.client = client
	}
}

// WithClientID overrides the OAuth2 client identifier.
func WithClientID(clientID string) Option {
	return func(a *Authorizer) {
		a.clientID = clientID
	}
}

// WithScope overrides the requested scope.
func WithScope(scope string) Option {
	return func(a *Authorizer) {
		a.scope = scope
	}
}

// NewAuthorizer creates a Qwen OAuth2 authorizer for endpoint.
func NewAuthorizer(endpoint oauth2.Endpoint, opts ...Option) *Authorizer {
	a := &Authorizer{
		endpoint: endpoint,
		clientID: ClientID,
		scope:    Scope,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// DeviceAuthorization is the device authorization response (RFC 8628
// section 3.2). It is consumed by a single poll loop.
type DeviceAuthorization struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`

	// Interval is the server's minimum polling interval in seconds, if sent.
	Interval int `json:"interval,omitempty"`

	// ExpiresAt is when the device code stops being valid, counted from just
	// before the request was sent.
	ExpiresAt time.Time `json:"-"`
}

// lifetime is ExpiresIn, or the default lifetime when the server omitted it.
func (d *DeviceAuthorization) lifetime() time.Duration {
	if d.ExpiresIn <= 0 {
		return defaultDeviceCodeLifetime
	}
	return time.Duration(d.ExpiresIn) * time.Second
}

// PollResult is the outcome of a single token poll that did not fail.
// Credentials is nil while authorization is still pending.
type PollResult struct {
	Credentials *Credentials

	// SlowDown is set when the server asked for a longer poll interval.
	SlowDown bool
}

// errorResponse is the OAuth2 error body (RFC 6749 section 5.2).
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// RequestDeviceAuthorization starts a device authorization for the given
// S256 code challenge.
func (a *Authorizer) RequestDeviceAuthorization(ctx context.Context, challenge string) (*DeviceAuthorization, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if challenge == "" {
		return nil, errors.New("code challenge cannot be empty")
	}

	form := url.Values{
		"client_id":             {a.clientID},
		"scope":                 {a.scope},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}

	requestedAt := a.now()
	status, body, err := a.postForm(ctx, a.endpoint.DeviceAuthURL, form)
	if err != nil {
		return nil, fmt.Errorf("device authorization request failed: %w", err)
	}

	if status < 200 || status > 299 {
		return nil, newResponseError(ErrAuthorizationRequestFailed, status, body)
	}

	var auth DeviceAuthorization
	if err := json.Unmarshal(body, &auth); err != nil || auth.DeviceCode == "" || auth.UserCode == "" {
		return nil, &ResponseError{
			Kind:       ErrAuthorizationRequestFailed,
			StatusCode: status,
			Body:       string(body),
		}
	}

	if auth.VerificationURIComplete == "" && auth.VerificationURI != "" {
		auth.VerificationURIComplete = completeVerificationURI(auth.VerificationURI, auth.UserCode)
	}
	auth.ExpiresAt = requestedAt.Add(auth.lifetime())

	return &auth, nil
}

// PollOnce asks the token endpoint once whether the device was authorized.
// authorization_pending and slow_down are not errors; every other rejection
// is a *ResponseError of kind ErrTokenPollFailed.
func (a *Authorizer) PollOnce(ctx context.Context, deviceCode, verifier string) (*PollResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	form := url.Values{
		"grant_type":    {DeviceCodeGrantType},
		"client_id":     {a.clientID},
		"device_code":   {deviceCode},
		"code_verifier": {verifier},
	}

	issuedAt := a.now()
	status, body, err := a.postForm(ctx, a.endpoint.TokenURL, form)
	if err != nil {
		return nil, fmt.Errorf("device token poll failed: %w", err)
	}

	if status == http.StatusOK {
		var token tokenResponse
		if err := json.Unmarshal(body, &token); err != nil || token.AccessToken == "" {
			return nil, &ResponseError{Kind: ErrTokenPollFailed, StatusCode: status, Body: string(body)}
		}
		return &PollResult{Credentials: token.credentials(issuedAt, "")}, nil
	}

	var oauthErr errorResponse
	if err := json.Unmarshal(body, &oauthErr); err == nil {
		switch {
		case status == http.StatusBadRequest && oauthErr.Error == "authorization_pending":
			return &PollResult{}, nil
		case (status == http.StatusTooManyRequests || status == http.StatusBadRequest) && oauthErr.Error == "slow_down":
			return &PollResult{SlowDown: true}, nil
		}
	}

	return nil, newResponseError(ErrTokenPollFailed, status, body)
}

// RefreshAccessToken exchanges refreshToken for a new credential. The whole
// record is replaced; refreshToken is carried forward if the server does not
// issue a new one.
func (a *Authorizer) RefreshAccessToken(ctx context.Context, refreshToken string) (*Credentials, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if refreshToken == "" {
		return nil, errors.New("refresh token cannot be empty")
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {a.clientID},
	}

	issuedAt := a.now()
	status, body, err := a.postForm(ctx, a.endpoint.TokenURL, form)
	if err != nil {
		return nil, fmt.Errorf("token refresh request failed: %w", err)
	}

	if status < 200 || status > 299 {
		return nil, newResponseError(ErrTokenRefreshFailed, status, body)
	}

	var token tokenResponse
	if err := json.Unmarshal(body, &token); err != nil || token.AccessToken == "" {
		return nil, &ResponseError{Kind: ErrTokenRefreshFailed, StatusCode: status, Body: string(body)}
	}

	return token.credentials(issuedAt, refreshToken), nil
}

// postForm sends a form-encoded POST and returns status and body.
func (a *Authorizer) postForm(ctx context.Context, endpoint string, form url.Values) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("reading response body: %w", err)
	}

	return resp.StatusCode, body, nil
}

// newResponseError builds a ResponseError, extracting OAuth2 error fields
// when the body has them.
func newResponseError(kind error, status int, body []byte) *ResponseError {
	respErr := &ResponseError{
		Kind:       kind,
		StatusCode: status,
		Body:       string(body),
	}
	var oauthErr errorResponse
	if err := json.Unmarshal(body, &oauthErr); err == nil {
		respErr.Code = oauthErr.Error
		respErr.Description = oauthErr.ErrorDescription
	}
	return respErr
}

// completeVerificationURI embeds userCode into verificationURI.
func completeVerificationURI(verificationURI, userCode string) string {
	u, err := url.Parse(verificationURI)
	if err != nil {
		return verificationURI
	}
	q := u.Query()
	q.Set("user_code", userCode)
	u.RawQuery = q.Encode()
	return u.String()
}
