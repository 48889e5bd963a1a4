package tokensource

import (
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	// TokenTypeBearer is assumed when a token response or stored record omits token_type.
	TokenTypeBearer = "Bearer"

	// CredentialTypeOAuth marks host credentials that this package can refresh.
	CredentialTypeOAuth = "oauth"

	// expiryBuffer treats tokens as expired slightly early to absorb clock skew
	// and request latency.
	expiryBuffer = 30 * time.Second

	apiVersionSuffix = "/v1"
)

// Credentials is the domain form of an OAuth2 credential, shared by the host
// store and the file store.
type Credentials struct {
	AccessToken  string
	TokenType    string
	RefreshToken string

	// ResourceURL overrides the API host for this credential, see BaseURL.
	ResourceURL string

	// ExpiryDate is the absolute expiry in epoch milliseconds; zero means the
	// credential carries no expiry.
	ExpiryDate int64

	Scope string
}

// HostCredential is a credential owned by the host application. Only type
// "oauth" credentials take part in refresh; anything else (an API key, say)
// is ignored by Manager.
type HostCredential struct {
	Type string
	Credentials
}

// tokenResponse is the token endpoint's success body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
	ResourceURL  string `json:"resource_url,omitempty"`
}

// credentials converts a token response issued at issuedAt. The previous
// refresh token is carried forward when the server did not rotate it.
func (r *tokenResponse) credentials(issuedAt time.Time, previousRefreshToken string) *Credentials {
	creds := &Credentials{
		AccessToken:  r.AccessToken,
		TokenType:    r.TokenType,
		RefreshToken: r.RefreshToken,
		ResourceURL:  r.ResourceURL,
		Scope:        r.Scope,
	}
	if creds.TokenType == "" {
		creds.TokenType = TokenTypeBearer
	}
	if creds.RefreshToken == "" {
		creds.RefreshToken = previousRefreshToken
	}
	if r.ExpiresIn > 0 {
		creds.ExpiryDate = issuedAt.UnixMilli() + r.ExpiresIn*1000
	}
	return creds
}

// Expiry returns ExpiryDate as a time, or the zero time when absent.
func (c *Credentials) Expiry() time.Time {
	if c.ExpiryDate == 0 {
		return time.Time{}
	}
	return time.UnixMilli(c.ExpiryDate)
}

// IsExpired reports whether creds expire within 30 seconds of now.
// Credentials without an expiry never expire.
func IsExpired(creds *Credentials, now time.Time) bool {
	if creds == nil || creds.ExpiryDate == 0 {
		return false
	}
	return now.UnixMilli() > creds.ExpiryDate-expiryBuffer.Milliseconds()
}

// BaseURL resolves the API base URL for this credential. Without a resource
// URL defaultBaseURL is used. A resource URL with a scheme gets "/v1"
// appended unless already present; a bare host is additionally prefixed with
// "https://".
func (c *Credentials) BaseURL(defaultBaseURL string) string {
	resource := strings.TrimRight(strings.TrimSpace(c.ResourceURL), "/")
	if resource == "" {
		return defaultBaseURL
	}
	if !hasScheme(resource) {
		resource = "https://" + resource
	}
	if strings.HasSuffix(resource, apiVersionSuffix) {
		return resource
	}
	return resource + apiVersionSuffix
}

// hasScheme reports whether raw starts with "<scheme>://". A host with a
// port, such as "localhost:8080", has no scheme.
func hasScheme(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme != "" && strings.HasPrefix(raw, u.Scheme+"://")
}

// Token returns creds as an oauth2.Token, e.g. for SetAuthHeader.
func (c *Credentials) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		TokenType:    c.TokenType,
		RefreshToken: c.RefreshToken,
		Expiry:       c.Expiry(),
	}
}
