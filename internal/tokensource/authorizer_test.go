package tokensource

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

var testIssuedAt = time.UnixMilli(1_700_000_000_000)

// newTestAuthorizer points an Authorizer at handler and freezes its clock.
func newTestAuthorizer(t *testing.T, handler http.HandlerFunc) *Authorizer {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	a := NewAuthorizer(oauth2.Endpoint{
		DeviceAuthURL: srv.URL + "/device/code",
		TokenURL:      srv.URL + "/token",
	}, WithHTTPClient(srv.Client()))
	a.now = func() time.Time { return testIssuedAt }
	return a
}

// writeJSONBody writes a raw JSON body with the given status.
func writeJSONBody(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func parseForm(t *testing.T, r *http.Request) url.Values {
	t.Helper()
	require.NoError(t, r.ParseForm())
	return r.PostForm
}

func TestRequestDeviceAuthorization(t *testing.T) {
	ctx := context.Background()

	t.Run("sends_challenge_and_parses_response", func(t *testing.T) {
		var form url.Values
		a := newTestAuthorizer(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/device/code", r.URL.Path)
			assert.Equal(t, "application/json", r.Header.Get("Accept"))
			form = parseForm(t, r)
			writeJSONBody(w, http.StatusOK, `{
				"device_code": "d1",
				"user_code": "ABCD-1234",
				"verification_uri": "https://x/d",
				"verification_uri_complete": "https://x/d?code=ABCD-1234",
				"expires_in": 300
			}`)
		})

		auth, err := a.RequestDeviceAuthorization(ctx, "challenge")

		require.NoError(t, err)
		assert.Equal(t, &DeviceAuthorization{
			DeviceCode:              "d1",
			UserCode:                "ABCD-1234",
			VerificationURI:         "https://x/d",
			VerificationURIComplete: "https://x/d?code=ABCD-1234",
			ExpiresIn:               300,
			ExpiresAt:               testIssuedAt.Add(300 * time.Second),
		}, auth)
		assert.Equal(t, ClientID, form.Get("client_id"))
		assert.Equal(t, Scope, form.Get("scope"))
		assert.Equal(t, "challenge", form.Get("code_challenge"))
		assert.Equal(t, "S256", form.Get("code_challenge_method"))
	})

	t.Run("derives_complete_uri", func(t *testing.T) {
		a := newTestAuthorizer(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSONBody(w, http.StatusOK, `{"device_code":"d1","user_code":"ABCD","verification_uri":"https://x/d","expires_in":60}`)
		})

		auth, err := a.RequestDeviceAuthorization(ctx, "challenge")

		require.NoError(t, err)
		assert.Equal(t, "https://x/d?user_code=ABCD", auth.VerificationURIComplete)
		assert.Equal(t, testIssuedAt.Add(60*time.Second), auth.ExpiresAt)
	})

	t.Run("missing_expires_in_uses_default_lifetime", func(t *testing.T) {
		a := newTestAuthorizer(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSONBody(w, http.StatusOK, `{"device_code":"d1","user_code":"ABCD","verification_uri":"https://x/d"}`)
		})

		auth, err := a.RequestDeviceAuthorization(ctx, "challenge")

		require.NoError(t, err)
		assert.Equal(t, testIssuedAt.Add(defaultDeviceCodeLifetime), auth.ExpiresAt)
	})

	t.Run("non_2xx_keeps_status_and_body", func(t *testing.T) {
		a := newTestAuthorizer(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSONBody(w, http.StatusBadRequest, `{"error":"invalid_client","error_description":"unknown client"}`)
		})

		_, err := a.RequestDeviceAuthorization(ctx, "challenge")

		require.ErrorIs(t, err, ErrAuthorizationRequestFailed)
		var respErr *ResponseError
		require.True(t, errors.As(err, &respErr))
		assert.Equal(t, http.StatusBadRequest, respErr.StatusCode)
		assert.Equal(t, "invalid_client", respErr.Code)
		assert.Contains(t, respErr.Body, "unknown client")
		assert.Contains(t, err.Error(), "unknown client")
	})

	t.Run("missing_fields", func(t *testing.T) {
		a := newTestAuthorizer(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSONBody(w, http.StatusOK, `{"user_code":"ABCD"}`)
		})

		_, err := a.RequestDeviceAuthorization(ctx, "challenge")

		assert.ErrorIs(t, err, ErrAuthorizationRequestFailed)
	})

	t.Run("empty_challenge", func(t *testing.T) {
		a := newTestAuthorizer(t, func(w http.ResponseWriter, r *http.Request) {
			t.Error("unexpected request")
		})

		_, err := a.RequestDeviceAuthorization(ctx, "")

		assert.Error(t, err)
	})
}

func TestPollOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		var form url.Values
		a := newTestAuthorizer(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/token", r.URL.Path)
			form = parseForm(t, r)
			writeJSONBody(w, http.StatusOK, `{
				"access_token": "at",
				"refresh_token": "rt",
				"token_type": "Bearer",
				"expires_in": 3600,
				"resource_url": "portal.qwen.ai"
			}`)
		})

		result, err := a.PollOnce(ctx, "d1", "verifier")

		require.NoError(t, err)
		require.NotNil(t, result.Credentials)
		assert.Equal(t, "at", result.Credentials.AccessToken)
		assert.Equal(t, "rt", result.Credentials.RefreshToken)
		assert.Equal(t, "portal.qwen.ai", result.Credentials.ResourceURL)
		assert.Equal(t, testIssuedAt.UnixMilli()+3_600_000, result.Credentials.ExpiryDate)
		assert.Equal(t, DeviceCodeGrantType, form.Get("grant_type"))
		assert.Equal(t, ClientID, form.Get("client_id"))
		assert.Equal(t, "d1", form.Get("device_code"))
		assert.Equal(t, "verifier", form.Get("code_verifier"))
	})

	t.Run("authorization_pending", func(t *testing.T) {
		a := newTestAuthorizer(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSONBody(w, http.StatusBadRequest, `{"error":"authorization_pending"}`)
		})

		result, err := a.PollOnce(ctx, "d1", "verifier")

		require.NoError(t, err)
		assert.Nil(t, result.Credentials)
		assert.False(t, result.SlowDown)
	})

	for _, status := range []int{http.StatusTooManyRequests, http.StatusBadRequest} {
		t.Run("slow_down_"+http.StatusText(status), func(t *testing.T) {
			a := newTestAuthorizer(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSONBody(w, status, `{"error":"slow_down"}`)
			})

			result, err := a.PollOnce(ctx, "d1", "verifier")

			require.NoError(t, err)
			assert.Nil(t, result.Credentials)
			assert.True(t, result.SlowDown)
		})
	}

	t.Run("pending_on_wrong_status_is_failure", func(t *testing.T) {
		a := newTestAuthorizer(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSONBody(w, http.StatusInternalServerError, `{"error":"authorization_pending"}`)
		})

		_, err := a.PollOnce(ctx, "d1", "verifier")

		assert.ErrorIs(t, err, ErrTokenPollFailed)
	})

	for _, code := range []string{"access_denied", "expired_token"} {
		t.Run(code, func(t *testing.T) {
			a := newTestAuthorizer(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSONBody(w, http.StatusBadRequest, `{"error":"`+code+`"}`)
			})

			_, err := a.PollOnce(ctx, "d1", "verifier")

			require.ErrorIs(t, err, ErrTokenPollFailed)
			var respErr *ResponseError
			require.True(t, errors.As(err, &respErr))
			assert.Equal(t, code, respErr.Code)
		})
	}

	t.Run("unparsable_error_body", func(t *testing.T) {
		a := newTestAuthorizer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("<html>bad gateway</html>"))
		})

		_, err := a.PollOnce(ctx, "d1", "verifier")

		require.ErrorIs(t, err, ErrTokenPollFailed)
		assert.Contains(t, err.Error(), "bad gateway")
	})

	t.Run("network_error", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()
		a := NewAuthorizer(oauth2.Endpoint{TokenURL: srv.URL + "/token"})

		_, err := a.PollOnce(ctx, "d1", "verifier")

		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrTokenPollFailed)
	})
}

func TestRefreshAccessToken(t *testing.T) {
	ctx := context.Background()

	t.Run("success_carries_refresh_token_forward", func(t *testing.T) {
		var form url.Values
		a := newTestAuthorizer(t, func(w http.ResponseWriter, r *http.Request) {
			form = parseForm(t, r)
			writeJSONBody(w, http.StatusOK, `{"access_token":"new","token_type":"Bearer","expires_in":600}`)
		})

		creds, err := a.RefreshAccessToken(ctx, "rt")

		require.NoError(t, err)
		assert.Equal(t, "new", creds.AccessToken)
		assert.Equal(t, "rt", creds.RefreshToken)
		assert.Equal(t, testIssuedAt.UnixMilli()+600_000, creds.ExpiryDate)
		assert.Equal(t, "refresh_token", form.Get("grant_type"))
		assert.Equal(t, "rt", form.Get("refresh_token"))
		assert.Equal(t, ClientID, form.Get("client_id"))
	})

	t.Run("rotated_refresh_token", func(t *testing.T) {
		a := newTestAuthorizer(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSONBody(w, http.StatusOK, `{"access_token":"new","refresh_token":"rt2","expires_in":600}`)
		})

		creds, err := a.RefreshAccessToken(ctx, "rt")

		require.NoError(t, err)
		assert.Equal(t, "rt2", creds.RefreshToken)
	})

	t.Run("rejected", func(t *testing.T) {
		a := newTestAuthorizer(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSONBody(w, http.StatusBadRequest, `{"error":"invalid_grant"}`)
		})

		_, err := a.RefreshAccessToken(ctx, "rt")

		require.ErrorIs(t, err, ErrTokenRefreshFailed)
		var respErr *ResponseError
		require.True(t, errors.As(err, &respErr))
		assert.Equal(t, http.StatusBadRequest, respErr.StatusCode)
		assert.Equal(t, "invalid_grant", respErr.Code)
	})

	t.Run("custom_client_id", func(t *testing.T) {
		var form url.Values
		a := newTestAuthorizer(t, func(w http.ResponseWriter, r *http.Request) {
			form = parseForm(t, r)
			writeJSONBody(w, http.StatusOK, `{"access_token":"new"}`)
		})
		WithClientID("other")(a)

		_, err := a.RefreshAccessToken(ctx, "rt")

		require.NoError(t, err)
		assert.Equal(t, "other", form.Get("client_id"))
	})
}
