package tokensource

import (
	"errors"
	"fmt"
)

// Error kinds returned by this package. Match them with errors.Is.
var (
	// ErrAuthorizationRequestFailed indicates the device code request was rejected.
	ErrAuthorizationRequestFailed = errors.New("device authorization request failed")

	// ErrTokenPollFailed indicates a poll error other than authorization_pending or slow_down.
	ErrTokenPollFailed = errors.New("device token poll failed")

	// ErrAuthorizationTimeout indicates the device code or caller deadline elapsed.
	ErrAuthorizationTimeout = errors.New("authorization timed out")

	// ErrTokenRefreshFailed indicates the refresh token grant was rejected.
	ErrTokenRefreshFailed = errors.New("token refresh failed")

	// ErrUnauthenticated indicates that no credential source holds a usable token.
	ErrUnauthenticated = errors.New("no usable credentials")

	// ErrAuthorizationConsumed indicates a pending authorization was already waited on.
	ErrAuthorizationConsumed = errors.New("device authorization already consumed")
)

// ResponseError is a rejected OAuth2 request. It keeps the HTTP status and
// the raw body so provider diagnostics reach the user unchanged.
type ResponseError struct {
	// Kind is one of the package error kinds and is what errors.Is matches.
	Kind       error
	StatusCode int
	Body       string

	// Code and Description are the OAuth2 "error" and "error_description"
	// fields, when the body carried them.
	Code        string
	Description string
}

// Error implements the error interface.
func (e *ResponseError) Error() string {
	if e.Code != "" {
		if e.Description != "" {
			return fmt.Sprintf("%v: status %d: %s: %s", e.Kind, e.StatusCode, e.Code, e.Description)
		}
		return fmt.Sprintf("%v: status %d: %s", e.Kind, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("%v: status %d: %s", e.Kind, e.StatusCode, e.Body)
}

// Is reports whether target is the error kind of e.
func (e *ResponseError) Is(target error) bool {
	return target == e.Kind
}
