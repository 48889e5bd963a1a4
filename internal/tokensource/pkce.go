package tokensource

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
)

// stateBytes is the amount of randomness in a state token.
const stateBytes = 32

// PKCE holds the verifier/challenge pair of a single authorization attempt.
// It is never persisted.
type PKCE struct {
	Verifier  string
	Challenge string
	Method    string
}

// NewPKCE generates a fresh verifier and its S256 challenge.
func NewPKCE() *PKCE {
	verifier := GenerateVerifier()
	return &PKCE{
		Verifier:  verifier,
		Challenge: GenerateChallenge(verifier),
		Method:    "S256",
	}
}

// GenerateVerifier returns 32 bytes of crypto/rand output, base64url-encoded
// without padding (43 characters). It panics if the system RNG fails.
func GenerateVerifier() string {
	return oauth2.GenerateVerifier()
}

// GenerateChallenge returns base64url(SHA-256(verifier)) without padding.
func GenerateChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// GenerateState returns an independent random token for CSRF protection.
func GenerateState() (string, error) {
	buf := make([]byte, stateBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
