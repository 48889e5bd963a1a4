// Package tokensource provides OAuth2 device authorization, credential
// persistence and token refresh for the Qwen API.
//
// Qwen's OAuth2 implementation is a public-client Device Authorization Grant
// (RFC 8628) with PKCE (RFC 7636):
//   - The device code request carries a S256 code challenge
//   - The token poll carries the matching code verifier instead of a client secret
//   - Token responses may include a "resource_url" naming the API host to use
//   - slow_down is signalled with HTTP 429 rather than 400
//
// # Device Authorization Flow
//
// Use Flow to obtain credentials interactively:
//
//	auth := tokensource.NewAuthorizer(tokensource.Endpoint)
//	flow := tokensource.NewFlow(auth, tokensource.NewFileStore(path))
//	creds, err := flow.PerformDeviceAuthFlow(ctx, func(url, userCode string) {
//	  fmt.Printf("Visit %s and confirm code %s\n", url, userCode)
//	}, 0, 5*time.Minute)
//	// creds are already persisted to the file store
//
// # Credential Sources
//
// Two independent copies of the credentials may exist: one owned by the host
// application (HostStore) and the file shared with companion tools
// (FileStore, ~/.qwen/oauth_creds.json). Neither is authoritative. Manager
// resolves a usable token by trying the host credential first, refreshing it
// when it is about to expire, and falling back to the file:
//
//	manager := tokensource.NewManager(auth, store)
//	broker := tokensource.NewBroker(manager, tokensource.NewKeyringHostStore())
//	creds, err := broker.Credentials(ctx)
//	if errors.Is(err, tokensource.ErrUnauthenticated) {
//	  // run the device flow again
//	}
//
// The credential file is not locked. Writers (this package and companion
// tools) replace the whole file and the last write wins; writes happen about
// once per token lifetime.
package tokensource
