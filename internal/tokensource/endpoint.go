package tokensource

import "golang.org/x/oauth2"

const (
	// ClientID is the public OAuth2 client registered for Qwen Code.
	ClientID = "f0304373b74a44d2b584a3fb70ca9e56"

	// Scope is requested on every device authorization.
	Scope = "openid profile email model.completion"

	// DeviceCodeGrantType is the RFC 8628 grant type for token polling.
	DeviceCodeGrantType = "urn:ietf:params:oauth:grant-type:device_code"

	// DefaultBaseURL serves API calls for credentials without a resource URL.
	DefaultBaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"
)

// Endpoint is Qwen's OAuth2 endpoint. The device flow never redirects, so
// AuthURL stays empty.
var Endpoint = oauth2.Endpoint{
	DeviceAuthURL: "https://chat.qwen.ai/api/v1/oauth2/device/code",
	TokenURL:      "https://chat.qwen.ai/api/v1/oauth2/token",
	AuthStyle:     oauth2.AuthStyleInParams,
}
