package tokensource

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"
)

// credentialField names one Credentials field in both naming conventions
// found in the wild: snake_case (wire and file format) and camelCase (host
// records and older tool versions).
type credentialField struct {
	snake string
	camel string
}

var (
	fieldAccessToken  = credentialField{"access_token", "accessToken"}
	fieldTokenType    = credentialField{"token_type", "tokenType"}
	fieldRefreshToken = credentialField{"refresh_token", "refreshToken"}
	fieldResourceURL  = credentialField{"resource_url", "resourceUrl"}
	fieldExpiryDate   = credentialField{"expiry_date", "expiryDate"}
	fieldScope        = credentialField{"scope", "scope"}
)

// get prefers the snake_case key and falls back to camelCase.
func (f credentialField) get(root gjson.Result) gjson.Result {
	if r := root.Get(f.snake); r.Exists() {
		return r
	}
	return root.Get(f.camel)
}

// decodeCredentials normalizes a JSON record in either naming convention.
func decodeCredentials(data []byte) (*Credentials, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.New("invalid JSON")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, errors.New("credentials record is not a JSON object")
	}

	creds := &Credentials{
		AccessToken:  fieldAccessToken.get(root).String(),
		TokenType:    fieldTokenType.get(root).String(),
		RefreshToken: fieldRefreshToken.get(root).String(),
		ResourceURL:  fieldResourceURL.get(root).String(),
		Scope:        fieldScope.get(root).String(),
	}
	if creds.AccessToken == "" {
		return nil, errors.New("missing access_token")
	}
	if creds.TokenType == "" {
		creds.TokenType = TokenTypeBearer
	}

	expiry, err := parseExpiry(fieldExpiryDate.get(root))
	if err != nil {
		return nil, err
	}
	creds.ExpiryDate = expiry

	return creds, nil
}

// parseExpiry accepts epoch milliseconds as a JSON number or numeric string.
func parseExpiry(r gjson.Result) (int64, error) {
	switch r.Type {
	case gjson.Null:
		return 0, nil
	case gjson.Number:
		return r.Int(), nil
	case gjson.String:
		if r.Str == "" {
			return 0, nil
		}
		ms, err := strconv.ParseInt(r.Str, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid expiry_date %q: %w", r.Str, err)
		}
		return ms, nil
	default:
		return 0, fmt.Errorf("invalid expiry_date type %s", r.Type)
	}
}

// encodeFileRecord writes creds in snake_case on top of existing. Keys this
// package does not own are kept so companion tools do not lose data; our own
// keys are replaced as a whole, including removal of camelCase aliases and of
// optional fields the new record lacks.
func encodeFileRecord(existing []byte, creds *Credentials) ([]byte, error) {
	out := []byte("{}")
	if gjson.ValidBytes(existing) && gjson.ParseBytes(existing).IsObject() {
		out = append([]byte(nil), existing...)
	}

	tokenType := creds.TokenType
	if tokenType == "" {
		tokenType = TokenTypeBearer
	}

	values := []struct {
		field credentialField
		value any
		set   bool
	}{
		{fieldAccessToken, creds.AccessToken, true},
		{fieldTokenType, tokenType, true},
		{fieldRefreshToken, creds.RefreshToken, creds.RefreshToken != ""},
		{fieldResourceURL, creds.ResourceURL, creds.ResourceURL != ""},
		{fieldExpiryDate, creds.ExpiryDate, creds.ExpiryDate != 0},
		{fieldScope, creds.Scope, creds.Scope != ""},
	}

	var err error
	for _, v := range values {
		if v.field.camel != v.field.snake {
			if out, err = sjson.DeleteBytes(out, v.field.camel); err != nil {
				return nil, fmt.Errorf("removing %s: %w", v.field.camel, err)
			}
		}
		if !v.set {
			if out, err = sjson.DeleteBytes(out, v.field.snake); err != nil {
				return nil, fmt.Errorf("removing %s: %w", v.field.snake, err)
			}
			continue
		}
		if out, err = sjson.SetBytes(out, v.field.snake, v.value); err != nil {
			return nil, fmt.Errorf("setting %s: %w", v.field.snake, err)
		}
	}

	return pretty.Pretty(out), nil
}

// hostRecord is the camelCase shape kept by the host application.
type hostRecord struct {
	Type         string `json:"type"`
	AccessToken  string `json:"accessToken"`
	TokenType    string `json:"tokenType,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ResourceURL  string `json:"resourceUrl,omitempty"`
	ExpiryDate   int64  `json:"expiryDate,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

func encodeHostRecord(host *HostCredential) ([]byte, error) {
	return json.Marshal(hostRecord{
		Type:         host.Type,
		AccessToken:  host.AccessToken,
		TokenType:    host.TokenType,
		RefreshToken: host.RefreshToken,
		ResourceURL:  host.ResourceURL,
		ExpiryDate:   host.ExpiryDate,
		Scope:        host.Scope,
	})
}

func decodeHostRecord(data []byte) (*HostCredential, error) {
	creds, err := decodeCredentials(data)
	if err != nil {
		return nil, err
	}
	credType := gjson.GetBytes(data, "type").String()
	if credType == "" {
		credType = CredentialTypeOAuth
	}
	return &HostCredential{Type: credType, Credentials: *creds}, nil
}
