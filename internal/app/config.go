package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"golang.org/x/oauth2"

	"github.com/florianilch/qwenauth/internal/tokensource"
)

const (
	// EnvPrefix prefixes every configuration environment variable.
	// Nested keys are separated by a double underscore, e.g.
	// QWENAUTH_AUTH__HOST_STORAGE=none.
	EnvPrefix = "QWENAUTH_"

	// DebugEnv enables debug logging when present, whatever its value.
	DebugEnv = EnvPrefix + "DEBUG"

	defaultConfigFile = "qwenauth.toml"
	debugLogFile      = "logs/qwenauth-debug.log"
)

// HostStorageType selects where the host credential is kept.
type HostStorageType string

const (
	// HostStorageKeyring keeps the host credential in the OS keyring.
	HostStorageKeyring HostStorageType = "keyring"

	// HostStorageNone disables the host credential; only the file is used.
	HostStorageNone HostStorageType = "none"
)

// Config is the complete application configuration.
type Config struct {
	Auth   AuthConfig   `koanf:"auth"`
	Server ServerConfig `koanf:"server"`
	Log    LogConfig    `koanf:"log"`

	// Debug is set by the presence of QWENAUTH_DEBUG.
	Debug bool `koanf:"-"`
}

// AuthConfig configures the OAuth2 client and credential storage.
type AuthConfig struct {
	ClientID        string          `koanf:"client_id" validate:"required"`
	Scope           string          `koanf:"scope" validate:"required"`
	DeviceAuthURL   string          `koanf:"device_auth_url" validate:"required,url"`
	TokenURL        string          `koanf:"token_url" validate:"required,url"`
	CredentialsPath string          `koanf:"credentials_path" validate:"required"`
	HostStorage     HostStorageType `koanf:"host_storage" validate:"oneof=keyring none"`
	PollInterval    time.Duration   `koanf:"poll_interval" validate:"gt=0"`
	PollCeiling     time.Duration   `koanf:"poll_ceiling" validate:"gtefield=PollInterval"`
	Timeout         time.Duration   `koanf:"timeout" validate:"gte=0"`
}

// ServerConfig configures the token-injecting proxy.
type ServerConfig struct {
	Addr           string `koanf:"addr" validate:"required,hostname_port"`
	DefaultBaseURL string `koanf:"default_base_url" validate:"required,url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level    string `koanf:"level" validate:"oneof=debug info warn error DEBUG INFO WARN ERROR"`
	Format   string `koanf:"format" validate:"oneof=text json"`
	Exporter string `koanf:"exporter" validate:"oneof=none stdout otlp-grpc otlp-http"`
}

// DefaultConfigPath returns <home>/.qwen/qwenauth.toml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, tokensource.DefaultCredentialsDir, defaultConfigFile), nil
}

func defaults() map[string]any {
	credentialsPath, _ := tokensource.DefaultCredentialsPath()

	return map[string]any{
		"auth.client_id":          tokensource.ClientID,
		"auth.scope":              tokensource.Scope,
		"auth.device_auth_url":    tokensource.Endpoint.DeviceAuthURL,
		"auth.token_url":          tokensource.Endpoint.TokenURL,
		"auth.credentials_path":   credentialsPath,
		"auth.host_storage":       string(HostStorageKeyring),
		"auth.poll_interval":      tokensource.DefaultPollInterval.String(),
		"auth.poll_ceiling":       tokensource.DefaultPollCeiling.String(),
		"auth.timeout":            (5 * time.Minute).String(),
		"server.addr":             "127.0.0.1:4000",
		"server.default_base_url": tokensource.DefaultBaseURL,
		"log.level":               "info",
		"log.format":              "text",
		"log.exporter":            "none",
	}
}

// LoadConfig layers defaults, the TOML file at path, QWENAUTH_* environment
// variables and flag overrides, in increasing precedence.
//
// An empty path loads the default config file if it exists. Flag overrides
// use dotted keys such as "log.level".
func LoadConfig(path string, flags map[string]any, environ func() []string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	optional := path == ""
	if optional {
		defaultPath, err := DefaultConfigPath()
		if err == nil {
			path = defaultPath
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			if !optional || !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("loading config file %s: %w", path, err)
			}
		}
	}

	debug := false
	envProvider := env.Provider(".", env.Opt{
		Prefix:      EnvPrefix,
		EnvironFunc: environ,
		TransformFunc: func(key, value string) (string, any) {
			if key == DebugEnv {
				debug = true
				return "", nil
			}
			key = strings.TrimPrefix(key, EnvPrefix)
			key = strings.ReplaceAll(strings.ToLower(key), "__", ".")
			return key, value
		},
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	if len(flags) > 0 {
		if err := k.Load(confmap.Provider(flags, "."), nil); err != nil {
			return nil, fmt.Errorf("loading flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.Debug = debug
	if cfg.Debug {
		cfg.Log.Level = "debug"
	}

	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// DebugLogPath returns the rotating debug log file, or "" unless Debug is set.
func (c *Config) DebugLogPath() string {
	if !c.Debug {
		return ""
	}
	return filepath.Join(filepath.Dir(c.Auth.CredentialsPath), debugLogFile)
}

// Endpoint returns the configured OAuth2 endpoint.
func (c *AuthConfig) Endpoint() oauth2.Endpoint {
	endpoint := tokensource.Endpoint
	endpoint.DeviceAuthURL = c.DeviceAuthURL
	endpoint.TokenURL = c.TokenURL
	return endpoint
}

// NewAuthorizer creates an authorizer for the configured client.
func (c *AuthConfig) NewAuthorizer(opts ...tokensource.Option) *tokensource.Authorizer {
	opts = append([]tokensource.Option{
		tokensource.WithClientID(c.ClientID),
		tokensource.WithScope(c.Scope),
	}, opts...)
	return tokensource.NewAuthorizer(c.Endpoint(), opts...)
}

// NewFileStore creates the credentials file store.
func (c *AuthConfig) NewFileStore() *tokensource.FileStore {
	return tokensource.NewFileStore(c.CredentialsPath)
}

// NewHostStore creates the configured host store, or nil for "none".
func (c *AuthConfig) NewHostStore() tokensource.HostStore {
	switch c.HostStorage {
	case HostStorageKeyring:
		return tokensource.NewKeyringHostStore()
	default:
		return nil
	}
}

// NewFlow creates a device flow that persists to the credentials file.
func (c *AuthConfig) NewFlow(authorizer *tokensource.Authorizer) *tokensource.Flow {
	return tokensource.NewFlow(authorizer, c.NewFileStore(),
		tokensource.WithPollInterval(c.PollInterval),
		tokensource.WithPollCeiling(c.PollCeiling),
	)
}

// NewBroker wires the host store, file store and authorizer into a broker.
func (c *AuthConfig) NewBroker(authorizer *tokensource.Authorizer) *tokensource.Broker {
	manager := tokensource.NewManager(authorizer, c.NewFileStore())
	return tokensource.NewBroker(manager, c.NewHostStore())
}
