package config

import (
	"fmt"
	"time"

	"github.com/kalambet/callbridge/internal/integration"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Log     LogConfig
	Sync    SyncConfig
	Metrics MetricsConfig
	API     APIConfig
	OAuth   OAuthConfig
}

type ServerConfig struct {
	Port int
	// BaseURL is the public root the OAuth redirect URLs are built from.
	BaseURL string
}

type StorageConfig struct {
	Driver      string
	DataDir     string
	PostgresDSN string
}

type LogConfig struct {
	Level string
}

type SyncConfig struct {
	AdapterTimeout time.Duration
	MaxConcurrency int
}

type MetricsConfig struct {
	Enabled bool
}

type APIConfig struct {
	Token string
	// RateLimit is requests per second per client; zero disables throttling.
	RateLimit float64
	RateBurst int
}

type OAuthConfig struct {
	StateSecret string
	Clients     map[integration.ProviderType]OAuthClient
}

// OAuthClient is one provider's registered application.
type OAuthClient struct {
	ClientID     string
	ClientSecret string
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:    4000,
			BaseURL: "http://localhost:4000",
		},
		Storage: StorageConfig{
			Driver:  DriverSQLite,
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Sync: SyncConfig{
			AdapterTimeout: 30 * time.Second,
			MaxConcurrency: 8,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		API: APIConfig{
			RateLimit: 20,
			RateBurst: 40,
		},
		OAuth: OAuthConfig{
			Clients: make(map[integration.ProviderType]OAuthClient),
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/callbridge/config.json, then applies CALLBRIDGE_*
// environment overrides. Secrets are read from the environment only.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	if cfg.API.Token == "" {
		return fmt.Errorf("missing required config: API token. Set it via environment variable CALLBRIDGE_API_TOKEN")
	}
	switch cfg.Storage.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if cfg.Storage.PostgresDSN == "" {
			return fmt.Errorf("missing required config: storage driver %q needs CALLBRIDGE_STORAGE_POSTGRES_DSN", DriverPostgres)
		}
	default:
		return fmt.Errorf("invalid storage.driver %q: want %s or %s", cfg.Storage.Driver, DriverSQLite, DriverPostgres)
	}
	if len(cfg.OAuthProviders()) > 0 && cfg.OAuth.StateSecret == "" {
		return fmt.Errorf("missing required config: oauth clients are configured but CALLBRIDGE_OAUTH_STATE_SECRET is empty")
	}
	return nil
}

// OAuthProviders returns the providers with both a client id and secret, in
// display order.
func (cfg Config) OAuthProviders() []integration.ProviderType {
	var out []integration.ProviderType
	for _, p := range integration.AllProviders {
		c, ok := cfg.OAuth.Clients[p]
		if ok && c.ClientID != "" && c.ClientSecret != "" {
			out = append(out, p)
		}
	}
	return out
}
