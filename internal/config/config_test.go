package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/callbridge/internal/integration"
)

// memBackend is an in-memory ConfigBackend.
type memBackend map[string]string

func newMemBackend() memBackend { return memBackend{} }

func (m memBackend) Get(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

func (m memBackend) Set(key, raw string) error {
	m[key] = raw
	return nil
}

// TestDefaults verifies all default values are applied when nothing is configured.
func TestDefaults(t *testing.T) {
	t.Setenv("CALLBRIDGE_API_TOKEN", "tok")

	cfg, err := loadWith(newMemBackend())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4000 {
		t.Errorf("Server.Port = %d, want 4000", cfg.Server.Port)
	}
	if cfg.Server.BaseURL != "http://localhost:4000" {
		t.Errorf("Server.BaseURL = %q", cfg.Server.BaseURL)
	}
	if cfg.Storage.Driver != DriverSQLite {
		t.Errorf("Storage.Driver = %q, want sqlite", cfg.Storage.Driver)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
	if cfg.Sync.AdapterTimeout != 30*time.Second || cfg.Sync.MaxConcurrency != 8 {
		t.Errorf("Sync = %+v", cfg.Sync)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = false, want true")
	}
	if len(cfg.OAuthProviders()) != 0 {
		t.Errorf("OAuthProviders = %v, want none", cfg.OAuthProviders())
	}
}

// TestBackendValues verifies every non-secret key type is read from the backend.
func TestBackendValues(t *testing.T) {
	t.Setenv("CALLBRIDGE_API_TOKEN", "tok")
	b := newMemBackend()
	b["server.port"] = "5000"
	b["server.base_url"] = "https://calls.example.com/"
	b["storage.data_dir"] = "/tmp/callbridge-test"
	b["sync.adapter_timeout"] = "45s"
	b["sync.max_concurrency"] = "3"
	b["metrics.enabled"] = "false"
	b["api.rate_limit"] = "2.5"
	b["oauth.hubspot.client_id"] = "hs-id"

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Server.BaseURL != "https://calls.example.com" {
		t.Errorf("Server.BaseURL = %q, want trailing slash trimmed", cfg.Server.BaseURL)
	}
	if cfg.Storage.DataDir != "/tmp/callbridge-test" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Sync.AdapterTimeout != 45*time.Second || cfg.Sync.MaxConcurrency != 3 {
		t.Errorf("Sync = %+v", cfg.Sync)
	}
	if cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = true, want false")
	}
	if cfg.API.RateLimit != 2.5 {
		t.Errorf("API.RateLimit = %v, want 2.5", cfg.API.RateLimit)
	}
	if cfg.OAuth.Clients[integration.ProviderHubSpot].ClientID != "hs-id" {
		t.Errorf("hubspot client = %+v", cfg.OAuth.Clients[integration.ProviderHubSpot])
	}
}

// TestSecretsIgnoredInBackend verifies secrets are only read from the environment.
func TestSecretsIgnoredInBackend(t *testing.T) {
	t.Setenv("CALLBRIDGE_API_TOKEN", "")
	b := newMemBackend()
	b["api.token"] = "file-token"

	if _, err := loadWith(b); err == nil || !strings.Contains(err.Error(), "missing required config") {
		t.Fatalf("err = %v, want missing required config", err)
	}
}

// TestEnvOverride verifies that environment variables override backend values.
func TestEnvOverride(t *testing.T) {
	t.Setenv("CALLBRIDGE_API_TOKEN", "env-token")
	t.Setenv("CALLBRIDGE_SERVER_PORT", "6000")
	t.Setenv("CALLBRIDGE_SYNC_ADAPTER_TIMEOUT", "5s")
	t.Setenv("CALLBRIDGE_OAUTH_GOOGLE_CALENDAR_CLIENT_ID", "g-id")
	t.Setenv("CALLBRIDGE_OAUTH_GOOGLE_CALENDAR_CLIENT_SECRET", "g-secret")
	t.Setenv("CALLBRIDGE_OAUTH_STATE_SECRET", "state")
	b := newMemBackend()
	b["server.port"] = "5000"

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.API.Token != "env-token" {
		t.Errorf("API.Token = %q", cfg.API.Token)
	}
	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want env value 6000", cfg.Server.Port)
	}
	if cfg.Sync.AdapterTimeout != 5*time.Second {
		t.Errorf("AdapterTimeout = %v", cfg.Sync.AdapterTimeout)
	}
	got := cfg.OAuthProviders()
	if len(got) != 1 || got[0] != integration.ProviderGoogleCalendar {
		t.Errorf("OAuthProviders = %v, want [google_calendar]", got)
	}
}

// TestInvalidEnvKeepsDefault verifies an unparsable override leaves the default.
func TestInvalidEnvKeepsDefault(t *testing.T) {
	t.Setenv("CALLBRIDGE_API_TOKEN", "tok")
	t.Setenv("CALLBRIDGE_SYNC_MAX_CONCURRENCY", "lots")

	cfg, err := loadWith(newMemBackend())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Sync.MaxConcurrency != 8 {
		t.Errorf("MaxConcurrency = %d, want default 8", cfg.Sync.MaxConcurrency)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"postgres without dsn", map[string]string{"CALLBRIDGE_STORAGE_DRIVER": "postgres"}, "POSTGRES_DSN"},
		{"unknown driver", map[string]string{"CALLBRIDGE_STORAGE_DRIVER": "mysql"}, "invalid storage.driver"},
		{"oauth without state secret", map[string]string{
			"CALLBRIDGE_OAUTH_HUBSPOT_CLIENT_ID":     "id",
			"CALLBRIDGE_OAUTH_HUBSPOT_CLIENT_SECRET": "secret",
		}, "STATE_SECRET"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CALLBRIDGE_API_TOKEN", "tok")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := loadWith(newMemBackend())
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want it to contain %q", err, tt.want)
			}
		})
	}

	t.Run("postgres with dsn", func(t *testing.T) {
		t.Setenv("CALLBRIDGE_API_TOKEN", "tok")
		t.Setenv("CALLBRIDGE_STORAGE_DRIVER", "Postgres")
		t.Setenv("CALLBRIDGE_STORAGE_POSTGRES_DSN", "postgres://localhost/callbridge")
		cfg, err := loadWith(newMemBackend())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Storage.Driver != DriverPostgres {
			t.Errorf("Driver = %q", cfg.Storage.Driver)
		}
	})
}

func TestSetKey(t *testing.T) {
	b := newMemBackend()

	if err := setKey(b, "server.port", "4100"); err != nil {
		t.Fatalf("setKey(server.port): %v", err)
	}
	if b["server.port"] != "4100" {
		t.Errorf("server.port = %q", b["server.port"])
	}
	if err := setKey(b, "metrics.enabled", "false"); err != nil {
		t.Fatalf("setKey(metrics.enabled): %v", err)
	}
	if b["metrics.enabled"] != "false" {
		t.Errorf("metrics.enabled = %q", b["metrics.enabled"])
	}

	tests := []struct {
		key, value, want string
	}{
		{"api.token", "x", "cannot set secret"},
		{"oauth.hubspot.client_secret", "x", "CALLBRIDGE_OAUTH_HUBSPOT_CLIENT_SECRET"},
		{"server.port", "abc", "invalid value"},
		{"sync.adapter_timeout", "soon", "invalid value"},
		{"nope", "1", "unknown config key"},
	}
	for _, tt := range tests {
		err := setKey(b, tt.key, tt.value)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("setKey(%s) err = %v, want %q", tt.key, err, tt.want)
		}
	}
}

func TestShowAll_HidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.API.Token = "super-secret"
	cfg.OAuth.Clients[integration.ProviderSalesforce] = OAuthClient{ClientID: "sf-id", ClientSecret: "sf-secret"}

	var sawClientID bool
	for _, k := range ShowAll(cfg) {
		if strings.Contains(k.Value, "secret") {
			t.Errorf("ShowAll exposed %s = %q", k.Key, k.Value)
		}
		if k.Key == "oauth.salesforce.client_id" && k.Value == "sf-id" {
			sawClientID = true
		}
	}
	if !sawClientID {
		t.Error("oauth.salesforce.client_id missing from ShowAll")
	}
	for _, k := range ValidKeys() {
		if k == "api.token" || strings.HasSuffix(k, ".client_secret") {
			t.Errorf("ValidKeys includes secret %s", k)
		}
	}
}

func TestFileBackend_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "callbridge", "config.json")
	b := newFileBackend(path)
	if err := setKey(b, "sync.max_concurrency", "4"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if err := setKey(b, "storage.data_dir", "/srv/callbridge"); err != nil {
		t.Fatalf("setKey: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("config file mode = %v, want 0600", info.Mode().Perm())
	}

	t.Setenv("CALLBRIDGE_API_TOKEN", "tok")
	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Sync.MaxConcurrency != 4 || cfg.Storage.DataDir != "/srv/callbridge" {
		t.Errorf("reloaded config = %+v %+v", cfg.Sync, cfg.Storage)
	}
}

func TestFileBackend_HandEditedTypes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"server.port": 4100, "metrics.enabled": false, "api.rate_limit": 2.5, "storage.data_dir": null}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CALLBRIDGE_API_TOKEN", "tok")

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 4100 || cfg.Metrics.Enabled || cfg.API.RateLimit != 2.5 {
		t.Errorf("config = %+v %+v %+v", cfg.Server, cfg.Metrics, cfg.API)
	}
	if cfg.Storage.DataDir != defaultDataDir() {
		t.Errorf("null data_dir should keep the default, got %q", cfg.Storage.DataDir)
	}
}

func TestFileBackend_RejectsMalformedValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"server.port": 4000.5}`), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CALLBRIDGE_API_TOKEN", "tok")
	_, err := loadWith(newFileBackend(path))
	if err == nil || !strings.Contains(err.Error(), "server.port") {
		t.Errorf("err = %v, want an error naming server.port", err)
	}
}

func TestConfigFilePath_XDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := configFilePath(); got != filepath.Join("/xdg", "callbridge", "config.json") {
		t.Errorf("configFilePath = %q", got)
	}
}
