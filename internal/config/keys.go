package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/callbridge/internal/integration"
	"github.com/kalambet/callbridge/internal/oauth"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = append([]keySpec{
	{
		key: "server.port", typ: kInt, env: "CALLBRIDGE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.base_url", typ: kString, env: "CALLBRIDGE_SERVER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Server.BaseURL = strings.TrimRight(v.(string), "/") },
		extract: func(cfg Config) any { return cfg.Server.BaseURL },
	},
	{
		key: "storage.driver", typ: kString, env: "CALLBRIDGE_STORAGE_DRIVER",
		apply:   func(cfg *Config, v any) { cfg.Storage.Driver = strings.ToLower(v.(string)) },
		extract: func(cfg Config) any { return cfg.Storage.Driver },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CALLBRIDGE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.postgres_dsn", typ: kString, env: "CALLBRIDGE_STORAGE_POSTGRES_DSN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Storage.PostgresDSN = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.PostgresDSN },
	},
	{
		key: "log.level", typ: kString, env: "CALLBRIDGE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "sync.adapter_timeout", typ: kDuration, env: "CALLBRIDGE_SYNC_ADAPTER_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Sync.AdapterTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.AdapterTimeout },
	},
	{
		key: "sync.max_concurrency", typ: kInt, env: "CALLBRIDGE_SYNC_MAX_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Sync.MaxConcurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.MaxConcurrency },
	},
	{
		key: "metrics.enabled", typ: kBool, env: "CALLBRIDGE_METRICS_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Metrics.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Metrics.Enabled },
	},
	{
		key: "api.token", typ: kString, env: "CALLBRIDGE_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.API.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Token },
	},
	{
		key: "api.rate_limit", typ: kFloat, env: "CALLBRIDGE_API_RATE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.API.RateLimit = v.(float64) },
		extract: func(cfg Config) any { return cfg.API.RateLimit },
	},
	{
		key: "api.rate_burst", typ: kInt, env: "CALLBRIDGE_API_RATE_BURST",
		apply:   func(cfg *Config, v any) { cfg.API.RateBurst = v.(int) },
		extract: func(cfg Config) any { return cfg.API.RateBurst },
	},
	{
		key: "oauth.state_secret", typ: kString, env: "CALLBRIDGE_OAUTH_STATE_SECRET",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.OAuth.StateSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.OAuth.StateSecret },
	},
}, oauthClientSpecs()...)

// oauthClientSpecs returns a client id key and a secret client secret key
// for every provider that authenticates with OAuth.
func oauthClientSpecs() []keySpec {
	var out []keySpec
	for _, p := range integration.AllProviders {
		if !oauth.Supports(p) {
			continue
		}
		p := p
		prefix := "oauth." + string(p)
		envPrefix := "CALLBRIDGE_OAUTH_" + strings.ToUpper(string(p))
		out = append(out,
			keySpec{
				key: prefix + ".client_id", typ: kString, env: envPrefix + "_CLIENT_ID",
				apply: func(cfg *Config, v any) {
					c := cfg.OAuth.Clients[p]
					c.ClientID = v.(string)
					cfg.OAuth.Clients[p] = c
				},
				extract: func(cfg Config) any { return cfg.OAuth.Clients[p].ClientID },
			},
			keySpec{
				key: prefix + ".client_secret", typ: kString, env: envPrefix + "_CLIENT_SECRET",
				secret: true,
				apply: func(cfg *Config, v any) {
					c := cfg.OAuth.Clients[p]
					c.ClientSecret = v.(string)
					cfg.OAuth.Clients[p] = c
				},
				extract: func(cfg Config) any { return cfg.OAuth.Clients[p].ClientSecret },
			},
		)
	}
	return out
}

// parseValue converts raw to the Go type of typ.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kString:
		return raw, nil
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return nil, fmt.Errorf("unsupported key type %d", typ)
	}
}

// applyBackend reads every non-secret key from b. Unlike environment
// overrides, a malformed stored value is an error.
func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		raw, ok := b.Get(s.key)
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			return fmt.Errorf("invalid value for %s in config file: %w", s.key, err)
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
