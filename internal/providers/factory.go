// Package providers implements the nine provider adapters and the factory
// that builds them from persisted connections.
package providers

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/kalambet/callbridge/internal/integration"
	"github.com/kalambet/callbridge/internal/oauth"
	"github.com/kalambet/callbridge/internal/ratelimit"
)

// UnknownProviderError means a connection names a provider this build does not
// know. It signals a programming or data error and is never wrapped into the
// response envelope.
type UnknownProviderError struct {
	Provider integration.ProviderType
}

func (e *UnknownProviderError) Error() string {
	return fmt.Sprintf("unknown provider type %q", e.Provider)
}

// Deps are the collaborators shared by every adapter the factory builds.
type Deps struct {
	OAuth      *oauth.Registry
	HTTPClient *http.Client
	// BaseURLs overrides provider API roots, used to point adapters at test
	// servers.
	BaseURLs map[integration.ProviderType]string
	// Limits overrides the per-provider pacing policy. A nil entry disables it.
	Limits map[integration.ProviderType]func() ratelimit.Policy
	Logger *slog.Logger
}

// Factory constructs adapters. It holds no state beyond its dependencies.
type Factory struct {
	deps Deps
}

// NewFactory returns a factory using deps.
func NewFactory(deps Deps) *Factory {
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: defaultTimeout}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Factory{deps: deps}
}

// env is what a constructor needs besides the connection.
type env struct {
	oauth      *oauth.Registry
	httpClient *http.Client
	baseURL    string
	limiter    ratelimit.Policy
	logger     *slog.Logger
}

// defaultLimits are the documented throughput ceilings of each provider.
var defaultLimits = map[integration.ProviderType]func() ratelimit.Policy{
	integration.ProviderGoogleCalendar: func() ratelimit.Policy { return ratelimit.NewFixedDelay(100 * time.Millisecond) },
	integration.ProviderCalendly:       func() ratelimit.Policy { return ratelimit.NewFixedDelay(100 * time.Millisecond) },
	integration.ProviderSalesforce:     func() ratelimit.Policy { return ratelimit.NewFixedDelay(100 * time.Millisecond) },
	integration.ProviderHubSpot:        func() ratelimit.Policy { return ratelimit.PerWindow(100, 10*time.Second, 10) },
	integration.ProviderHighLevel:      func() ratelimit.Policy { return ratelimit.PerWindow(100, 10*time.Second, 10) },
	integration.ProviderCalCom:         func() ratelimit.Policy { return ratelimit.NewFixedDelay(100 * time.Millisecond) },
	integration.ProviderHousecallPro:   func() ratelimit.Policy { return ratelimit.NewFixedDelay(200 * time.Millisecond) },
	integration.ProviderStripe:         func() ratelimit.Policy { return ratelimit.NewTokenBucket(25, 5) },
	integration.ProviderZapier:         func() ratelimit.Policy { return ratelimit.NewFixedDelay(50 * time.Millisecond) },
}

func (f *Factory) env(p integration.ProviderType) env {
	newLimit := defaultLimits[p]
	if override, ok := f.deps.Limits[p]; ok {
		newLimit = override
	}
	var limiter ratelimit.Policy = ratelimit.None{}
	if newLimit != nil {
		limiter = newLimit()
	}
	return env{
		oauth:      f.deps.OAuth,
		httpClient: f.deps.HTTPClient,
		baseURL:    f.deps.BaseURLs[p],
		limiter:    limiter,
		logger:     f.deps.Logger.With("provider", p),
	}
}

// Create builds the adapter for conn. An unknown provider yields
// *UnknownProviderError; a structurally invalid connection yields a
// CONFIG_ERROR.
func (f *Factory) Create(conn integration.Connection) (integration.Integration, error) {
	e := f.env(conn.Provider)
	var (
		in  integration.Integration
		err error
	)
	switch conn.Provider {
	case integration.ProviderGoogleCalendar:
		in, err = newGoogleCalendar(conn, e)
	case integration.ProviderCalendly:
		in, err = newCalendly(conn, e)
	case integration.ProviderSalesforce:
		in, err = newSalesforce(conn, e)
	case integration.ProviderHubSpot:
		in, err = newHubSpot(conn, e)
	case integration.ProviderHighLevel:
		in, err = newHighLevel(conn, e)
	case integration.ProviderCalCom:
		in, err = newCalCom(conn, e)
	case integration.ProviderHousecallPro:
		in, err = newHousecallPro(conn, e)
	case integration.ProviderStripe:
		in, err = newStripe(conn, e)
	case integration.ProviderZapier:
		in, err = newZapier(conn, e)
	default:
		return nil, &UnknownProviderError{Provider: conn.Provider}
	}
	if err != nil {
		return nil, err
	}
	return in, nil
}

// OAuthScopes returns the fixed scope list of an OAuth provider, or nil.
func (f *Factory) OAuthScopes(p integration.ProviderType) []string {
	return oauth.Scopes(p)
}

// ValidateConfig checks the provider-specific configuration map and returns
// every problem found. An empty result means the config is usable.
func ValidateConfig(p integration.ProviderType, cfg map[string]any) []string {
	conn := &integration.Connection{Provider: p, Config: cfg}
	var errs []string
	require := func(key, what string) {
		if conn.ConfigString(key) == "" {
			errs = append(errs, fmt.Sprintf("%s is required (%s)", key, what))
		}
	}
	oneOf := func(key string, allowed ...string) {
		v := conn.ConfigString(key)
		if v == "" {
			return
		}
		for _, a := range allowed {
			if v == a {
				return
			}
		}
		errs = append(errs, fmt.Sprintf("%s must be one of %v, got %q", key, allowed, v))
	}
	hours := func() {
		start := conn.ConfigInt("business_start_hour", 9)
		end := conn.ConfigInt("business_end_hour", 17)
		if start < 0 || end > 24 || start >= end {
			errs = append(errs, fmt.Sprintf("business hours %d-%d are invalid", start, end))
		}
		if slot := conn.ConfigInt("slot_duration", 30); slot <= 0 {
			errs = append(errs, "slot_duration must be positive")
		}
	}

	switch p {
	case integration.ProviderGoogleCalendar:
		hours()
	case integration.ProviderCalendly:
		require("event_type_uri", "the Calendly event type to book")
		if uri := conn.ConfigString("event_type_uri"); uri != "" {
			if u, err := url.Parse(uri); err != nil || u.Scheme != "https" {
				errs = append(errs, "event_type_uri must be an https URL")
			}
		}
	case integration.ProviderSalesforce:
		oneOf("object_type", "lead", "contact")
	case integration.ProviderHubSpot:
		oneOf("object_type", "contacts", "leads")
	case integration.ProviderHighLevel:
		require("location_id", "the HighLevel sub-account")
		hours()
	case integration.ProviderCalCom:
		require("event_type_id", "the Cal.com event type to book")
		if v := conn.ConfigString("event_type_id"); v != "" && conn.ConfigInt("event_type_id", 0) <= 0 {
			errs = append(errs, "event_type_id must be a positive number")
		}
	case integration.ProviderHousecallPro, integration.ProviderStripe, integration.ProviderZapier:
	default:
		errs = append(errs, fmt.Sprintf("unknown provider %q", p))
	}
	return errs
}

// ValidateCredentials checks that the credential fields required by the
// provider's auth mode are present.
func ValidateCredentials(conn integration.Connection) []string {
	meta, err := GetMetadata(conn.Provider)
	if err != nil {
		return []string{err.Error()}
	}
	var errs []string
	switch meta.AuthMode {
	case integration.AuthOAuth:
		if conn.AccessToken == "" {
			errs = append(errs, "access token is missing; complete the OAuth flow")
		}
		if conn.Provider == integration.ProviderSalesforce && conn.InstanceURL == "" {
			errs = append(errs, "instance_url is required for salesforce")
		}
	case integration.AuthAPIKey:
		if conn.APIKey == "" {
			errs = append(errs, "api_key is required")
		}
	case integration.AuthWebhook:
		u, err := url.Parse(conn.WebhookURL)
		if conn.WebhookURL == "" || err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			errs = append(errs, "webhook_url must be an absolute http(s) URL")
		}
	}
	return errs
}

func configError(p integration.ProviderType, format string, args ...any) error {
	return integration.Errorf(integration.CodeConfig, string(p)+".create", format, args...)
}
