// Package oauth holds the OAuth2 client configuration of the providers that
// use it and wraps authorization, code exchange and refresh.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/kalambet/callbridge/internal/integration"
)

// DefaultTokenLifetime is assumed when a provider omits expires_in.
const DefaultTokenLifetime = time.Hour

var (
	// ErrNotOAuth is returned for providers that do not authenticate with OAuth.
	ErrNotOAuth = errors.New("provider does not use oauth")
	// ErrNotConfigured means no client id/secret is set for the provider.
	ErrNotConfigured = errors.New("oauth client is not configured")
)

var endpoints = map[integration.ProviderType]oauth2.Endpoint{
	integration.ProviderGoogleCalendar: google.Endpoint,
	integration.ProviderCalendly: {
		AuthURL:  "https://auth.calendly.com/oauth/authorize",
		TokenURL: "https://auth.calendly.com/oauth/token",
	},
	integration.ProviderSalesforce: {
		AuthURL:  "https://login.salesforce.com/services/oauth2/authorize",
		TokenURL: "https://login.salesforce.com/services/oauth2/token",
	},
	integration.ProviderHubSpot: {
		AuthURL:   "https://app.hubspot.com/oauth/authorize",
		TokenURL:  "https://api.hubapi.com/oauth/v1/token",
		AuthStyle: oauth2.AuthStyleInParams,
	},
}

var scopes = map[integration.ProviderType][]string{
	integration.ProviderGoogleCalendar: {
		"https://www.googleapis.com/auth/calendar",
		"https://www.googleapis.com/auth/calendar.events",
	},
	integration.ProviderCalendly:   {"default"},
	integration.ProviderSalesforce: {"api", "refresh_token", "offline_access"},
	integration.ProviderHubSpot: {
		"crm.objects.contacts.read",
		"crm.objects.contacts.write",
		"crm.objects.leads.read",
		"crm.objects.leads.write",
		"crm.objects.appointments.write",
		"oauth",
	},
}

// Scopes returns the scope list an OAuth provider requires, or nil for
// providers that do not use OAuth.
func Scopes(p integration.ProviderType) []string {
	s, ok := scopes[p]
	if !ok {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

// Supports reports whether p authenticates with OAuth.
func Supports(p integration.ProviderType) bool {
	_, ok := endpoints[p]
	return ok
}

// Credentials configures one provider's OAuth client. AuthURL and TokenURL
// override the provider's default endpoint when set.
type Credentials struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
}

// Registry builds oauth2 configs for every configured provider.
type Registry struct {
	mu         sync.RWMutex
	creds      map[integration.ProviderType]Credentials
	baseURL    string
	httpClient *http.Client
}

// NewRegistry returns a registry whose redirect URLs are rooted at baseURL.
func NewRegistry(baseURL string) *Registry {
	return &Registry{
		creds:      make(map[integration.ProviderType]Credentials),
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Register sets the client credentials for p.
func (r *Registry) Register(p integration.ProviderType, c Credentials) error {
	if !Supports(p) {
		return fmt.Errorf("%s: %w", p, ErrNotOAuth)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creds[p] = c
	return nil
}

// Configured reports whether p has client credentials.
func (r *Registry) Configured(p integration.ProviderType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.creds[p]
	return ok && c.ClientID != ""
}

// RedirectURL is the callback the provider returns to.
func (r *Registry) RedirectURL(p integration.ProviderType) string {
	return r.baseURL + "/oauth/" + string(p) + "/callback"
}

// Config returns the oauth2 configuration for p.
func (r *Registry) Config(p integration.ProviderType) (*oauth2.Config, error) {
	ep, ok := endpoints[p]
	if !ok {
		return nil, fmt.Errorf("%s: %w", p, ErrNotOAuth)
	}
	r.mu.RLock()
	c, ok := r.creds[p]
	r.mu.RUnlock()
	if !ok || c.ClientID == "" {
		return nil, fmt.Errorf("%s: %w", p, ErrNotConfigured)
	}
	if c.AuthURL != "" {
		ep.AuthURL = c.AuthURL
	}
	if c.TokenURL != "" {
		ep.TokenURL = c.TokenURL
	}
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  r.RedirectURL(p),
		Scopes:       Scopes(p),
		Endpoint:     ep,
	}, nil
}

// AuthCodeURL builds the authorization URL carrying state.
func (r *Registry) AuthCodeURL(p integration.ProviderType, state string) (string, error) {
	cfg, err := r.Config(p)
	if err != nil {
		return "", err
	}
	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	if p == integration.ProviderGoogleCalendar {
		opts = append(opts, oauth2.ApprovalForce)
	}
	return cfg.AuthCodeURL(state, opts...), nil
}

// Exchange trades an authorization code for tokens.
func (r *Registry) Exchange(ctx context.Context, p integration.ProviderType, code string) (integration.TokenSnapshot, error) {
	cfg, err := r.Config(p)
	if err != nil {
		return integration.TokenSnapshot{}, err
	}
	tok, err := cfg.Exchange(r.withClient(ctx), code)
	if err != nil {
		return integration.TokenSnapshot{}, fmt.Errorf("exchanging %s code: %w", p, err)
	}
	return Snapshot(tok), nil
}

// Refresh obtains a new access token from refreshToken. The provider may
// rotate the refresh token; when it does not, the old one is kept.
func (r *Registry) Refresh(ctx context.Context, p integration.ProviderType, refreshToken string) (integration.TokenSnapshot, error) {
	if refreshToken == "" {
		return integration.TokenSnapshot{}, fmt.Errorf("%s: no refresh token stored", p)
	}
	cfg, err := r.Config(p)
	if err != nil {
		return integration.TokenSnapshot{}, err
	}
	expired := &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Now().Add(-time.Minute)}
	tok, err := cfg.TokenSource(r.withClient(ctx), expired).Token()
	if err != nil {
		return integration.TokenSnapshot{}, fmt.Errorf("refreshing %s token: %w", p, err)
	}
	return Snapshot(tok), nil
}

func (r *Registry) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
}

// Snapshot converts an oauth2 token into the value persisted on a connection.
func Snapshot(tok *oauth2.Token) integration.TokenSnapshot {
	exp := tok.Expiry
	if exp.IsZero() {
		exp = time.Now().Add(DefaultTokenLifetime)
	}
	snap := integration.TokenSnapshot{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    exp.UTC(),
	}
	if inst, ok := tok.Extra("instance_url").(string); ok {
		snap.InstanceURL = inst
	}
	return snap
}
