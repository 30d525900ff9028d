package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/callbridge/internal/integration"
)

func newTokenServer(t *testing.T, handle func(form url.Values) map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(handle(r.PostForm))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestScopes(t *testing.T) {
	if got := Scopes(integration.ProviderStripe); got != nil {
		t.Errorf("Scopes(stripe) = %v, want nil", got)
	}
	got := Scopes(integration.ProviderGoogleCalendar)
	if len(got) == 0 {
		t.Fatal("google scopes empty")
	}
	got[0] = "mutated"
	if Scopes(integration.ProviderGoogleCalendar)[0] == "mutated" {
		t.Error("Scopes must return a copy")
	}
	for _, p := range []integration.ProviderType{
		integration.ProviderGoogleCalendar, integration.ProviderCalendly,
		integration.ProviderSalesforce, integration.ProviderHubSpot,
	} {
		if !Supports(p) {
			t.Errorf("Supports(%s) = false", p)
		}
	}
	if Supports(integration.ProviderZapier) {
		t.Error("zapier is not an oauth provider")
	}
}

func TestRegistry_NotConfigured(t *testing.T) {
	r := NewRegistry("https://app.example.com")
	if _, err := r.Config(integration.ProviderHubSpot); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
	if err := r.Register(integration.ProviderStripe, Credentials{ClientID: "x"}); !errors.Is(err, ErrNotOAuth) {
		t.Errorf("Register(stripe) err = %v, want ErrNotOAuth", err)
	}
}

func TestAuthCodeURL(t *testing.T) {
	r := NewRegistry("https://app.example.com")
	if err := r.Register(integration.ProviderGoogleCalendar, Credentials{ClientID: "cid", ClientSecret: "sec"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	raw, err := r.AuthCodeURL(integration.ProviderGoogleCalendar, "st4te")
	if err != nil {
		t.Fatalf("AuthCodeURL: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	q := u.Query()
	if q.Get("state") != "st4te" || q.Get("client_id") != "cid" || q.Get("access_type") != "offline" {
		t.Errorf("query = %v", q)
	}
	if q.Get("redirect_uri") != "https://app.example.com/oauth/google_calendar/callback" {
		t.Errorf("redirect_uri = %q", q.Get("redirect_uri"))
	}
	if !strings.Contains(q.Get("scope"), "calendar") {
		t.Errorf("scope = %q", q.Get("scope"))
	}
}

func TestExchange_SalesforceInstanceURL(t *testing.T) {
	srv := newTokenServer(t, func(form url.Values) map[string]any {
		if form.Get("grant_type") != "authorization_code" || form.Get("code") != "abc" {
			t.Errorf("form = %v", form)
		}
		return map[string]any{
			"access_token":  "at",
			"refresh_token": "rt",
			"token_type":    "Bearer",
			"instance_url":  "https://na1.my.salesforce.com",
		}
	})
	r := NewRegistry("http://localhost")
	r.Register(integration.ProviderSalesforce, Credentials{ClientID: "cid", ClientSecret: "sec", TokenURL: srv.URL})

	snap, err := r.Exchange(context.Background(), integration.ProviderSalesforce, "abc")
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if snap.AccessToken != "at" || snap.RefreshToken != "rt" {
		t.Errorf("snap = %+v", snap)
	}
	if snap.InstanceURL != "https://na1.my.salesforce.com" {
		t.Errorf("InstanceURL = %q", snap.InstanceURL)
	}
	// No expires_in: default lifetime applies.
	if d := time.Until(snap.ExpiresAt); d < 55*time.Minute || d > 61*time.Minute {
		t.Errorf("ExpiresAt in %v, want ~1h", d)
	}
}

func TestRefresh_KeepsRefreshTokenWhenNotRotated(t *testing.T) {
	srv := newTokenServer(t, func(form url.Values) map[string]any {
		if form.Get("grant_type") != "refresh_token" || form.Get("refresh_token") != "old-rt" {
			t.Errorf("form = %v", form)
		}
		return map[string]any{"access_token": "new-at", "token_type": "Bearer", "expires_in": 1800}
	})
	r := NewRegistry("http://localhost")
	r.Register(integration.ProviderHubSpot, Credentials{ClientID: "cid", ClientSecret: "sec", TokenURL: srv.URL})

	snap, err := r.Refresh(context.Background(), integration.ProviderHubSpot, "old-rt")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if snap.AccessToken != "new-at" || snap.RefreshToken != "old-rt" {
		t.Errorf("snap = %+v", snap)
	}
	if d := time.Until(snap.ExpiresAt); d < 25*time.Minute || d > 31*time.Minute {
		t.Errorf("ExpiresAt in %v, want ~30m", d)
	}
}

func TestRefresh_Errors(t *testing.T) {
	r := NewRegistry("http://localhost")
	if _, err := r.Refresh(context.Background(), integration.ProviderHubSpot, ""); err == nil {
		t.Error("empty refresh token should fail")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()
	r.Register(integration.ProviderCalendly, Credentials{ClientID: "cid", TokenURL: srv.URL})
	if _, err := r.Refresh(context.Background(), integration.ProviderCalendly, "rt"); err == nil {
		t.Error("invalid_grant should fail")
	}
}

func TestStateCodec_RoundTrip(t *testing.T) {
	c, err := NewStateCodec("s3cret")
	if err != nil {
		t.Fatalf("NewStateCodec: %v", err)
	}
	enc, err := c.Encode("agent-1", integration.ProviderHubSpot)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	st, err := c.Decode(enc)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if st.AgentID != "agent-1" || st.Provider != integration.ProviderHubSpot || st.Nonce == "" {
		t.Errorf("state = %+v", st)
	}

	other, _ := NewStateCodec("different")
	if _, err := other.Decode(enc); err == nil {
		t.Error("state signed with another secret must not decode")
	}
	if _, err := c.Decode(enc[:len(enc)-2] + "xx"); err == nil {
		t.Error("tampered state must not decode")
	}
	if _, err := NewStateCodec(""); err == nil {
		t.Error("empty secret should be rejected")
	}
}
