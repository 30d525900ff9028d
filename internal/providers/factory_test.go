package providers

import (
	"errors"
	"strings"
	"testing"

	"github.com/kalambet/callbridge/internal/integration"
)

func validConnection(p integration.ProviderType) integration.Connection {
	conn := integration.Connection{ID: "conn-" + string(p), AgentID: "agent-1", Provider: p, IsActive: true}
	meta, _ := GetMetadata(p)
	conn.AuthMode = meta.AuthMode
	switch meta.AuthMode {
	case integration.AuthOAuth:
		conn.AccessToken = "at"
		conn.RefreshToken = "rt"
		conn.TokenExpiresAt = futureExpiry()
	case integration.AuthAPIKey:
		conn.APIKey = "key"
	case integration.AuthWebhook:
		conn.WebhookURL = "https://hooks.zapier.com/hooks/catch/1/abc"
	}
	conn.Config = map[string]any{}
	switch p {
	case integration.ProviderCalendly:
		conn.Config["event_type_uri"] = "https://api.calendly.com/event_types/ET1"
	case integration.ProviderSalesforce:
		conn.InstanceURL = "https://na1.my.salesforce.com"
	case integration.ProviderHighLevel:
		conn.Config["location_id"] = "loc-1"
	case integration.ProviderCalCom:
		conn.Config["event_type_id"] = float64(7)
	}
	return conn
}

func TestFactory_CreateEveryProvider(t *testing.T) {
	f := NewFactory(Deps{})
	for _, p := range integration.AllProviders {
		t.Run(string(p), func(t *testing.T) {
			in, err := f.Create(validConnection(p))
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			if in.Type() != p {
				t.Errorf("Type() = %q, want %q", in.Type(), p)
			}
			if in.Name() == "" {
				t.Error("Name() is empty")
			}
			_, isRefresher := in.(integration.TokenRefresher)
			meta, _ := GetMetadata(p)
			if isRefresher != (meta.AuthMode == integration.AuthOAuth) {
				t.Errorf("TokenRefresher = %v for auth mode %s", isRefresher, meta.AuthMode)
			}
		})
	}
}

func TestFactory_UnknownProvider(t *testing.T) {
	_, err := NewFactory(Deps{}).Create(integration.Connection{Provider: "myspace"})
	var upe *UnknownProviderError
	if !errors.As(err, &upe) {
		t.Fatalf("err = %v, want *UnknownProviderError", err)
	}
	var ie *integration.Error
	if errors.As(err, &ie) {
		t.Error("unknown provider must not be an envelope error")
	}
}

func TestFactory_MissingConfigIsConfigError(t *testing.T) {
	f := NewFactory(Deps{})
	cases := map[integration.ProviderType]func(*integration.Connection){
		integration.ProviderHighLevel:  func(c *integration.Connection) { delete(c.Config, "location_id") },
		integration.ProviderCalCom:     func(c *integration.Connection) { delete(c.Config, "event_type_id") },
		integration.ProviderCalendly:   func(c *integration.Connection) { delete(c.Config, "event_type_uri") },
		integration.ProviderSalesforce: func(c *integration.Connection) { c.InstanceURL = "" },
		integration.ProviderZapier:     func(c *integration.Connection) { c.WebhookURL = "" },
		integration.ProviderHubSpot:    func(c *integration.Connection) { c.Config["object_type"] = "companies" },
	}
	for p, breakIt := range cases {
		conn := validConnection(p)
		breakIt(&conn)
		_, err := f.Create(conn)
		if integration.CodeOf(err) != integration.CodeConfig {
			t.Errorf("%s: code = %q, want CONFIG_ERROR (err=%v)", p, integration.CodeOf(err), err)
		}
	}
}

func TestGetMetadata(t *testing.T) {
	all := AllMetadata()
	if len(all) != len(integration.AllProviders) {
		t.Fatalf("AllMetadata = %d entries", len(all))
	}
	for _, m := range all {
		if m.Name == "" || m.Description == "" || m.SetupURL == "" || len(m.Features) == 0 {
			t.Errorf("%s metadata incomplete: %+v", m.Type, m)
		}
	}
	stripe, _ := GetMetadata(integration.ProviderStripe)
	if stripe.Supports(CapBooking) {
		t.Error("stripe must not advertise booking")
	}
	ghl, _ := GetMetadata(integration.ProviderHighLevel)
	if !ghl.Supports(CapWorkflows) || ghl.AuthMode != integration.AuthAPIKey {
		t.Errorf("highlevel metadata = %+v", ghl)
	}
	if _, err := GetMetadata("nope"); err == nil {
		t.Error("GetMetadata(nope) should fail")
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name     string
		provider integration.ProviderType
		cfg      map[string]any
		want     []string
	}{
		{"highlevel missing location", integration.ProviderHighLevel, map[string]any{}, []string{"location_id"}},
		{"highlevel ok", integration.ProviderHighLevel, map[string]any{"location_id": "l"}, nil},
		{"highlevel bad hours", integration.ProviderHighLevel, map[string]any{"location_id": "l", "business_start_hour": float64(18), "business_end_hour": float64(8)}, []string{"business hours"}},
		{"calcom missing event type", integration.ProviderCalCom, nil, []string{"event_type_id"}},
		{"calcom bad event type", integration.ProviderCalCom, map[string]any{"event_type_id": "abc"}, []string{"positive number"}},
		{"calendly insecure uri", integration.ProviderCalendly, map[string]any{"event_type_uri": "http://x"}, []string{"https"}},
		{"salesforce object type", integration.ProviderSalesforce, map[string]any{"object_type": "account"}, []string{"object_type"}},
		{"hubspot leads", integration.ProviderHubSpot, map[string]any{"object_type": "leads"}, nil},
		{"stripe empty", integration.ProviderStripe, nil, nil},
		{"unknown", "fax", nil, []string{"unknown provider"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := ValidateConfig(tt.provider, tt.cfg)
			if len(errs) != len(tt.want) {
				t.Fatalf("errs = %v, want %d matching %v", errs, len(tt.want), tt.want)
			}
			for i, w := range tt.want {
				if !strings.Contains(errs[i], w) {
					t.Errorf("errs[%d] = %q, want it to mention %q", i, errs[i], w)
				}
			}
		})
	}
}

func TestValidateConfig_ReportsAllProblems(t *testing.T) {
	errs := ValidateConfig(integration.ProviderHighLevel, map[string]any{
		"business_start_hour": float64(20),
		"business_end_hour":   float64(10),
		"slot_duration":       float64(-5),
	})
	if len(errs) != 3 {
		t.Errorf("errs = %v, want 3 problems", errs)
	}
}

func TestValidateCredentials(t *testing.T) {
	for _, p := range integration.AllProviders {
		if errs := ValidateCredentials(validConnection(p)); len(errs) != 0 {
			t.Errorf("%s: unexpected errors %v", p, errs)
		}
	}
	conn := validConnection(integration.ProviderZapier)
	conn.WebhookURL = "not a url"
	if errs := ValidateCredentials(conn); len(errs) != 1 {
		t.Errorf("bad webhook url: errs = %v", errs)
	}
	conn = validConnection(integration.ProviderStripe)
	conn.APIKey = ""
	if errs := ValidateCredentials(conn); len(errs) != 1 {
		t.Errorf("missing api key: errs = %v", errs)
	}
}

func TestOAuthScopes(t *testing.T) {
	f := NewFactory(Deps{})
	if f.OAuthScopes(integration.ProviderStripe) != nil {
		t.Error("non-oauth provider should have nil scopes")
	}
	if len(f.OAuthScopes(integration.ProviderHubSpot)) == 0 {
		t.Error("hubspot scopes empty")
	}
}
