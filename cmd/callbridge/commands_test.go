package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"

	"github.com/kalambet/callbridge/internal/config"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// runCLI executes the root command against ts and restores flag defaults
// afterwards.
func runCLI(t *testing.T, ts *testServer, args ...string) error {
	t.Helper()
	orig := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = orig })

	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)
	err := rootCmd.Execute()

	if cmd, _, findErr := rootCmd.Find(args); findErr == nil {
		cmd.Flags().VisitAll(func(f *pflag.Flag) {
			if sv, ok := f.Value.(pflag.SliceValue); ok {
				sv.Replace(nil)
			} else {
				f.Value.Set(f.DefValue)
			}
			f.Changed = false
		})
	}
	return err
}

var ctx = context.Background()

func writeCallFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "call.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSyncReplay_PostsFile(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /calls": `{"id":"job-1","status":"queued"}`,
	})
	payload := `{"call_id":"call-9","caller_phone":"+15550001111","outcome":"appointment_booked"}`
	path := writeCallFile(t, payload)

	if err := runCLI(t, ts, "sync", "replay", "--file", path, "--agent", "agent-7"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != "POST" || r.Path != "/calls?agent_id=agent-7" {
		t.Errorf("request = %s %s", r.Method, r.Path)
	}
	if r.Body != payload {
		t.Errorf("body = %q, want file content unchanged", r.Body)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q", r.Auth)
	}
}

func TestSyncReplay_Rejected(t *testing.T) {
	ts := newTestServer(t, nil)
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no file", []string{"sync", "replay"}, "required"},
		{"missing file", []string{"sync", "replay", "--file", filepath.Join(t.TempDir(), "nope.json")}, "reading file"},
		{"not json", []string{"sync", "replay", "--file", writeCallFile(t, "call ended")}, "valid JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := runCLI(t, ts, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want it to mention %q", err, tt.want)
			}
		})
	}
	if len(ts.requests) != 0 {
		t.Errorf("expected no requests, got %d", len(ts.requests))
	}
}

func TestConnectionsAdd_APIKey(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /providers/calcom": `{"type":"calcom","name":"Cal.com","auth_mode":"api_key"}`,
		"POST /connections":     `{"id":"conn-1","provider":"calcom","status":"disconnected","is_active":true}`,
	})

	err := runCLI(t, ts, "connections", "add", "calcom",
		"--agent", "agent-1", "--api-key", "cal_live_x", "--config", "event_type_id=42", "--config", "title=Intro")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ts.requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(ts.requests))
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(ts.requests[1].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["agent_id"] != "agent-1" || body["provider"] != "calcom" || body["api_key"] != "cal_live_x" {
		t.Errorf("body = %v", body)
	}
	if _, ok := body["webhook_url"]; ok {
		t.Error("unset flags should not be sent")
	}
	cfg, _ := body["config"].(map[string]any)
	if cfg["event_type_id"] != float64(42) || cfg["title"] != "Intro" {
		t.Errorf("config = %v", cfg)
	}
}

func TestConnectionsAdd_RequiresAgent(t *testing.T) {
	ts := newTestServer(t, nil)
	err := runCLI(t, ts, "connections", "add", "calcom")
	if err == nil || !strings.Contains(err.Error(), "--agent") {
		t.Errorf("err = %v, want --agent required", err)
	}
}

func TestRedirectTarget(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path == "/oauth/hubspot/start" {
			http.Redirect(w, r, "https://app.hubspot.com/oauth/authorize?state=abc", http.StatusFound)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"message":"oauth client for salesforce is not configured","type":"api_error"}}`))
	}))
	defer srv.Close()
	client := &apiClient{baseURL: srv.URL, token: "t", httpClient: srv.Client()}

	target, err := client.redirectTarget(ctx, "/oauth/hubspot/start?agent_id=a1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if target != "https://app.hubspot.com/oauth/authorize?state=abc" {
		t.Errorf("target = %q", target)
	}
	if gotAuth != "Bearer t" {
		t.Errorf("auth = %q", gotAuth)
	}
	if client.httpClient.CheckRedirect != nil {
		t.Error("redirectTarget changed the shared client")
	}

	_, err = client.redirectTarget(ctx, "/oauth/salesforce/start?agent_id=a1")
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Errorf("err = %v, want 503", err)
	}
}

func TestConnectionsTest_ReportsFailure(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /connections/conn-1/test": `{"success":false,"error":"hubspot.validate: token revoked","error_code":"AUTH_ERROR"}`,
		"POST /connections/conn-2/test": `{"success":true}`,
	})

	err := runCLI(t, ts, "connections", "test", "conn-1")
	if err == nil || !strings.Contains(err.Error(), "AUTH_ERROR") {
		t.Errorf("err = %v, want AUTH_ERROR", err)
	}
	if err := runCLI(t, ts, "connections", "test", "conn-2"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestConnectionsSet_SendsConfig(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"PATCH /connections/conn-1/config": `{"id":"conn-1"}`,
	})

	if err := runCLI(t, ts, "connections", "set", "conn-1", "calendar_id=primary", "default_duration=45"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Config map[string]any `json:"config"`
	}
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body.Config["calendar_id"] != "primary" || body.Config["default_duration"] != float64(45) {
		t.Errorf("config = %v", body.Config)
	}
}

func TestLogs_QueryParams(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /sync-logs": `[{"id":"l1","provider":"stripe","call_id":"call-1","status":"failed","error_code":"RATE_LIMIT","error_message":"slow down","created_at":"2026-01-01T00:00:00Z"}]`,
	})

	if err := runCLI(t, ts, "logs", "--connection", "conn-1", "--limit", "5"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ts.requests[0].Path; got != "/sync-logs?connection_id=conn-1&limit=5" {
		t.Errorf("path = %q", got)
	}

	if err := runCLI(t, ts, "logs"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ts.requests[1].Path; got != "/sync-logs?limit=50" {
		t.Errorf("path after flag reset = %q", got)
	}
}

func TestFetchConnections(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /connections": `[{"id":"c1","agent_id":"a 1","provider":"hubspot","status":"connected","is_active":true}]`,
	})

	conns, err := fetchConnections(ctx, ts.client(), "a 1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(conns) != 1 || conns[0].Provider != "hubspot" {
		t.Errorf("conns = %+v", conns)
	}
	if got := ts.requests[0].Path; got != "/connections?agent_id=a+1" {
		t.Errorf("path = %q", got)
	}
}

func TestSummarizeStatuses(t *testing.T) {
	conns := []connectionSummary{
		{Status: "connected", IsActive: true},
		{Status: "connected", IsActive: true},
		{Status: "expired", IsActive: true},
		{Status: "connected", IsActive: false},
	}
	if got := summarizeStatuses(conns); got != "2 connected, 1 expired, 1 disabled" {
		t.Errorf("summarizeStatuses = %q", got)
	}
	if got := summarizeStatuses(nil); got != "none" {
		t.Errorf("summarizeStatuses(nil) = %q", got)
	}
}

func TestParseConfigPairs(t *testing.T) {
	cfg, err := parseConfigPairs([]string{"event_type_id=42", "enabled=true", "name=Front desk", "tags=[\"a\",\"b\"]", "url=https://x.example/?a=b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg["event_type_id"] != float64(42) || cfg["enabled"] != true || cfg["name"] != "Front desk" {
		t.Errorf("cfg = %v", cfg)
	}
	if tags, ok := cfg["tags"].([]any); !ok || len(tags) != 2 {
		t.Errorf("tags = %v", cfg["tags"])
	}
	if cfg["url"] != "https://x.example/?a=b" {
		t.Errorf("url = %v", cfg["url"])
	}

	for _, bad := range []string{"novalue", "=x"} {
		if _, err := parseConfigPairs([]string{bad}); err == nil {
			t.Errorf("parseConfigPairs(%q) should fail", bad)
		}
	}
}

func TestColorize(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestAPIClientAuth(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"ok"}`,
	})

	client := ts.client()
	client.token = "my-secret-token"

	_, err := client.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	if ts.requests[0].Auth != "Bearer my-secret-token" {
		t.Errorf("auth = %q, want 'Bearer my-secret-token'", ts.requests[0].Auth)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"message":"invalid or missing bearer token","type":"authentication_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{
		baseURL:    ts.URL,
		token:      "bad-token",
		httpClient: ts.Client(),
	}

	resp, err := client.get(ctx, "/connections")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error = %q, want it to contain '401'", err.Error())
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4000
	cfg.API.Token = "hidden"

	keys := config.ShowAll(cfg)
	if len(keys) == 0 {
		t.Fatal("expected non-empty keys from ShowAll")
	}

	found := false
	for _, k := range keys {
		if k.Key == "server.port" && k.Value == "4000" {
			found = true
		}
		if k.Value == "hidden" {
			t.Errorf("secret shown under %s", k.Key)
		}
	}
	if !found {
		t.Error("expected to find server.port=4000 in ShowAll output")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("abcdefghij", 5); got != "abcd…" {
		t.Errorf("truncate = %q", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]string{
		"debug": "DEBUG",
		"WARN":  "WARN",
		"error": "ERROR",
		"":      "INFO",
		"loud":  "INFO",
	}
	for in, want := range tests {
		if got := parseLogLevel(in).String(); got != want {
			t.Errorf("parseLogLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
