package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/callbridge/internal/ingest"
	"github.com/kalambet/callbridge/internal/integration"
	"github.com/kalambet/callbridge/internal/metrics"
	"github.com/kalambet/callbridge/internal/oauth"
	"github.com/kalambet/callbridge/internal/providers"
	"github.com/kalambet/callbridge/internal/ratelimit"
	"github.com/kalambet/callbridge/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB
const maxCallBodySize = 10 << 20   // 10MB, transcripts can be long

// connectionTestTimeout bounds a dashboard "test connection" round trip.
const connectionTestTimeout = 15 * time.Second

// AdapterFactory builds an adapter from a stored connection.
// *providers.Factory satisfies it.
type AdapterFactory interface {
	Create(conn integration.Connection) (integration.Integration, error)
}

type AppDeps struct {
	Store   storage.Repository
	Factory AdapterFactory
	// OAuth and State enable the /oauth routes. Either may be nil.
	OAuth   *oauth.Registry
	State   *oauth.StateCodec
	Token   string
	Metrics bool
	// Limiter throttles authenticated routes per client address when set.
	Limiter *ratelimit.ClientLimiter
	Logger  *slog.Logger
}

// NewAppHandler returns the HTTP API: call intake, the dashboard endpoints
// and the OAuth round trip.
func NewAppHandler(deps AppDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if deps.Metrics {
		r.Use(metrics.Middleware())
		r.Handle("/metrics", metrics.Handler())
	}

	r.Get("/health", handleHealth)
	oauthEnabled := deps.OAuth != nil && deps.State != nil
	if oauthEnabled {
		// The provider redirects the browser here; the signed state is the
		// credential.
		r.Get("/oauth/{provider}/callback", handleOAuthCallback(deps))
	}

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		if deps.Limiter != nil {
			r.Use(deps.Limiter.Middleware())
		}

		r.Post("/calls", handleCallEnded(deps))

		r.Get("/providers", handleListProviders(deps))
		r.Get("/providers/{provider}", handleGetProvider(deps))
		r.Post("/providers/{provider}/validate", handleValidateConfig)

		r.Get("/connections", handleListConnections(deps))
		r.Post("/connections", handleCreateConnection(deps))
		r.Get("/connections/{id}", handleGetConnection(deps))
		r.Delete("/connections/{id}", handleDisableConnection(deps))
		r.Patch("/connections/{id}/config", handleUpdateConfig(deps))
		r.Post("/connections/{id}/test", handleTestConnection(deps))

		r.Get("/sync-logs", handleListSyncLogs(deps))

		if oauthEnabled {
			r.Get("/oauth/{provider}/start", handleOAuthStart(deps))
		}
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleCallEnded(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxCallBodySize)
		defer r.Body.Close()

		var call integration.CallData
		if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		job, err := ingest.NewCallSyncJob(r.URL.Query().Get("agent_id"), call)
		if errors.Is(err, ingest.ErrInvalidCall) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create job: %v", err)
			return
		}
		if err := deps.Store.EnqueueJob(r.Context(), job); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue job: %v", err)
			return
		}
		metrics.CallReceived()
		deps.Logger.Info("call queued for sync", "call_id", call.CallID, "job_id", job.ID)

		writeJSON(w, http.StatusAccepted, map[string]string{
			"id":     job.ID,
			"status": "queued",
		})
	}
}

// providerInfo is the dashboard view of one provider.
type providerInfo struct {
	providers.Metadata
	OAuthScopes     []string `json:"oauth_scopes,omitempty"`
	OAuthConfigured bool     `json:"oauth_configured"`
}

func newProviderInfo(deps AppDeps, m providers.Metadata) providerInfo {
	info := providerInfo{Metadata: m}
	if m.AuthMode == integration.AuthOAuth {
		info.OAuthScopes = oauth.Scopes(m.Type)
		info.OAuthConfigured = deps.OAuth != nil && deps.OAuth.Configured(m.Type)
	}
	return info
}

func handleListProviders(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		all := providers.AllMetadata()
		out := make([]providerInfo, len(all))
		for i, m := range all {
			out[i] = newProviderInfo(deps, m)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetProvider(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := providers.GetMetadata(integration.ProviderType(chi.URLParam(r, "provider")))
		if err != nil {
			httpError(w, http.StatusNotFound, "not_found", "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, newProviderInfo(deps, m))
	}
}

type configRequest struct {
	Config map[string]any `json:"config"`
}

func handleValidateConfig(w http.ResponseWriter, r *http.Request) {
	p := integration.ProviderType(chi.URLParam(r, "provider"))
	if !p.Valid() {
		httpError(w, http.StatusNotFound, "not_found", "unknown provider %q", p)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req configRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return
	}

	problems := providers.ValidateConfig(p, req.Config)
	if problems == nil {
		problems = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":  len(problems) == 0,
		"errors": problems,
	})
}

// connectionView is a connection as returned by the API. Credentials never
// leave the server.
type connectionView struct {
	ID             string                       `json:"id"`
	AgentID        string                       `json:"agent_id"`
	Provider       integration.ProviderType     `json:"provider"`
	AuthMode       integration.AuthMode         `json:"auth_mode"`
	IsActive       bool                         `json:"is_active"`
	Status         integration.ConnectionStatus `json:"status"`
	SyncEnabled    bool                         `json:"sync_enabled"`
	HasCredentials bool                         `json:"has_credentials"`
	TokenExpiresAt *time.Time                   `json:"token_expires_at,omitempty"`
	InstanceURL    string                       `json:"instance_url,omitempty"`
	Config         map[string]any               `json:"config"`
	LastSyncAt     *time.Time                   `json:"last_sync_at,omitempty"`
	LastError      string                       `json:"last_error,omitempty"`
	CreatedAt      time.Time                    `json:"created_at"`
	UpdatedAt      time.Time                    `json:"updated_at"`
}

func newConnectionView(c integration.Connection) connectionView {
	cfg := c.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	var hasCreds bool
	switch c.AuthMode {
	case integration.AuthOAuth:
		hasCreds = c.AccessToken != ""
	case integration.AuthAPIKey:
		hasCreds = c.APIKey != ""
	case integration.AuthWebhook:
		hasCreds = c.WebhookURL != ""
	}
	return connectionView{
		ID:             c.ID,
		AgentID:        c.AgentID,
		Provider:       c.Provider,
		AuthMode:       c.AuthMode,
		IsActive:       c.IsActive,
		Status:         c.Status,
		SyncEnabled:    c.SyncEnabled,
		HasCredentials: hasCreds,
		TokenExpiresAt: c.TokenExpiresAt,
		InstanceURL:    c.InstanceURL,
		Config:         cfg,
		LastSyncAt:     c.LastSyncAt,
		LastError:      c.LastError,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
}

func handleListConnections(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conns, err := deps.Store.ListConnections(r.Context(), r.URL.Query().Get("agent_id"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list connections: %v", err)
			return
		}
		out := make([]connectionView, len(conns))
		for i, c := range conns {
			out[i] = newConnectionView(c)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

type createConnectionRequest struct {
	AgentID       string                   `json:"agent_id"`
	Provider      integration.ProviderType `json:"provider"`
	APIKey        string                   `json:"api_key"`
	APISecret     string                   `json:"api_secret"`
	WebhookURL    string                   `json:"webhook_url"`
	WebhookSecret string                   `json:"webhook_secret"`
	Config        map[string]any           `json:"config"`
	SyncEnabled   *bool                    `json:"sync_enabled"`
}

func handleCreateConnection(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req createConnectionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.AgentID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "agent_id is required")
			return
		}
		meta, err := providers.GetMetadata(req.Provider)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if meta.AuthMode == integration.AuthOAuth {
			httpError(w, http.StatusBadRequest, "invalid_request_error",
				"%s connects through /oauth/%s/start", meta.Name, req.Provider)
			return
		}

		conn := &integration.Connection{
			AgentID:       req.AgentID,
			Provider:      req.Provider,
			AuthMode:      meta.AuthMode,
			IsActive:      true,
			SyncEnabled:   req.SyncEnabled == nil || *req.SyncEnabled,
			APIKey:        req.APIKey,
			APISecret:     req.APISecret,
			WebhookURL:    req.WebhookURL,
			WebhookSecret: req.WebhookSecret,
			Config:        req.Config,
		}
		if conn.Config == nil {
			conn.Config = map[string]any{}
		}
		problems := append(providers.ValidateConfig(conn.Provider, conn.Config), providers.ValidateCredentials(*conn)...)
		if len(problems) > 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid connection: %s", strings.Join(problems, "; "))
			return
		}
		if _, err := deps.Factory.Create(*conn); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid connection: %v", err)
			return
		}

		existing, err := deps.Store.FindConnection(r.Context(), conn.AgentID, conn.Provider)
		switch {
		case err == nil && existing.IsActive:
			httpError(w, http.StatusConflict, "conflict_error", "agent %s already has an active %s connection (%s)", conn.AgentID, conn.Provider, existing.ID)
			return
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusInternalServerError, "api_error", "failed to look up connections: %v", err)
			return
		}

		if err := deps.Store.CreateConnection(r.Context(), conn); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save connection: %v", err)
			return
		}
		deps.Logger.Info("connection created", "connection_id", conn.ID, "agent_id", conn.AgentID, "provider", conn.Provider)
		writeJSON(w, http.StatusCreated, newConnectionView(*conn))
	}
}

func handleGetConnection(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, ok := loadConnection(w, r, deps)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, newConnectionView(conn))
	}
}

func handleDisableConnection(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Store.DisableConnection(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "connection not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to disable connection: %v", err)
			return
		}
		deps.Logger.Info("connection disabled", "connection_id", id)
		writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
	}
}

func handleUpdateConfig(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req configRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		conn, ok := loadConnection(w, r, deps)
		if !ok {
			return
		}
		if req.Config == nil {
			req.Config = map[string]any{}
		}
		if problems := providers.ValidateConfig(conn.Provider, req.Config); len(problems) > 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid config: %s", strings.Join(problems, "; "))
			return
		}
		if err := deps.Store.UpdateConnectionConfig(r.Context(), conn.ID, req.Config); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update config: %v", err)
			return
		}
		conn.Config = req.Config
		writeJSON(w, http.StatusOK, newConnectionView(conn))
	}
}

// handleTestConnection refreshes the token if needed and asks the provider to
// confirm the credentials. The outcome is returned in the response envelope.
func handleTestConnection(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, ok := loadConnection(w, r, deps)
		if !ok {
			return
		}

		in, err := deps.Factory.Create(conn)
		var unknown *providers.UnknownProviderError
		if errors.As(err, &unknown) {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		if err == nil {
			ctx, cancel := context.WithTimeout(r.Context(), connectionTestTimeout)
			defer cancel()
			if _, err = integration.RefreshTokenIfNeeded(ctx, in, deps.Store); err == nil {
				err = in.ValidateConnection(ctx)
			}
		}

		if err == nil && conn.IsActive && conn.Status != integration.StatusConnected {
			if rErr := deps.Store.ReactivateConnection(r.Context(), conn.ID); rErr != nil {
				deps.Logger.Warn("marking connection connected failed", "connection_id", conn.ID, "error", rErr)
			}
		}
		deps.Logger.Info("connection tested", "connection_id", conn.ID, "provider", conn.Provider, "ok", err == nil)
		writeJSON(w, http.StatusOK, integration.RespondErr(err))
	}
}

func handleListSyncLogs(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		logs, err := deps.Store.ListSyncLogs(r.Context(), storage.SyncLogFilter{
			AgentID:      q.Get("agent_id"),
			ConnectionID: q.Get("connection_id"),
			CallID:       q.Get("call_id"),
			Limit:        parseIntParam(r, "limit", storage.DefaultSyncLogLimit, 500),
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list sync logs: %v", err)
			return
		}
		if logs == nil {
			logs = []storage.SyncLog{}
		}
		writeJSON(w, http.StatusOK, logs)
	}
}

func loadConnection(w http.ResponseWriter, r *http.Request, deps AppDeps) (integration.Connection, bool) {
	conn, err := deps.Store.GetConnection(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found", "connection not found")
		return conn, false
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to get connection: %v", err)
		return conn, false
	}
	return conn, true
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
