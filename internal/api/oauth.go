package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/callbridge/internal/integration"
	"github.com/kalambet/callbridge/internal/oauth"
	"github.com/kalambet/callbridge/internal/storage"
)

// handleOAuthStart redirects to the provider's consent screen. The state
// parameter binds the round trip to the agent and provider.
func handleOAuthStart(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := integration.ProviderType(chi.URLParam(r, "provider"))
		if !oauth.Supports(p) {
			httpError(w, http.StatusNotFound, "not_found", "%s does not use oauth", p)
			return
		}
		agentID := r.URL.Query().Get("agent_id")
		if agentID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "agent_id is required")
			return
		}

		state, err := deps.State.Encode(agentID, p)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create state: %v", err)
			return
		}
		target, err := deps.OAuth.AuthCodeURL(p, state)
		if errors.Is(err, oauth.ErrNotConfigured) {
			httpError(w, http.StatusServiceUnavailable, "api_error", "oauth client for %s is not configured", p)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to build authorization url: %v", err)
			return
		}
		http.Redirect(w, r, target, http.StatusFound)
	}
}

func handleOAuthCallback(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := integration.ProviderType(chi.URLParam(r, "provider"))
		q := r.URL.Query()
		if reason := q.Get("error"); reason != "" {
			httpError(w, http.StatusBadRequest, "authorization_error", "authorization denied: %s %s", reason, q.Get("error_description"))
			return
		}

		st, err := deps.State.Decode(q.Get("state"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if st.Provider != p {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "state was issued for %s, not %s", st.Provider, p)
			return
		}
		code := q.Get("code")
		if code == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "code is required")
			return
		}

		snap, err := deps.OAuth.Exchange(r.Context(), p, code)
		if err != nil {
			deps.Logger.Warn("oauth code exchange failed", "provider", p, "agent_id", st.AgentID, "error", err)
			httpError(w, http.StatusBadGateway, "api_error", "token exchange failed: %v", err)
			return
		}

		conn, err := upsertOAuthConnection(r.Context(), deps.Store, st.AgentID, p, snap)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save connection: %v", err)
			return
		}
		deps.Logger.Info("oauth connection established", "connection_id", conn.ID, "agent_id", conn.AgentID, "provider", p)
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "connected",
			"connection": newConnectionView(conn),
		})
	}
}

// upsertOAuthConnection stores fresh tokens on the agent's existing
// connection to p, reactivating it, or creates a new one. Config edits made
// before a reconnect survive.
func upsertOAuthConnection(ctx context.Context, store storage.Repository, agentID string, p integration.ProviderType, snap integration.TokenSnapshot) (integration.Connection, error) {
	existing, err := store.FindConnection(ctx, agentID, p)
	if errors.Is(err, storage.ErrNotFound) {
		exp := snap.ExpiresAt
		conn := &integration.Connection{
			AgentID:        agentID,
			Provider:       p,
			AuthMode:       integration.AuthOAuth,
			IsActive:       true,
			Status:         integration.StatusConnected,
			SyncEnabled:    true,
			AccessToken:    snap.AccessToken,
			RefreshToken:   snap.RefreshToken,
			TokenExpiresAt: &exp,
			InstanceURL:    snap.InstanceURL,
			Config:         map[string]any{},
		}
		if err := store.CreateConnection(ctx, conn); err != nil {
			return integration.Connection{}, err
		}
		return *conn, nil
	}
	if err != nil {
		return integration.Connection{}, err
	}

	if err := store.UpdateTokens(ctx, existing.ID, snap); err != nil {
		return integration.Connection{}, err
	}
	if err := store.ReactivateConnection(ctx, existing.ID); err != nil {
		return integration.Connection{}, err
	}
	return store.GetConnection(ctx, existing.ID)
}
