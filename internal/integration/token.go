package integration

import (
	"context"
	"fmt"
	"time"
)

// RefreshBuffer is how long before expiry a token is treated as expired.
const RefreshBuffer = 5 * time.Minute

// TokenStore persists refreshed tokens. Implementations must write only the
// token columns so concurrent dashboard edits to other fields survive.
type TokenStore interface {
	UpdateTokens(ctx context.Context, connectionID string, snap TokenSnapshot) error
}

// NeedsRefresh reports whether a token expiring at exp must be refreshed at
// now. A missing expiry never triggers a refresh.
func NeedsRefresh(exp *time.Time, now time.Time) bool {
	if exp == nil || exp.IsZero() {
		return false
	}
	return exp.Sub(now) < RefreshBuffer
}

// RefreshTokenIfNeeded refreshes an OAuth adapter's token when it is within
// RefreshBuffer of expiry, persists the new token fields and applies them to
// the adapter. Adapters that are not OAuth based are left untouched.
// It reports whether a refresh happened.
func RefreshTokenIfNeeded(ctx context.Context, in Integration, store TokenStore) (bool, error) {
	conn := in.Connection()
	if conn.AuthMode != AuthOAuth {
		return false, nil
	}
	refresher, ok := in.(TokenRefresher)
	if !ok {
		return false, nil
	}
	if !NeedsRefresh(conn.TokenExpiresAt, time.Now()) {
		return false, nil
	}

	snap, err := refresher.RefreshOAuthToken(ctx)
	if err != nil {
		return false, NewError(CodeAuth, "refresh_token", err)
	}
	if snap.AccessToken == "" {
		return false, Errorf(CodeAuth, "refresh_token", "provider returned an empty access token")
	}
	if store != nil {
		if err := store.UpdateTokens(ctx, conn.ID, snap); err != nil {
			return false, NewError(CodeProcessing, "refresh_token", fmt.Errorf("persisting tokens: %w", err))
		}
	}
	in.ApplyToken(snap)
	return true, nil
}
