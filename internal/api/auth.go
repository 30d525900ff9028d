package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerAuth guards the dashboard and voice-agent routes. The scheme name is
// matched case-insensitively; failures carry a Bearer challenge.
func BearerAuth(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scheme, cred, _ := strings.Cut(r.Header.Get("Authorization"), " ")
			if !strings.EqualFold(scheme, "Bearer") || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(cred)), want) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="callbridge"`)
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
