// Package auth provides the bearer-token middleware guarding the API.
package auth

import (
	"crypto/subtle"
	"net/http"
	"os"
	"strings"
)

// open paths are reachable without a token so probes and scrapers work.
var open = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// bearer extracts the token from an "Authorization: Bearer <token>" header.
func bearer(r *http.Request) (string, bool) {
	authz := r.Header.Get("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(authz, "Bearer ")), true
}

// Middleware rejects requests that do not carry the token configured in
// CLAIMPULL_API_TOKEN. With no token configured every guarded request is
// refused rather than let through.
func Middleware(next http.Handler) http.Handler {
	token := os.Getenv("CLAIMPULL_API_TOKEN")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if open[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		got, ok := bearer(r)
		if !ok {
			http.Error(w, "missing API token", http.StatusUnauthorized)
			return
		}
		if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			http.Error(w, "invalid API token", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}
