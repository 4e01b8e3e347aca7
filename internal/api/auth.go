package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// bearerToken extracts the credential from the Authorization header. GET
// requests may carry it as the access_token query parameter instead, so
// episode media can be used directly as <video> and <img> sources.
func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	if auth := r.Header.Get("Authorization"); auth != "" {
		if !strings.HasPrefix(auth, prefix) {
			return "", false
		}
		return auth[len(prefix):], true
	}
	if r.Method == http.MethodGet {
		if tok := r.URL.Query().Get("access_token"); tok != "" {
			return tok, true
		}
	}
	return "", false
}

// BearerAuth rejects requests that do not present token. An empty token
// rejects everything.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := bearerToken(r)
			if token == "" || !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="epirank"`)
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
