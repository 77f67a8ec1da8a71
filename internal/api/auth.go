package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthMiddleware requires token as a bearer header or ?token= query value.
// An empty token disables the check.
func AuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !IsAuthorizedRequest(token, r) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="taskrelay"`)
				writeError(w, http.StatusUnauthorized, "unauthorized", "")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func IsAuthorizedRequest(expected string, r *http.Request) bool {
	expected = strings.TrimSpace(expected)
	if expected == "" {
		return true
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, value, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "Bearer") && tokensEqual(expected, strings.TrimSpace(value)) {
			return true
		}
	}
	// Browsers cannot set headers on a WebSocket handshake.
	return tokensEqual(expected, r.URL.Query().Get("token"))
}

func tokensEqual(expected, actual string) bool {
	if expected == "" || actual == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(actual)) == 1
}
