package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Auth returns middleware that guards the API with a shared key. Clients may
// present it either as "Authorization: Bearer <key>" or in the X-API-Key
// header. An empty configured key disables the check entirely.
func Auth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if apiKey == "" {
			return next
		}
		want := []byte(apiKey)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := credentialFrom(r)
			if got == "" {
				deny(w, "authentication required")
				return
			}
			// Constant-time comparison.
			if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				deny(w, "bad credentials")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func credentialFrom(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if scheme, rest, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(rest)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func deny(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
