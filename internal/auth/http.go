// ABOUTME: HTTP middleware for JWT authentication on API endpoints
// ABOUTME: Accepts a bearer header, or a token query parameter for EventSource and WebSocket clients

package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// requestToken finds the token on r. Browsers cannot set headers on
// EventSource or WebSocket requests, so ?token= is accepted as well.
func requestToken(r *http.Request) (string, string) {
	if h := r.Header.Get("Authorization"); h != "" {
		return extractBearerToken(h)
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t, ""
	}
	return extractBearerToken("")
}

// Middleware rejects requests without a valid token. A nil verifier
// disables authentication and passes every request through.
func Middleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if verifier == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := requestToken(r)
			if errMsg != "" {
				unauthorized(w, errMsg)
				return
			}
			subject, err := verifier.Verify(token)
			if err != nil {
				msg := "invalid token"
				if errors.Is(err, ErrExpiredToken) {
					msg = "token expired"
				}
				unauthorized(w, msg)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), subject)))
		})
	}
}

// unauthorized writes the same envelope the command API uses.
func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="concierge-gateway"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   map[string]string{"kind": "Unauthorized", "message": msg},
	})
}
