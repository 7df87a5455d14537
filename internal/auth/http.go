// ABOUTME: HTTP middleware for JWT authentication on chat endpoints
// ABOUTME: Reads the token from the Authorization header or a token query parameter

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

// tokenFromRequest prefers the Authorization header. Browsers cannot set
// headers on WebSocket or EventSource requests, so ?token= is accepted too.
func tokenFromRequest(r *http.Request) (string, string) {
	if r.Header.Get("Authorization") == "" {
		if token := r.URL.Query().Get("token"); token != "" {
			return token, ""
		}
	}
	return extractBearerToken(r.Header.Get("Authorization"))
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// HTTPAuthMiddleware creates an HTTP middleware that extracts and validates JWT tokens
// and adds the participant's AuthContext to the request context.
func HTTPAuthMiddleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := tokenFromRequest(r)
			if errMsg != "" {
				writeAuthError(w, http.StatusUnauthorized, errMsg)
				return
			}

			participantID, err := verifier.Verify(token)
			if err != nil {
				msg := "invalid token"
				if errors.Is(err, ErrExpiredToken) {
					msg = "token expired"
				}
				writeAuthError(w, http.StatusUnauthorized, msg)
				return
			}

			authCtx := &AuthContext{ParticipantID: participantID}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}
