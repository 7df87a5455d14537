// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating the participant via context

package auth

import (
	"context"
)

// AuthContext holds the authenticated participant extracted from a request.
type AuthContext struct {
	ParticipantID string
}

// ActsAs reports whether the authenticated participant may act as id.
// A nil context means authentication is disabled and allows everything.
func (a *AuthContext) ActsAs(id string) bool {
	if a == nil {
		return true
	}
	return a.ParticipantID == id
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, ok := ctx.Value(authContextKey{}).(*AuthContext)
	if !ok {
		return nil
	}
	return auth
}
