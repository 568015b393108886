package auth

import (
	"context"
	"strings"
)

type identityContextKey struct{}

// Identity is what the authn middleware extracts from a verified access
// token. Roles and permissions here are display-only.
type Identity struct {
	UserID      string
	Email       string
	Roles       []string
	Permissions []string
}

// ContextWithIdentity attaches the authenticated identity to the context.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, &id)
}

// IdentityFromContext extracts the authenticated identity.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	v, ok := ctx.Value(identityContextKey{}).(*Identity)
	if !ok || v == nil || strings.TrimSpace(v.UserID) == "" {
		return Identity{}, false
	}
	return *v, true
}

// UserIDFromContext returns the authenticated user id, or
// ErrMissingUserContext when no identity was attached.
func UserIDFromContext(ctx context.Context) (string, error) {
	id, ok := IdentityFromContext(ctx)
	if !ok {
		return "", ErrMissingUserContext
	}
	return id.UserID, nil
}
