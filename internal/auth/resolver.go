package auth

import (
	"context"
	"fmt"
	"strings"

	"gatehouse.dev/internal/obs"
)

// Resolver answers live permission checks against persisted role state. It
// never consults token claims. Results are memoized for the lifetime of the
// resolver instance only; construct a fresh one per request or operation
// scope.
type Resolver struct {
	store Store
	flags FlagChecker
	memo  map[string]bool
}

// NewResolver constructs a request-scoped resolver. flags may be nil, in
// which case enforcement is always on.
func NewResolver(store Store, flags FlagChecker) *Resolver {
	return &Resolver{
		store: store,
		flags: flags,
		memo:  make(map[string]bool),
	}
}

// Has reports whether the user currently holds the permission. With the RBAC
// kill-switch off every check passes; this is the documented escape hatch.
func (r *Resolver) Has(ctx context.Context, userID, permission string) (bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, ErrMissingUserContext
	}
	permission = strings.TrimSpace(strings.ToLower(permission))
	if permission == "" {
		return false, fmt.Errorf("%w: permission name is required", ErrInvalidInput)
	}

	if r.flags != nil && !r.flags.Enabled(ctx, RBACFlagKey) {
		obs.PermissionCheck("bypass")
		return true, nil
	}

	key := userID + "\x00" + permission
	if allowed, ok := r.memo[key]; ok {
		return allowed, nil
	}

	user, err := r.store.Users().FindByIDWithRoles(ctx, userID)
	if err != nil {
		return false, err
	}
	if !user.Active {
		return false, ErrUserInactive
	}
	allowed := BuildSnapshot(user.Assignments).HasPermission(permission)
	r.memo[key] = allowed
	if allowed {
		obs.PermissionCheck("allow")
	} else {
		obs.PermissionCheck("deny")
	}
	return allowed, nil
}

// Ensure is like Has but turns a false answer into ErrPermissionDenied.
func (r *Resolver) Ensure(ctx context.Context, userID, permission string) error {
	allowed, err := r.Has(ctx, userID, permission)
	if err != nil {
		return err
	}
	if !allowed {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, permission)
	}
	return nil
}
