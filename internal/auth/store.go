package auth

import (
	"context"
	"time"
)

// Store describes persistence required by the auth subsystem. Implementations
// must honor context cancellation: an aborted multi-statement operation
// commits nothing.
type Store interface {
	Users() UserStore
	Roles() RoleStore
	Permissions() PermissionStore
	RefreshTokens() RefreshTokenStore
}

// UserStore manages user accounts. Mutations that are security-relevant take
// the regenerated stamp so the row update is a single atomic write.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	FindByID(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	// FindByIDWithRoles loads the user plus active role assignments with
	// their roles and permissions materialized.
	FindByIDWithRoles(ctx context.Context, id string) (*User, error)
	UpdatePassword(ctx context.Context, userID, passwordHash, stamp string) error
	SetActive(ctx context.Context, userID string, active bool, stamp string) error
}

// RoleStore manages roles, role-permission links, and assignment history.
// Mutations that change a stamp pair the link write and the stamp write in
// one transaction.
type RoleStore interface {
	Create(ctx context.Context, role *Role) error
	FindByID(ctx context.Context, id string) (*Role, error)
	FindByName(ctx context.Context, name string) (*Role, error)
	UpdateDetails(ctx context.Context, roleID, displayName, description, stamp string) error
	Delete(ctx context.Context, roleID string) error
	AddPermission(ctx context.Context, link RolePermission, stamp string) error
	RemovePermission(ctx context.Context, roleID, permissionID, stamp string) error
	// Assign appends an assignment and updates the user's stamp. Returns
	// ErrConflict when an active assignment for the same role exists.
	Assign(ctx context.Context, a RoleAssignment, userStamp string) error
	// RevokeAssignment terminates the active assignment, if any, and updates
	// the user's stamp. Returns ErrNotFound when no active assignment exists.
	RevokeAssignment(ctx context.Context, userID, roleID string, revokedAt time.Time, userStamp string) error
}

// PermissionStore manages the permission catalog.
type PermissionStore interface {
	Create(ctx context.Context, p *Permission) error
	FindByName(ctx context.Context, name string) (*Permission, error)
	List(ctx context.Context) ([]Permission, error)
}

// RefreshTokenStore manages the refresh token lifecycle. Revoked rows are
// retained, never deleted: a replayed rotated token must still be observable.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error
	FindByHash(ctx context.Context, hash string) (*RefreshToken, error)
	// Rotate revokes the old token and inserts its replacement in one atomic
	// unit. The revoke is conditional on the row still being unrevoked, so
	// exactly one of two racing callers wins; the loser gets ErrConflict.
	Rotate(ctx context.Context, oldHash string, revokedAt time.Time, next *RefreshToken) error
	// Revoke marks the user's token revoked with no replacement pointer. A
	// missing or already revoked token is a silent no-op.
	Revoke(ctx context.Context, userID, hash string, revokedAt time.Time) error
}
