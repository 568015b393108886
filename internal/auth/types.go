package auth

import "time"

// User is a human or service account identified by a normalized email.
// SecurityStamp is an opaque generation marker regenerated on every
// security-relevant mutation (password change, deactivation, role grant or
// revoke); artifacts minted under a prior stamp become stale.
type User struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	PasswordHash  string    `json:"-"`
	Active        bool      `json:"active"`
	SecurityStamp string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`

	// Loaded only by FindByIDWithRoles.
	Assignments []RoleAssignment `json:"-"`
}

// RoleAssignment records one grant of a role to a user. Assignments are
// append-only: revoking sets RevokedAt, history is never deleted. A user
// holds at most one active assignment per role.
type RoleAssignment struct {
	UserID    string     `json:"user_id"`
	RoleID    string     `json:"role_id"`
	GrantedBy string     `json:"granted_by"`
	GrantedAt time.Time  `json:"granted_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`

	// Materialized role, populated when loading a user with roles.
	Role *Role `json:"-"`
}

// Active reports whether the assignment is still in force.
func (a RoleAssignment) Active() bool {
	return a.RevokedAt == nil
}

// Role groups permissions. System roles cannot be deleted and their
// permissions cannot be removed. SecurityStamp changes whenever the role's
// permission set or details change.
type Role struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	DisplayName   string    `json:"display_name"`
	Description   string    `json:"description,omitempty"`
	IsSystem      bool      `json:"is_system"`
	SecurityStamp string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`

	Permissions []Permission `json:"-"`
}

// RolePermission links a role to a permission.
type RolePermission struct {
	RoleID       string    `json:"role_id"`
	PermissionID string    `json:"permission_id"`
	AddedBy      string    `json:"added_by"`
	AddedAt      time.Time `json:"added_at"`
}

// Permission is a fine-grained capability named hierarchically as
// domain:resource:action with an optional :context segment.
type Permission struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// RefreshToken is the persisted record of a long-lived single-use secret.
// Only the sha256 hash of the plaintext is stored. StampSnapshot captures the
// owner's security stamp at issuance; a mismatch with the current stamp makes
// the token stale. ReplacedByHash points to the successor after rotation.
type RefreshToken struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	TokenHash      string     `json:"-"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	ReplacedByHash *string    `json:"-"`
	StampSnapshot  string     `json:"-"`
}

// ActiveAt reports whether the token can still be exchanged at the given
// instant: never revoked and not past its expiry.
func (t RefreshToken) ActiveAt(now time.Time) bool {
	return t.RevokedAt == nil && !now.After(t.ExpiresAt)
}

// TokenPair is what login and refresh hand back to the caller.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}
