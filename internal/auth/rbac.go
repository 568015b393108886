package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"gatehouse.dev/internal/ids"
)

var (
	roleNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{1,63}$`)
	permNamePattern = regexp.MustCompile(`^[a-z0-9]+:[a-z0-9-]+:[a-z0-9-]+(:[a-z0-9-]+)?$`)
)

// RBACService manages roles, permissions, and assignments. Every mutation
// that changes a role's permission set or a user's role membership rotates
// the corresponding security stamp.
type RBACService struct {
	store Store
	now   func() time.Time
}

// NewRBACService constructs the RBAC admin service.
func NewRBACService(store Store, opts ...RBACOption) (*RBACService, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	s := &RBACService{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RBACOption configures RBACService.
type RBACOption func(*RBACService)

// WithRBACClock overrides the time source.
func WithRBACClock(fn func() time.Time) RBACOption {
	return func(s *RBACService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// CreateRole validates the name pattern and creates the role with a fresh
// security stamp.
func (s *RBACService) CreateRole(ctx context.Context, name, displayName, description string, system bool) (*Role, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	if !roleNamePattern.MatchString(name) {
		return nil, fmt.Errorf("%w: role name must match %s", ErrInvalidInput, roleNamePattern.String())
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = name
	}
	stamp, err := NewStamp()
	if err != nil {
		return nil, err
	}
	role := &Role{
		ID:            ids.New(),
		Name:          name,
		DisplayName:   displayName,
		Description:   strings.TrimSpace(description),
		IsSystem:      system,
		SecurityStamp: stamp,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.store.Roles().Create(ctx, role); err != nil {
		return nil, err
	}
	return role, nil
}

// UpdateRoleDetails changes display name and description and rotates the
// role's stamp.
func (s *RBACService) UpdateRoleDetails(ctx context.Context, roleID, displayName, description string) error {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return fmt.Errorf("%w: role id is required", ErrInvalidInput)
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return fmt.Errorf("%w: display name is required", ErrInvalidInput)
	}
	stamp, err := NewStamp()
	if err != nil {
		return err
	}
	return s.store.Roles().UpdateDetails(ctx, roleID, displayName, strings.TrimSpace(description), stamp)
}

// DeleteRole removes a role. System roles are refused.
func (s *RBACService) DeleteRole(ctx context.Context, roleID string) error {
	role, err := s.store.Roles().FindByID(ctx, roleID)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return ErrSystemRole
	}
	return s.store.Roles().Delete(ctx, role.ID)
}

// CreatePermission validates the hierarchical name and creates the entry.
func (s *RBACService) CreatePermission(ctx context.Context, name, displayName, description string) (*Permission, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	if !permNamePattern.MatchString(name) {
		return nil, fmt.Errorf("%w: permission name must be domain:resource:action[:context]", ErrInvalidInput)
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = name
	}
	perm := &Permission{
		ID:          ids.New(),
		Name:        name,
		DisplayName: displayName,
		Description: strings.TrimSpace(description),
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.Permissions().Create(ctx, perm); err != nil {
		return nil, err
	}
	return perm, nil
}

// AddPermissionToRole links the permission and rotates the role's stamp, so
// tokens and refresh snapshots minted before the change read as stale where
// the roles stamp is compared.
func (s *RBACService) AddPermissionToRole(ctx context.Context, roleID, permissionID, addedBy string) error {
	roleID = strings.TrimSpace(roleID)
	permissionID = strings.TrimSpace(permissionID)
	if roleID == "" || permissionID == "" {
		return fmt.Errorf("%w: role id and permission id are required", ErrInvalidInput)
	}
	stamp, err := NewStamp()
	if err != nil {
		return err
	}
	link := RolePermission{
		RoleID:       roleID,
		PermissionID: permissionID,
		AddedBy:      strings.TrimSpace(addedBy),
		AddedAt:      s.now().UTC(),
	}
	return s.store.Roles().AddPermission(ctx, link, stamp)
}

// RemovePermissionFromRole unlinks the permission and rotates the role's
// stamp. Refused for system roles.
func (s *RBACService) RemovePermissionFromRole(ctx context.Context, roleID, permissionID string) error {
	role, err := s.store.Roles().FindByID(ctx, roleID)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return ErrSystemRole
	}
	stamp, err := NewStamp()
	if err != nil {
		return err
	}
	return s.store.Roles().RemovePermission(ctx, role.ID, strings.TrimSpace(permissionID), stamp)
}

// GrantRole appends an active assignment and rotates the user's security
// stamp. A second active grant of the same role is a conflict.
func (s *RBACService) GrantRole(ctx context.Context, userID, roleID, grantedBy string) error {
	userID = strings.TrimSpace(userID)
	roleID = strings.TrimSpace(roleID)
	if userID == "" || roleID == "" {
		return fmt.Errorf("%w: user id and role id are required", ErrInvalidInput)
	}
	stamp, err := NewStamp()
	if err != nil {
		return err
	}
	assignment := RoleAssignment{
		UserID:    userID,
		RoleID:    roleID,
		GrantedBy: strings.TrimSpace(grantedBy),
		GrantedAt: s.now().UTC(),
	}
	return s.store.Roles().Assign(ctx, assignment, stamp)
}

// RevokeRole terminates the active assignment and rotates the user's
// security stamp. History is retained.
func (s *RBACService) RevokeRole(ctx context.Context, userID, roleID string) error {
	userID = strings.TrimSpace(userID)
	roleID = strings.TrimSpace(roleID)
	if userID == "" || roleID == "" {
		return fmt.Errorf("%w: user id and role id are required", ErrInvalidInput)
	}
	stamp, err := NewStamp()
	if err != nil {
		return err
	}
	return s.store.Roles().RevokeAssignment(ctx, userID, roleID, s.now().UTC(), stamp)
}
