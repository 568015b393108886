package auth

import (
	"context"
	"errors"
	"testing"
)

func newTestRBAC(t *testing.T, store Store) *RBACService {
	t.Helper()
	svc, err := NewRBACService(store)
	if err != nil {
		t.Fatalf("NewRBACService: %v", err)
	}
	return svc
}

func TestCreateRoleValidatesName(t *testing.T) {
	svc := newTestRBAC(t, NewInMemory())

	for _, name := range []string{"", "Admin Role", "1admin", "x", "-bad"} {
		if _, err := svc.CreateRole(context.Background(), name, "", "", false); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("name %q: expected ErrInvalidInput, got %v", name, err)
		}
	}

	role, err := svc.CreateRole(context.Background(), "support-agent", "Support Agent", "handles tickets", false)
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if role.SecurityStamp == "" {
		t.Fatalf("new role must carry a security stamp")
	}
}

func TestCreatePermissionValidatesPattern(t *testing.T) {
	svc := newTestRBAC(t, NewInMemory())

	bad := []string{"", "manage", "iam:roles", "iam:roles:manage:extra:deep", "IAM ROLES MANAGE"}
	for _, name := range bad {
		if _, err := svc.CreatePermission(context.Background(), name, "", ""); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("name %q: expected ErrInvalidInput, got %v", name, err)
		}
	}

	for _, name := range []string{"iam:roles:manage", "reports:dashboard:read:finance"} {
		if _, err := svc.CreatePermission(context.Background(), name, "", ""); err != nil {
			t.Fatalf("name %q: %v", name, err)
		}
	}
}

func TestAddPermissionRotatesRoleStamp(t *testing.T) {
	store := NewInMemory()
	svc := newTestRBAC(t, store)

	role, err := svc.CreateRole(context.Background(), "auditor", "", "", false)
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	perm, err := svc.CreatePermission(context.Background(), "ledger:entries:read", "", "")
	if err != nil {
		t.Fatalf("CreatePermission: %v", err)
	}

	before := role.SecurityStamp
	if err := svc.AddPermissionToRole(context.Background(), role.ID, perm.ID, "admin-1"); err != nil {
		t.Fatalf("AddPermissionToRole: %v", err)
	}
	after, err := store.Roles().FindByID(context.Background(), role.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if after.SecurityStamp == before {
		t.Fatalf("role stamp must rotate when the permission set changes")
	}
}

// A token minted before a role's permission set changed stays valid by
// signature and expiry until it naturally expires. That is expected: embedded
// claims are display-only and enforcement re-resolves live.
func TestOldAccessTokenSurvivesRoleChange(t *testing.T) {
	store := NewInMemory()
	rbac := newTestRBAC(t, store)
	seedUser(t, store, "m@x.com", "pw-123456", true)
	svc := newTestService(t, store)

	role, err := rbac.CreateRole(context.Background(), "operator", "", "", false)
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	user, err := store.Users().FindByEmail(context.Background(), "m@x.com")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if err := rbac.GrantRole(context.Background(), user.ID, role.ID, "admin-1"); err != nil {
		t.Fatalf("GrantRole: %v", err)
	}

	pair, _, err := svc.Login(context.Background(), "m@x.com", "pw-123456")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	perm, err := rbac.CreatePermission(context.Background(), "ops:jobs:run", "", "")
	if err != nil {
		t.Fatalf("CreatePermission: %v", err)
	}
	if err := rbac.AddPermissionToRole(context.Background(), role.ID, perm.ID, "admin-1"); err != nil {
		t.Fatalf("AddPermissionToRole: %v", err)
	}

	if _, err := svc.Issuer().ParseAndValidate(pair.AccessToken); err != nil {
		t.Fatalf("pre-change access token must still verify: %v", err)
	}
}

func TestUpdateRoleDetailsRotatesStamp(t *testing.T) {
	store := NewInMemory()
	svc := newTestRBAC(t, store)

	role, err := svc.CreateRole(context.Background(), "support", "", "", false)
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if err := svc.UpdateRoleDetails(context.Background(), role.ID, "Support", "front line"); err != nil {
		t.Fatalf("UpdateRoleDetails: %v", err)
	}
	updated, err := store.Roles().FindByID(context.Background(), role.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if updated.DisplayName != "Support" || updated.Description != "front line" {
		t.Fatalf("details not updated: %+v", updated)
	}
	if updated.SecurityStamp == role.SecurityStamp {
		t.Fatalf("role stamp must rotate on detail change")
	}

	if err := svc.UpdateRoleDetails(context.Background(), role.ID, "", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank display name, got %v", err)
	}
}

func TestSystemRoleProtections(t *testing.T) {
	store := NewInMemory()
	svc := newTestRBAC(t, store)

	role, err := svc.CreateRole(context.Background(), "root", "", "", true)
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	perm, err := svc.CreatePermission(context.Background(), "iam:roles:manage", "", "")
	if err != nil {
		t.Fatalf("CreatePermission: %v", err)
	}
	if err := svc.AddPermissionToRole(context.Background(), role.ID, perm.ID, "admin-1"); err != nil {
		t.Fatalf("AddPermissionToRole: %v", err)
	}

	if err := svc.RemovePermissionFromRole(context.Background(), role.ID, perm.ID); !errors.Is(err, ErrSystemRole) {
		t.Fatalf("expected ErrSystemRole on remove, got %v", err)
	}
	if err := svc.DeleteRole(context.Background(), role.ID); !errors.Is(err, ErrSystemRole) {
		t.Fatalf("expected ErrSystemRole on delete, got %v", err)
	}
}

func TestGrantRoleRotatesUserStampAndConflicts(t *testing.T) {
	store := NewInMemory()
	svc := newTestRBAC(t, store)
	user := seedUser(t, store, "n@x.com", "pw-123456", true)

	role, err := svc.CreateRole(context.Background(), "viewer", "", "", false)
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}

	before := user.SecurityStamp
	if err := svc.GrantRole(context.Background(), user.ID, role.ID, "admin-1"); err != nil {
		t.Fatalf("GrantRole: %v", err)
	}
	after, err := store.Users().FindByID(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if after.SecurityStamp == before {
		t.Fatalf("user stamp must rotate on grant")
	}

	// Second active grant of the same role conflicts.
	if err := svc.GrantRole(context.Background(), user.ID, role.ID, "admin-1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestRevokeRoleKeepsHistory(t *testing.T) {
	store := NewInMemory()
	svc := newTestRBAC(t, store)
	user := seedUser(t, store, "o@x.com", "pw-123456", true)

	role, err := svc.CreateRole(context.Background(), "viewer", "", "", false)
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if err := svc.GrantRole(context.Background(), user.ID, role.ID, "admin-1"); err != nil {
		t.Fatalf("GrantRole: %v", err)
	}
	if err := svc.RevokeRole(context.Background(), user.ID, role.ID); err != nil {
		t.Fatalf("RevokeRole: %v", err)
	}

	// Terminal: revoking again finds no active assignment.
	if err := svc.RevokeRole(context.Background(), user.ID, role.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// History retained: a fresh grant is allowed afterwards.
	if err := svc.GrantRole(context.Background(), user.ID, role.ID, "admin-1"); err != nil {
		t.Fatalf("re-grant after revoke: %v", err)
	}

	loaded, err := store.Users().FindByIDWithRoles(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("FindByIDWithRoles: %v", err)
	}
	active := 0
	for _, a := range loaded.Assignments {
		if a.Active() {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("expected one active assignment, got %d", active)
	}
}
