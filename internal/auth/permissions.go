package auth

import (
	"context"
	"errors"
)

// Builtin permission names guarding the admin surfaces.
const (
	PermRolesManage  = "iam:roles:manage"
	PermGrantsManage = "iam:grants:manage"
	PermFlagsManage  = "platform:flags:manage"
)

// BuiltinPermissions are seeded at startup.
var BuiltinPermissions = []Permission{
	{Name: PermRolesManage, DisplayName: "Manage roles", Description: "Create roles and edit their permission sets"},
	{Name: PermGrantsManage, DisplayName: "Manage grants", Description: "Grant and revoke role assignments"},
	{Name: PermFlagsManage, DisplayName: "Manage flags", Description: "Mutate feature flags"},
}

// SeedBuiltins creates any missing builtin permissions. Existing entries are
// left untouched.
func (s *RBACService) SeedBuiltins(ctx context.Context) error {
	for _, p := range BuiltinPermissions {
		if _, err := s.CreatePermission(ctx, p.Name, p.DisplayName, p.Description); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return err
		}
	}
	return nil
}
