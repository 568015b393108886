package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
)

// NewStamp returns a fresh opaque security stamp. Stamps are compared only
// for inequality, never ordered.
func NewStamp() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate security stamp: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Snapshot is the authorization state derived from a user's active role
// assignments at one instant. It is embedded into access tokens for display
// and captured alongside refresh tokens for staleness checks.
type Snapshot struct {
	Roles       []string
	Permissions []string
	RolesStamp  string
}

// BuildSnapshot derives the role names, permission names, and composite roles
// stamp from the active assignments. Inactive assignments are skipped. The
// function is deterministic: the same set in any order yields byte-identical
// output.
func BuildSnapshot(assignments []RoleAssignment) Snapshot {
	roleSet := make(map[string]struct{})
	permSet := make(map[string]struct{})
	var tuples []string

	for _, a := range assignments {
		if !a.Active() || a.Role == nil {
			continue
		}
		name := strings.TrimSpace(strings.ToLower(a.Role.Name))
		if name != "" {
			roleSet[name] = struct{}{}
		}
		tuples = append(tuples, a.Role.ID+":"+a.Role.SecurityStamp)
		for _, p := range a.Role.Permissions {
			perm := strings.TrimSpace(strings.ToLower(p.Name))
			if perm != "" {
				permSet[perm] = struct{}{}
			}
		}
	}

	snap := Snapshot{
		Roles:       sortedKeys(roleSet),
		Permissions: sortedKeys(permSet),
	}
	if len(tuples) > 0 {
		sort.Strings(tuples)
		snap.RolesStamp = strings.Join(tuples, "|")
	}
	return snap
}

// HasPermission reports whether the snapshot contains the permission,
// case-insensitively. Informational only: access decisions go through the
// live Resolver.
func (s Snapshot) HasPermission(name string) bool {
	name = strings.TrimSpace(strings.ToLower(name))
	for _, p := range s.Permissions {
		if p == name {
			return true
		}
	}
	return false
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
