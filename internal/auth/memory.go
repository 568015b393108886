package auth

import (
	"context"
	"sync"
	"time"
)

var _ Store = (*InMemoryStore)(nil)

// InMemoryStore is an in-memory Store with the same conditional-update
// semantics as the Postgres implementation, including the single-winner
// rotate. It backs tests and local development without a database.
type InMemoryStore struct {
	mu          sync.Mutex
	users       map[string]*User
	roles       map[string]*Role
	permissions map[string]*Permission
	assignments []RoleAssignment
	tokens      map[string]*RefreshToken // keyed by hash
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		users:       make(map[string]*User),
		roles:       make(map[string]*Role),
		permissions: make(map[string]*Permission),
		tokens:      make(map[string]*RefreshToken),
	}
}

func (m *InMemoryStore) Users() UserStore                 { return (*memUsers)(m) }
func (m *InMemoryStore) Roles() RoleStore                 { return (*memRoles)(m) }
func (m *InMemoryStore) Permissions() PermissionStore     { return (*memPerms)(m) }
func (m *InMemoryStore) RefreshTokens() RefreshTokenStore { return (*memTokens)(m) }

type memUsers InMemoryStore

func (m *memUsers) Create(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return ErrConflict
		}
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *memUsers) FindByID(ctx context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	cp.Assignments = nil
	return &cp, nil
}

func (m *memUsers) FindByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			cp.Assignments = nil
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memUsers) FindByIDWithRoles(ctx context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	cp.Assignments = nil
	for _, a := range m.assignments {
		if a.UserID != id || a.RevokedAt != nil {
			continue
		}
		ac := a
		if role, ok := m.roles[a.RoleID]; ok {
			rc := *role
			ac.Role = &rc
		}
		cp.Assignments = append(cp.Assignments, ac)
	}
	return &cp, nil
}

func (m *memUsers) UpdatePassword(ctx context.Context, userID, passwordHash, stamp string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.SecurityStamp = stamp
	return nil
}

func (m *memUsers) SetActive(ctx context.Context, userID string, active bool, stamp string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Active = active
	u.SecurityStamp = stamp
	return nil
}

type memRoles InMemoryStore

func (m *memRoles) Create(ctx context.Context, role *Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.roles {
		if r.Name == role.Name {
			return ErrConflict
		}
	}
	cp := *role
	m.roles[role.ID] = &cp
	return nil
}

func (m *memRoles) FindByID(ctx context.Context, id string) (*Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memRoles) FindByName(ctx context.Context, name string) (*Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.roles {
		if r.Name == name {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memRoles) UpdateDetails(ctx context.Context, roleID, displayName, description, stamp string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[roleID]
	if !ok {
		return ErrNotFound
	}
	r.DisplayName = displayName
	r.Description = description
	r.SecurityStamp = stamp
	return nil
}

func (m *memRoles) Delete(ctx context.Context, roleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[roleID]
	if !ok || r.IsSystem {
		return ErrNotFound
	}
	delete(m.roles, roleID)
	return nil
}

func (m *memRoles) AddPermission(ctx context.Context, link RolePermission, stamp string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[link.RoleID]
	if !ok {
		return ErrNotFound
	}
	p, ok := m.permissions[link.PermissionID]
	if !ok {
		return ErrNotFound
	}
	for _, existing := range r.Permissions {
		if existing.ID == p.ID {
			return ErrConflict
		}
	}
	r.Permissions = append(r.Permissions, *p)
	r.SecurityStamp = stamp
	return nil
}

func (m *memRoles) RemovePermission(ctx context.Context, roleID, permissionID, stamp string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[roleID]
	if !ok {
		return ErrNotFound
	}
	for i, p := range r.Permissions {
		if p.ID == permissionID {
			r.Permissions = append(r.Permissions[:i], r.Permissions[i+1:]...)
			r.SecurityStamp = stamp
			return nil
		}
	}
	return ErrNotFound
}

func (m *memRoles) Assign(ctx context.Context, a RoleAssignment, userStamp string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[a.UserID]
	if !ok {
		return ErrNotFound
	}
	for _, existing := range m.assignments {
		if existing.UserID == a.UserID && existing.RoleID == a.RoleID && existing.RevokedAt == nil {
			return ErrConflict
		}
	}
	m.assignments = append(m.assignments, a)
	u.SecurityStamp = userStamp
	return nil
}

func (m *memRoles) RevokeAssignment(ctx context.Context, userID, roleID string, revokedAt time.Time, userStamp string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	for i := range m.assignments {
		a := &m.assignments[i]
		if a.UserID == userID && a.RoleID == roleID && a.RevokedAt == nil {
			ts := revokedAt
			a.RevokedAt = &ts
			u.SecurityStamp = userStamp
			return nil
		}
	}
	return ErrNotFound
}

type memPerms InMemoryStore

func (m *memPerms) Create(ctx context.Context, p *Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.permissions {
		if existing.Name == p.Name {
			return ErrConflict
		}
	}
	cp := *p
	m.permissions[p.ID] = &cp
	return nil
}

func (m *memPerms) FindByName(ctx context.Context, name string) (*Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.permissions {
		if p.Name == name {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memPerms) List(ctx context.Context) ([]Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []Permission
	for _, p := range m.permissions {
		res = append(res, *p)
	}
	return res, nil
}

type memTokens InMemoryStore

func (m *memTokens) Create(ctx context.Context, tok *RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[tok.TokenHash]; ok {
		return ErrConflict
	}
	cp := *tok
	m.tokens[tok.TokenHash] = &cp
	return nil
}

func (m *memTokens) FindByHash(ctx context.Context, hash string) (*RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[hash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memTokens) Rotate(ctx context.Context, oldHash string, revokedAt time.Time, next *RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.tokens[oldHash]
	if !ok || old.RevokedAt != nil {
		return ErrConflict
	}
	ts := revokedAt
	old.RevokedAt = &ts
	nh := next.TokenHash
	old.ReplacedByHash = &nh
	cp := *next
	m.tokens[next.TokenHash] = &cp
	return nil
}

func (m *memTokens) Revoke(ctx context.Context, userID, hash string, revokedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[hash]
	if !ok || t.UserID != userID || t.RevokedAt != nil {
		return nil
	}
	ts := revokedAt
	t.RevokedAt = &ts
	return nil
}

