package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL through database/sql.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Users() UserStore                 { return &userStore{db: s.db} }
func (s *PGStore) Roles() RoleStore                 { return &roleStore{db: s.db} }
func (s *PGStore) Permissions() PermissionStore     { return &permissionStore{db: s.db} }
func (s *PGStore) RefreshTokens() RefreshTokenStore { return &refreshTokenStore{db: s.db} }

func translateUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrConflict
	}
	return err
}

// User store ---------------------------------------------------------------

type userStore struct{ db *sql.DB }

func (s *userStore) Create(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx,
		`insert into users(id, email, password_hash, active, security_stamp, created_at)
		 values($1,$2,$3,$4,$5,$6)`,
		u.ID, u.Email, u.PasswordHash, u.Active, u.SecurityStamp, u.CreatedAt,
	)
	return translateUniqueViolation(err)
}

const userColumns = `id, email, password_hash, active, security_stamp, created_at`

func scanUser(row *sql.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Active, &u.SecurityStamp, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (s *userStore) FindByID(ctx context.Context, id string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where id=$1`, id))
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where email=$1`, email))
}

func (s *userStore) FindByIDWithRoles(ctx context.Context, id string) (*User, error) {
	user, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		select a.user_id, a.role_id, a.granted_by, a.granted_at,
		       r.id, r.name, r.display_name, r.description, r.is_system, r.security_stamp, r.created_at
		from role_assignments a
		join roles r on r.id = a.role_id
		where a.user_id=$1 and a.revoked_at is null
		order by a.granted_at asc`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	roleIdx := make(map[string]*Role)
	for rows.Next() {
		var (
			a RoleAssignment
			r Role
		)
		if err := rows.Scan(&a.UserID, &a.RoleID, &a.GrantedBy, &a.GrantedAt,
			&r.ID, &r.Name, &r.DisplayName, &r.Description, &r.IsSystem, &r.SecurityStamp, &r.CreatedAt); err != nil {
			return nil, err
		}
		role := r
		a.Role = &role
		roleIdx[role.ID] = a.Role
		user.Assignments = append(user.Assignments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(roleIdx) == 0 {
		return user, nil
	}

	permRows, err := s.db.QueryContext(ctx, `
		select rp.role_id, p.id, p.name, p.display_name, p.description, p.created_at
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		join role_assignments a on a.role_id = rp.role_id
		where a.user_id=$1 and a.revoked_at is null`, id)
	if err != nil {
		return nil, err
	}
	defer permRows.Close()

	for permRows.Next() {
		var (
			roleID string
			p      Permission
		)
		if err := permRows.Scan(&roleID, &p.ID, &p.Name, &p.DisplayName, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		if role, ok := roleIdx[roleID]; ok {
			role.Permissions = append(role.Permissions, p)
		}
	}
	return user, permRows.Err()
}

func (s *userStore) UpdatePassword(ctx context.Context, userID, passwordHash, stamp string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set password_hash=$2, security_stamp=$3 where id=$1`,
		userID, passwordHash, stamp)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *userStore) SetActive(ctx context.Context, userID string, active bool, stamp string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set active=$2, security_stamp=$3 where id=$1`,
		userID, active, stamp)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Role store ---------------------------------------------------------------

type roleStore struct{ db *sql.DB }

func (s *roleStore) Create(ctx context.Context, role *Role) error {
	_, err := s.db.ExecContext(ctx,
		`insert into roles(id, name, display_name, description, is_system, security_stamp, created_at)
		 values($1,$2,$3,$4,$5,$6,$7)`,
		role.ID, role.Name, role.DisplayName, role.Description, role.IsSystem, role.SecurityStamp, role.CreatedAt,
	)
	return translateUniqueViolation(err)
}

const roleColumns = `id, name, display_name, description, is_system, security_stamp, created_at`

func (s *roleStore) findBy(ctx context.Context, where string, arg any) (*Role, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+roleColumns+` from roles where `+where, arg)
	var r Role
	if err := row.Scan(&r.ID, &r.Name, &r.DisplayName, &r.Description, &r.IsSystem, &r.SecurityStamp, &r.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		select p.id, p.name, p.display_name, p.description, p.created_at
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		where rp.role_id=$1
		order by p.name asc`, r.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.DisplayName, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		r.Permissions = append(r.Permissions, p)
	}
	return &r, rows.Err()
}

func (s *roleStore) FindByID(ctx context.Context, id string) (*Role, error) {
	return s.findBy(ctx, `id=$1`, id)
}

func (s *roleStore) FindByName(ctx context.Context, name string) (*Role, error) {
	return s.findBy(ctx, `name=$1`, name)
}

func (s *roleStore) UpdateDetails(ctx context.Context, roleID, displayName, description, stamp string) error {
	res, err := s.db.ExecContext(ctx,
		`update roles set display_name=$2, description=$3, security_stamp=$4 where id=$1`,
		roleID, displayName, description, stamp)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *roleStore) Delete(ctx context.Context, roleID string) error {
	res, err := s.db.ExecContext(ctx,
		`delete from roles where id=$1 and is_system=false`, roleID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *roleStore) AddPermission(ctx context.Context, link RolePermission, stamp string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`insert into role_permissions(role_id, permission_id, added_by, added_at)
		 values($1,$2,$3,$4)`,
		link.RoleID, link.PermissionID, link.AddedBy, link.AddedAt); err != nil {
		return translateUniqueViolation(err)
	}
	if _, err := tx.ExecContext(ctx,
		`update roles set security_stamp=$2 where id=$1`, link.RoleID, stamp); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *roleStore) RemovePermission(ctx context.Context, roleID, permissionID, stamp string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`delete from role_permissions where role_id=$1 and permission_id=$2`,
		roleID, permissionID)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`update roles set security_stamp=$2 where id=$1`, roleID, stamp); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *roleStore) Assign(ctx context.Context, a RoleAssignment, userStamp string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	err = tx.QueryRowContext(ctx,
		`select exists(select 1 from role_assignments where user_id=$1 and role_id=$2 and revoked_at is null)`,
		a.UserID, a.RoleID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists {
		return ErrConflict
	}
	if _, err := tx.ExecContext(ctx,
		`insert into role_assignments(user_id, role_id, granted_by, granted_at)
		 values($1,$2,$3,$4)`,
		a.UserID, a.RoleID, a.GrantedBy, a.GrantedAt); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`update users set security_stamp=$2 where id=$1`, a.UserID, userStamp)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *roleStore) RevokeAssignment(ctx context.Context, userID, roleID string, revokedAt time.Time, userStamp string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`update role_assignments set revoked_at=$3 where user_id=$1 and role_id=$2 and revoked_at is null`,
		userID, roleID, revokedAt)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`update users set security_stamp=$2 where id=$1`, userID, userStamp); err != nil {
		return err
	}
	return tx.Commit()
}

// Permission store ---------------------------------------------------------

type permissionStore struct{ db *sql.DB }

func (s *permissionStore) Create(ctx context.Context, p *Permission) error {
	_, err := s.db.ExecContext(ctx,
		`insert into permissions(id, name, display_name, description, created_at)
		 values($1,$2,$3,$4,$5)`,
		p.ID, p.Name, p.DisplayName, p.Description, p.CreatedAt)
	return translateUniqueViolation(err)
}

func (s *permissionStore) FindByName(ctx context.Context, name string) (*Permission, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, name, display_name, description, created_at from permissions where name=$1`, name)
	var p Permission
	if err := row.Scan(&p.ID, &p.Name, &p.DisplayName, &p.Description, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *permissionStore) List(ctx context.Context) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx,
		`select id, name, display_name, description, created_at from permissions order by name asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.DisplayName, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// Refresh token store -------------------------------------------------------

type refreshTokenStore struct{ db *sql.DB }

func (s *refreshTokenStore) Create(ctx context.Context, tok *RefreshToken) error {
	_, err := s.db.ExecContext(ctx,
		`insert into refresh_tokens(id, user_id, token_hash, created_at, expires_at, stamp_snapshot)
		 values($1,$2,$3,$4,$5,$6)`,
		tok.ID, tok.UserID, tok.TokenHash, tok.CreatedAt, tok.ExpiresAt, tok.StampSnapshot)
	return translateUniqueViolation(err)
}

func (s *refreshTokenStore) FindByHash(ctx context.Context, hash string) (*RefreshToken, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, user_id, token_hash, created_at, expires_at, revoked_at, replaced_by_hash, stamp_snapshot
		from refresh_tokens where token_hash=$1`, hash)
	var t RefreshToken
	if err := row.Scan(&t.ID, &t.UserID, &t.TokenHash, &t.CreatedAt, &t.ExpiresAt,
		&t.RevokedAt, &t.ReplacedByHash, &t.StampSnapshot); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (s *refreshTokenStore) Rotate(ctx context.Context, oldHash string, revokedAt time.Time, next *RefreshToken) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Conditional revoke: of two racing rotations on the same plaintext,
	// exactly one sees a row here. The loser rolls back and the caller
	// reports the token invalid.
	res, err := tx.ExecContext(ctx,
		`update refresh_tokens set revoked_at=$2, replaced_by_hash=$3
		 where token_hash=$1 and revoked_at is null`,
		oldHash, revokedAt, next.TokenHash)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	if _, err := tx.ExecContext(ctx,
		`insert into refresh_tokens(id, user_id, token_hash, created_at, expires_at, stamp_snapshot)
		 values($1,$2,$3,$4,$5,$6)`,
		next.ID, next.UserID, next.TokenHash, next.CreatedAt, next.ExpiresAt, next.StampSnapshot); err != nil {
		return translateUniqueViolation(err)
	}
	return tx.Commit()
}

func (s *refreshTokenStore) Revoke(ctx context.Context, userID, hash string, revokedAt time.Time) error {
	// Deliberately ignores the affected row count: absent or already revoked
	// tokens must not leak their existence.
	_, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked_at=$3
		 where user_id=$1 and token_hash=$2 and revoked_at is null`,
		userID, hash, revokedAt)
	return err
}
