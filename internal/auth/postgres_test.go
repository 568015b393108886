package auth

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
)

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	return NewPGStore(db), mock, func() { _ = db.Close() }
}

func TestPGRotateWinner(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	now := time.Now().UTC()
	next := &RefreshToken{
		ID:            "tok-2",
		UserID:        "user-1",
		TokenHash:     "hash-2",
		CreatedAt:     now,
		ExpiresAt:     now.Add(24 * time.Hour),
		StampSnapshot: "stamp-1",
	}

	mock.ExpectBegin()
	mock.ExpectExec("update refresh_tokens set revoked_at").
		WithArgs("hash-1", now, "hash-2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into refresh_tokens").
		WithArgs("tok-2", "user-1", "hash-2", now, next.ExpiresAt, "stamp-1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := store.RefreshTokens().Rotate(context.Background(), "hash-1", now, next); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGRotateLoserObservesZeroRows(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	now := time.Now().UTC()
	next := &RefreshToken{ID: "tok-2", UserID: "user-1", TokenHash: "hash-2", CreatedAt: now, ExpiresAt: now.Add(24 * time.Hour)}

	// Someone else already revoked the row: the conditional update matches
	// nothing and the transaction rolls back with no insert.
	mock.ExpectBegin()
	mock.ExpectExec("update refresh_tokens set revoked_at").
		WithArgs("hash-1", now, "hash-2").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.RefreshTokens().Rotate(context.Background(), "hash-1", now, next)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGRevokeIsSilentWhenAbsent(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	now := time.Now().UTC()
	mock.ExpectExec("update refresh_tokens set revoked_at").
		WithArgs("user-1", "hash-x", now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.RefreshTokens().Revoke(context.Background(), "user-1", "hash-x", now); err != nil {
		t.Fatalf("Revoke must not report absence: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGFindByHashNotFound(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery("select (.+) from refresh_tokens").
		WithArgs("hash-x").
		WillReturnError(sql.ErrNoRows)

	_, err := store.RefreshTokens().FindByHash(context.Background(), "hash-x")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGCreateUserTranslatesUniqueViolation(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec("insert into users").
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := store.Users().Create(context.Background(), &User{
		ID: "u1", Email: "a@x.com", PasswordHash: "h", Active: true,
		SecurityStamp: "s", CreatedAt: time.Now().UTC(),
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestPGFindByIDWithRolesAssemblesMaterializedRoles(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	created := time.Now().UTC()
	mock.ExpectQuery("select id, email, password_hash, active, security_stamp, created_at from users").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "password_hash", "active", "security_stamp", "created_at"}).
			AddRow("u1", "a@x.com", "hash", true, "stamp-1", created))

	mock.ExpectQuery("from role_assignments a").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{
			"user_id", "role_id", "granted_by", "granted_at",
			"id", "name", "display_name", "description", "is_system", "security_stamp", "created_at",
		}).AddRow("u1", "r1", "admin-1", created, "r1", "viewer", "Viewer", "", false, "rs1", created))

	mock.ExpectQuery("from role_permissions rp").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"role_id", "id", "name", "display_name", "description", "created_at"}).
			AddRow("r1", "p1", "reports:dashboard:read", "Read dashboards", "", created))

	user, err := store.Users().FindByIDWithRoles(context.Background(), "u1")
	if err != nil {
		t.Fatalf("FindByIDWithRoles: %v", err)
	}
	if len(user.Assignments) != 1 {
		t.Fatalf("expected one assignment, got %d", len(user.Assignments))
	}
	role := user.Assignments[0].Role
	if role == nil || role.Name != "viewer" || role.SecurityStamp != "rs1" {
		t.Fatalf("role not materialized: %+v", role)
	}
	if len(role.Permissions) != 1 || role.Permissions[0].Name != "reports:dashboard:read" {
		t.Fatalf("permissions not materialized: %+v", role.Permissions)
	}

	snap := BuildSnapshot(user.Assignments)
	if !snap.HasPermission("reports:dashboard:read") {
		t.Fatalf("snapshot missing flattened permission")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
