package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gatehouse.dev/internal/ids"
)

var testSecret = []byte("test-signing-secret")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type stubFlags struct{ enabled bool }

func (s stubFlags) Enabled(ctx context.Context, key string) bool { return s.enabled }

func newTestService(t *testing.T, store Store, opts ...ServiceOption) *Service {
	t.Helper()
	svc, err := NewService(store, testSecret, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func seedUser(t *testing.T, store *InMemoryStore, email, password string, active bool) *User {
	t.Helper()
	hash, err := HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	stamp, err := NewStamp()
	if err != nil {
		t.Fatalf("NewStamp: %v", err)
	}
	user := &User{
		ID:            ids.New(),
		Email:         email,
		PasswordHash:  hash,
		Active:        active,
		SecurityStamp: stamp,
		CreatedAt:     time.Now().UTC(),
	}
	if err := store.Users().Create(context.Background(), user); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return user
}

func TestRegisterIssuesPairWithoutRoleClaims(t *testing.T) {
	store := NewInMemory()
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, store,
		WithClock(clock.Now),
		WithRefreshTTL(3*24*time.Hour),
	)

	pair, user, err := svc.Register(context.Background(), "a@x.com", "P@ssw0rd")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if user.Email != "a@x.com" || !user.Active {
		t.Fatalf("unexpected user: %+v", user)
	}

	claims, err := svc.Issuer().ParseAndValidate(pair.AccessToken)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != user.ID {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if len(claims.Roles) != 0 || len(claims.Permissions) != 0 {
		t.Fatalf("expected no role claims, got roles=%v perms=%v", claims.Roles, claims.Permissions)
	}
	if claims.RolesStamp != "" {
		t.Fatalf("expected empty roles stamp, got %q", claims.RolesStamp)
	}
	if claims.SecurityStamp != user.SecurityStamp {
		t.Fatalf("security stamp claim mismatch")
	}

	wantExpiry := clock.Now().Add(3 * 24 * time.Hour)
	if !pair.RefreshExpiresAt.Equal(wantExpiry) {
		t.Fatalf("refresh expiry = %v, want %v", pair.RefreshExpiresAt, wantExpiry)
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	store := NewInMemory()
	svc := newTestService(t, store)

	if _, _, err := svc.Register(context.Background(), "dup@x.com", "P@ssw0rd"); err != nil {
		t.Fatalf("first register: %v", err)
	}
	_, _, err := svc.Register(context.Background(), "DUP@x.com", "other-pw")
	if !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestRegisterAssignsDefaultRole(t *testing.T) {
	store := NewInMemory()
	role := &Role{ID: ids.New(), Name: "member", DisplayName: "Member", SecurityStamp: "rs1", CreatedAt: time.Now().UTC()}
	if err := store.Roles().Create(context.Background(), role); err != nil {
		t.Fatalf("seed role: %v", err)
	}
	svc := newTestService(t, store,
		WithDefaultRole("member"),
		WithFlags(stubFlags{enabled: true}),
	)

	pair, _, err := svc.Register(context.Background(), "b@x.com", "P@ssw0rd")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	claims, err := svc.Issuer().ParseAndValidate(pair.AccessToken)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "member" {
		t.Fatalf("expected member role claim, got %v", claims.Roles)
	}
	if claims.RolesStamp == "" {
		t.Fatalf("expected roles stamp claim")
	}
}

func TestRegisterMissingDefaultRoleSoftFails(t *testing.T) {
	store := NewInMemory()
	svc := newTestService(t, store, WithDefaultRole("ghost"))

	pair, _, err := svc.Register(context.Background(), "c@x.com", "P@ssw0rd")
	if err != nil {
		t.Fatalf("expected registration to succeed, got %v", err)
	}
	claims, err := svc.Issuer().ParseAndValidate(pair.AccessToken)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if len(claims.Roles) != 0 {
		t.Fatalf("expected no roles, got %v", claims.Roles)
	}
}

func TestLoginWrongPasswordCreatesNoToken(t *testing.T) {
	store := NewInMemory()
	seedUser(t, store, "d@x.com", "correct-pw", true)
	svc := newTestService(t, store)

	_, _, err := svc.Login(context.Background(), "d@x.com", "wrong-pw")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if n := store.tokenCount(); n != 0 {
		t.Fatalf("expected no refresh token rows, got %d", n)
	}

	_, _, err = svc.Login(context.Background(), "nobody@x.com", "whatever")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown email: expected ErrInvalidCredentials, got %v", err)
	}
}

func TestLoginInactiveUser(t *testing.T) {
	store := NewInMemory()
	seedUser(t, store, "e@x.com", "pw-123456", false)
	svc := newTestService(t, store)

	_, _, err := svc.Login(context.Background(), "e@x.com", "pw-123456")
	if !errors.Is(err, ErrUserInactive) {
		t.Fatalf("expected ErrUserInactive, got %v", err)
	}
}

func TestRefreshRotationIsSingleUse(t *testing.T) {
	store := NewInMemory()
	seedUser(t, store, "f@x.com", "pw-123456", true)
	svc := newTestService(t, store)

	pair, _, err := svc.Login(context.Background(), "f@x.com", "pw-123456")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	next, _, err := svc.Refresh(context.Background(), pair.RefreshToken)
	if err != nil {
		t.Fatalf("first Refresh: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Fatalf("rotation returned the same plaintext")
	}

	_, _, err = svc.Refresh(context.Background(), pair.RefreshToken)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("replayed token: expected ErrInvalidToken, got %v", err)
	}

	old := store.tokenByHash(HashRefreshSecret(pair.RefreshToken))
	if old == nil || old.RevokedAt == nil {
		t.Fatalf("old token should be retained and revoked")
	}
	if old.ReplacedByHash == nil || *old.ReplacedByHash != HashRefreshSecret(next.RefreshToken) {
		t.Fatalf("rotation chain pointer not set")
	}
}

func TestRefreshStaleStamp(t *testing.T) {
	store := NewInMemory()
	user := seedUser(t, store, "g@x.com", "pw-123456", true)
	svc := newTestService(t, store)

	pair, _, err := svc.Login(context.Background(), "g@x.com", "pw-123456")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	// Password change regenerates the stamp; the still unexpired, unrevoked
	// refresh token must now read as stale.
	if err := svc.ChangePassword(context.Background(), user.ID, "pw-123456", "new-pw-789"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}

	_, _, err = svc.Refresh(context.Background(), pair.RefreshToken)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("stale token: expected ErrInvalidToken, got %v", err)
	}
}

func TestRefreshExpiredToken(t *testing.T) {
	store := NewInMemory()
	seedUser(t, store, "h@x.com", "pw-123456", true)
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, store, WithClock(clock.Now), WithRefreshTTL(24*time.Hour))

	pair, _, err := svc.Login(context.Background(), "h@x.com", "pw-123456")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	clock.Advance(25 * time.Hour)
	_, _, err = svc.Refresh(context.Background(), pair.RefreshToken)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token: expected ErrInvalidToken, got %v", err)
	}
	if tok := store.tokenByHash(HashRefreshSecret(pair.RefreshToken)); tok == nil || tok.RevokedAt != nil {
		t.Fatalf("expired token must stay unrevoked but invalid")
	}
}

func TestRefreshDeactivatedUser(t *testing.T) {
	store := NewInMemory()
	user := seedUser(t, store, "i@x.com", "pw-123456", true)
	svc := newTestService(t, store)

	pair, _, err := svc.Login(context.Background(), "i@x.com", "pw-123456")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := svc.SetActive(context.Background(), user.ID, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	_, _, err = svc.Refresh(context.Background(), pair.RefreshToken)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("inactive user: expected ErrInvalidToken, got %v", err)
	}
}

func TestLogoutIsIdempotentAndSilent(t *testing.T) {
	store := NewInMemory()
	user := seedUser(t, store, "j@x.com", "pw-123456", true)
	svc := newTestService(t, store)

	pair, _, err := svc.Login(context.Background(), "j@x.com", "pw-123456")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if err := svc.Logout(context.Background(), user.ID, pair.RefreshToken); err != nil {
		t.Fatalf("first Logout: %v", err)
	}
	tok := store.tokenByHash(HashRefreshSecret(pair.RefreshToken))
	if tok == nil || tok.RevokedAt == nil {
		t.Fatalf("token should be revoked")
	}
	if tok.ReplacedByHash != nil {
		t.Fatalf("logout must not set a replacement pointer")
	}
	firstRevokedAt := *tok.RevokedAt

	if err := svc.Logout(context.Background(), user.ID, pair.RefreshToken); err != nil {
		t.Fatalf("second Logout: %v", err)
	}
	if !tok.RevokedAt.Equal(firstRevokedAt) {
		t.Fatalf("re-revoking must be a no-op")
	}

	// Unknown token: silent no-op, no existence leak.
	if err := svc.Logout(context.Background(), user.ID, "never-issued"); err != nil {
		t.Fatalf("unknown token Logout: %v", err)
	}
}

func TestRefreshConcurrencySingleWinner(t *testing.T) {
	store := NewInMemory()
	seedUser(t, store, "k@x.com", "pw-123456", true)
	svc := newTestService(t, store)

	pair, _, err := svc.Login(context.Background(), "k@x.com", "pw-123456")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	const n = 16
	var wg sync.WaitGroup
	wg.Add(n)
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, _, err := svc.Refresh(context.Background(), pair.RefreshToken)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	success, fail := 0, 0
	for err := range results {
		switch {
		case err == nil:
			success++
		case errors.Is(err, ErrInvalidToken):
			fail++
		default:
			t.Fatalf("unexpected refresh error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly one winner, got %d", success)
	}
	if fail != n-1 {
		t.Fatalf("expected %d losers, got %d", n-1, fail)
	}
}
