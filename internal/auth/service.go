package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"gatehouse.dev/internal/ids"
	"gatehouse.dev/internal/obs"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 24 * time.Hour * 7

	refreshSecretLen = 64
)

// FlagChecker is the RBAC kill-switch lookup, satisfied by flags.Cache bound
// to an environment.
type FlagChecker interface {
	Enabled(ctx context.Context, key string) bool
}

// RBACFlagKey gates enforcement and default-role assignment.
const RBACFlagKey = "rbac_enforcement"

// Service owns the credential lifecycle: registration, login, refresh token
// rotation, and logout.
type Service struct {
	store       Store
	issuer      *Issuer
	flags       FlagChecker
	defaultRole string
	refreshTTL  time.Duration
	now         func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*serviceConfig)

type serviceConfig struct {
	issuerName  string
	audience    string
	accessTTL   time.Duration
	refreshTTL  time.Duration
	defaultRole string
	flags       FlagChecker
	now         func() time.Time
}

// WithIssuerName sets the token issuer claim.
func WithIssuerName(name string) ServiceOption {
	return func(c *serviceConfig) { c.issuerName = strings.TrimSpace(name) }
}

// WithAudience sets the token audience claim.
func WithAudience(aud string) ServiceOption {
	return func(c *serviceConfig) { c.audience = strings.TrimSpace(aud) }
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(c *serviceConfig) {
		if ttl > 0 {
			c.accessTTL = ttl
		}
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(c *serviceConfig) {
		if ttl > 0 {
			c.refreshTTL = ttl
		}
	}
}

// WithDefaultRole names the role auto-assigned at registration.
func WithDefaultRole(name string) ServiceOption {
	return func(c *serviceConfig) { c.defaultRole = strings.TrimSpace(strings.ToLower(name)) }
}

// WithFlags wires the feature-flag lookup used for the RBAC kill-switch.
func WithFlags(fc FlagChecker) ServiceOption {
	return func(c *serviceConfig) { c.flags = fc }
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(c *serviceConfig) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewService constructs the auth service. The signing secret is mandatory:
// without it every login and refresh would fail at mint time.
func NewService(store Store, secret []byte, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	cfg := serviceConfig{
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	issuer, err := NewIssuer(secret, cfg.issuerName, cfg.audience, cfg.accessTTL, cfg.now)
	if err != nil {
		return nil, err
	}
	return &Service{
		store:       store,
		issuer:      issuer,
		flags:       cfg.flags,
		defaultRole: cfg.defaultRole,
		refreshTTL:  cfg.refreshTTL,
		now:         cfg.now,
	}, nil
}

// Issuer exposes the token issuer, e.g. for the whoami handler.
func (s *Service) Issuer() *Issuer { return s.issuer }

// Register creates an account, auto-assigns the default role when configured
// and RBAC is enabled, and returns a fresh token pair. A missing default role
// is logged and skipped rather than blocking registration.
func (s *Service) Register(ctx context.Context, email, password string) (TokenPair, *User, error) {
	email = NormalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return TokenPair{}, nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if strings.TrimSpace(password) == "" {
		return TokenPair{}, nil, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}

	hash, err := HashPassword(password)
	if err != nil {
		return TokenPair{}, nil, err
	}
	stamp, err := NewStamp()
	if err != nil {
		return TokenPair{}, nil, err
	}
	user := &User{
		ID:            ids.New(),
		Email:         email,
		PasswordHash:  hash,
		Active:        true,
		SecurityStamp: stamp,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.store.Users().Create(ctx, user); err != nil {
		if errors.Is(err, ErrConflict) {
			return TokenPair{}, nil, ErrEmailTaken
		}
		return TokenPair{}, nil, err
	}

	s.assignDefaultRole(ctx, user)

	pair, err := s.mint(ctx, user.ID)
	if err != nil {
		return TokenPair{}, nil, err
	}
	return pair, user, nil
}

// Login verifies credentials and returns a fresh token pair. Unknown email
// and wrong password yield the same error; no refresh token row is created
// on failure.
func (s *Service) Login(ctx context.Context, email, password string) (TokenPair, *User, error) {
	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return TokenPair{}, nil, ErrInvalidCredentials
	}
	user, err := s.store.Users().FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, nil, ErrInvalidCredentials
		}
		return TokenPair{}, nil, err
	}
	if !user.Active {
		return TokenPair{}, nil, ErrUserInactive
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return TokenPair{}, nil, ErrInvalidCredentials
	}
	pair, err := s.mint(ctx, user.ID)
	if err != nil {
		return TokenPair{}, nil, err
	}
	return pair, user, nil
}

// Refresh exchanges a refresh token for a new pair, rotating the old token.
// Every failure reason collapses to ErrInvalidToken.
func (s *Service) Refresh(ctx context.Context, plaintext string) (TokenPair, *User, error) {
	plaintext = strings.TrimSpace(plaintext)
	if plaintext == "" {
		return TokenPair{}, nil, ErrInvalidToken
	}
	hash := HashRefreshSecret(plaintext)

	tokens := s.store.RefreshTokens()
	record, err := tokens.FindByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.RefreshRotation("miss")
			return TokenPair{}, nil, ErrInvalidToken
		}
		return TokenPair{}, nil, err
	}
	now := s.now().UTC()
	if !record.ActiveAt(now) {
		obs.RefreshRotation("inactive")
		return TokenPair{}, nil, ErrInvalidToken
	}

	user, err := s.store.Users().FindByIDWithRoles(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.RefreshRotation("no_user")
			return TokenPair{}, nil, ErrInvalidToken
		}
		return TokenPair{}, nil, err
	}
	if !user.Active {
		obs.RefreshRotation("inactive_user")
		return TokenPair{}, nil, ErrInvalidToken
	}
	if record.StampSnapshot != user.SecurityStamp {
		obs.RefreshRotation("stale")
		return TokenPair{}, nil, ErrInvalidToken
	}

	snap := BuildSnapshot(user.Assignments)
	access, accessExp, err := s.issuer.Issue(user.ID, user.Email, user.SecurityStamp, snap)
	if err != nil {
		return TokenPair{}, nil, err
	}
	plainNext, next, err := s.newRefreshToken(user.ID, user.SecurityStamp, now)
	if err != nil {
		return TokenPair{}, nil, err
	}
	// Revoke-old plus insert-new is one atomic unit; a concurrent caller on
	// the same plaintext loses the conditional revoke and gets ErrInvalidToken.
	if err := tokens.Rotate(ctx, hash, now, next); err != nil {
		if errors.Is(err, ErrConflict) {
			obs.RefreshRotation("lost_race")
			return TokenPair{}, nil, ErrInvalidToken
		}
		return TokenPair{}, nil, err
	}
	obs.RefreshRotation("ok")
	obs.TokenIssued()

	return TokenPair{
		AccessToken:      access,
		RefreshToken:     plainNext,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: next.ExpiresAt,
	}, user, nil
}

// Logout revokes the user's refresh token. Unknown tokens are a silent no-op
// so callers cannot probe for existence; repeating the call is idempotent.
func (s *Service) Logout(ctx context.Context, userID, plaintext string) error {
	userID = strings.TrimSpace(userID)
	plaintext = strings.TrimSpace(plaintext)
	if userID == "" || plaintext == "" {
		return fmt.Errorf("%w: user id and token are required", ErrInvalidInput)
	}
	return s.store.RefreshTokens().Revoke(ctx, userID, HashRefreshSecret(plaintext), s.now().UTC())
}

// ChangePassword verifies the current password, stores the new hash, and
// regenerates the security stamp so outstanding refresh tokens go stale.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrMissingUserContext
	}
	if strings.TrimSpace(next) == "" {
		return fmt.Errorf("%w: new password is required", ErrInvalidInput)
	}
	user, err := s.store.Users().FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if !user.Active {
		return ErrUserInactive
	}
	if err := VerifyPassword(user.PasswordHash, current); err != nil {
		return ErrInvalidCredentials
	}
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	stamp, err := NewStamp()
	if err != nil {
		return err
	}
	return s.store.Users().UpdatePassword(ctx, userID, hash, stamp)
}

// SetActive toggles the account and regenerates the security stamp, making
// every outstanding refresh token stale.
func (s *Service) SetActive(ctx context.Context, userID string, active bool) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	stamp, err := NewStamp()
	if err != nil {
		return err
	}
	return s.store.Users().SetActive(ctx, userID, active, stamp)
}

func (s *Service) mint(ctx context.Context, userID string) (TokenPair, error) {
	user, err := s.store.Users().FindByIDWithRoles(ctx, userID)
	if err != nil {
		return TokenPair{}, err
	}
	snap := BuildSnapshot(user.Assignments)
	access, accessExp, err := s.issuer.Issue(user.ID, user.Email, user.SecurityStamp, snap)
	if err != nil {
		return TokenPair{}, err
	}
	now := s.now().UTC()
	plaintext, record, err := s.newRefreshToken(user.ID, user.SecurityStamp, now)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.store.RefreshTokens().Create(ctx, record); err != nil {
		return TokenPair{}, err
	}
	obs.TokenIssued()
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     plaintext,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: record.ExpiresAt,
	}, nil
}

func (s *Service) newRefreshToken(userID, stampSnapshot string, now time.Time) (string, *RefreshToken, error) {
	buf := make([]byte, refreshSecretLen)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate refresh secret: %w", err)
	}
	plaintext := base64.RawURLEncoding.EncodeToString(buf)
	record := &RefreshToken{
		ID:            ids.New(),
		UserID:        userID,
		TokenHash:     HashRefreshSecret(plaintext),
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.refreshTTL),
		StampSnapshot: stampSnapshot,
	}
	return plaintext, record, nil
}

// assignDefaultRole grants the configured default role to a new user. RBAC
// being disabled or the role being absent is a configuration gap, not a
// registration failure: log and move on.
func (s *Service) assignDefaultRole(ctx context.Context, user *User) {
	if s.defaultRole == "" {
		return
	}
	if s.flags != nil && !s.flags.Enabled(ctx, RBACFlagKey) {
		obs.LogRequest(map[string]any{
			"level": "warn",
			"msg":   "default role skipped: rbac disabled",
			"user":  user.ID,
		})
		return
	}
	role, err := s.store.Roles().FindByName(ctx, s.defaultRole)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			err = fmt.Errorf("%w: default role %q does not exist", ErrConfigurationMissing, s.defaultRole)
		}
		obs.LogRequest(map[string]any{
			"level": "warn",
			"msg":   "default role skipped: " + err.Error(),
			"role":  s.defaultRole,
			"user":  user.ID,
		})
		return
	}
	stamp, err := NewStamp()
	if err != nil {
		return
	}
	assignment := RoleAssignment{
		UserID:    user.ID,
		RoleID:    role.ID,
		GrantedBy: "system",
		GrantedAt: s.now().UTC(),
	}
	if err := s.store.Roles().Assign(ctx, assignment, stamp); err != nil {
		obs.LogRequest(map[string]any{
			"level": "warn",
			"msg":   "default role assignment failed: " + err.Error(),
			"role":  role.ID,
			"user":  user.ID,
		})
		return
	}
	user.SecurityStamp = stamp
}

// HashRefreshSecret returns the hex sha256 of a refresh token plaintext.
// Plaintext secrets are never persisted.
func HashRefreshSecret(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// NormalizeEmail trims and lower-cases an email for uniqueness comparisons.
func NormalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
