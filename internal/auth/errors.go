package auth

import "errors"

var (
	// ErrInvalidCredentials covers unknown email and wrong password alike.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrInvalidToken is the single external signal for every refresh token
	// failure: not found, expired, revoked, or stale. Collapsing the reasons
	// avoids leaking which condition applied.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrUserInactive rejects operations on a deactivated account.
	ErrUserInactive = errors.New("auth: user inactive")

	// ErrMissingUserContext indicates a request reached an authenticated
	// surface without an identity in context.
	ErrMissingUserContext = errors.New("auth: missing user context")

	// ErrEmailTaken reports a registration conflict on the unique email.
	ErrEmailTaken = errors.New("auth: email already in use")

	// ErrInvalidInput reports malformed caller input.
	ErrInvalidInput = errors.New("auth: invalid input")

	// ErrPermissionDenied is returned by the resolver's Ensure variant.
	ErrPermissionDenied = errors.New("auth: permission denied")

	// ErrNotFound is the store-level absence signal.
	ErrNotFound = errors.New("auth: not found")

	// ErrConflict reports a uniqueness or state conflict at the store level.
	ErrConflict = errors.New("auth: conflict")

	// ErrSystemRole rejects destructive changes to system roles.
	ErrSystemRole = errors.New("auth: system role is immutable")

	// ErrConfigurationMissing marks soft-fail configuration gaps, e.g. the
	// default role being absent at registration time.
	ErrConfigurationMissing = errors.New("auth: configuration missing")
)
