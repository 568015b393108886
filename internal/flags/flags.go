// Package flags provides environment-scoped boolean feature flags with a
// process-local TTL cache. The auth subsystem consults it for the RBAC
// kill-switch.
package flags

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("flags: not found")
	ErrConflict     = errors.New("flags: already exists")
	ErrInvalidInput = errors.New("flags: invalid input")
)

// Flag is a boolean switch keyed by (environment, key).
type Flag struct {
	ID          string    `json:"id"`
	Environment string    `json:"environment"`
	Key         string    `json:"key"`
	Enabled     bool      `json:"enabled"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store persists flags.
type Store interface {
	Create(ctx context.Context, f *Flag) error
	Find(ctx context.Context, environment, key string) (*Flag, error)
	SetEnabled(ctx context.Context, environment, key string, enabled bool, updatedAt time.Time) error
	Delete(ctx context.Context, environment, key string) error
	List(ctx context.Context, environment string) ([]Flag, error)
}

func normalize(environment, key string) (string, string, error) {
	environment = strings.TrimSpace(strings.ToLower(environment))
	key = strings.TrimSpace(strings.ToLower(key))
	if environment == "" || key == "" {
		return "", "", ErrInvalidInput
	}
	return environment, key, nil
}
