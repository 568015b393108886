package flags

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Service performs flag mutations. Every successful mutation evicts the
// affected cache entry before returning, guaranteeing read-after-write within
// this process.
type Service struct {
	store Store
	cache *Cache
	now   func() time.Time
}

// NewService constructs the flag service. cache may be nil when no cache is
// wired (e.g. in migration tooling).
func NewService(store Store, cache *Cache, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	s := &Service{store: store, cache: cache, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ServiceOption configures Service.
type ServiceOption func(*Service)

// WithServiceClock overrides the time source.
func WithServiceClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// Create inserts a new flag.
func (s *Service) Create(ctx context.Context, environment, key string, enabled bool, description string) (*Flag, error) {
	environment, key, err := normalize(environment, key)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	flag := &Flag{
		ID:          uuid.NewString(),
		Environment: environment,
		Key:         key,
		Enabled:     enabled,
		Description: strings.TrimSpace(description),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, flag); err != nil {
		return nil, err
	}
	s.evict(key)
	return flag, nil
}

// SetEnabled updates the flag state.
func (s *Service) SetEnabled(ctx context.Context, environment, key string, enabled bool) error {
	environment, key, err := normalize(environment, key)
	if err != nil {
		return err
	}
	if err := s.store.SetEnabled(ctx, environment, key, enabled, s.now().UTC()); err != nil {
		return err
	}
	s.evict(key)
	return nil
}

// Toggle flips the flag state.
func (s *Service) Toggle(ctx context.Context, environment, key string) (bool, error) {
	environment, key, err := normalize(environment, key)
	if err != nil {
		return false, err
	}
	flag, err := s.store.Find(ctx, environment, key)
	if err != nil {
		return false, err
	}
	next := !flag.Enabled
	if err := s.store.SetEnabled(ctx, environment, key, next, s.now().UTC()); err != nil {
		return false, err
	}
	s.evict(key)
	return next, nil
}

// Delete removes the flag.
func (s *Service) Delete(ctx context.Context, environment, key string) error {
	environment, key, err := normalize(environment, key)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, environment, key); err != nil {
		return err
	}
	s.evict(key)
	return nil
}

// List returns the flags for an environment.
func (s *Service) List(ctx context.Context, environment string) ([]Flag, error) {
	environment = strings.TrimSpace(strings.ToLower(environment))
	if environment == "" {
		return nil, fmt.Errorf("%w: environment is required", ErrInvalidInput)
	}
	return s.store.List(ctx, environment)
}

func (s *Service) evict(key string) {
	if s.cache != nil {
		s.cache.Evict(key)
	}
}
