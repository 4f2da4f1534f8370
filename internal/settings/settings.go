// Package settings resolves the active signing secret and token lifetimes
// from a prioritized set of sources: an operator-supplied override beats a
// value from the persisted settings source, which beats the hard-coded
// default. The resolver keeps no cache of its own; every call re-reads the
// source, so configuration edits and multi-instance deployments are picked
// up without a restart.
package settings

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultAccessTTL is used when neither the override nor the persisted
	// settings define an access-token lifetime.
	DefaultAccessTTL = 3600 * time.Second

	// DefaultRefreshTTL is 30 days, matching the refresh-token lifetime the
	// service has always shipped with.
	DefaultRefreshTTL = 2592000 * time.Second

	// MinSecretLen is the minimum signing-secret length in bytes. Shorter
	// secrets are rejected outright rather than silently accepted.
	MinSecretLen = 32
)

// Configuration errors. Both mean "no token operation can proceed until an
// operator fixes configuration" and must surface as setup-required failures,
// never as a silent fallback to an insecure secret.
var (
	ErrSecretMissing = errors.New("signing secret is not configured")
	ErrSecretWeak    = fmt.Errorf("signing secret is shorter than %d bytes", MinSecretLen)
)

// Source is the mutable persisted settings store, owned by administrative
// tooling outside this module. Implementations return the zero value (empty
// string, zero duration) when a setting is simply unset, and an error only
// for real lookup failures.
type Source interface {
	Secret(ctx context.Context) (string, error)
	AccessTTL(ctx context.Context) (time.Duration, error)
	RefreshTTL(ctx context.Context) (time.Duration, error)
}

// Overrides are deploy-time constants supplied by the operator. A non-zero
// field wins over whatever the Source holds.
type Overrides struct {
	Secret     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Resolver applies the precedence rules. It is a plain value object with no
// hidden process-wide state; construct one per process and pass it where
// needed.
type Resolver struct {
	overrides Overrides
	source    Source
}

// NewResolver builds a Resolver over the given overrides and persisted
// source. Source may be nil when the deployment is configured entirely
// through overrides.
func NewResolver(overrides Overrides, source Source) *Resolver {
	return &Resolver{overrides: overrides, source: source}
}

// Secret returns the active signing secret or a configuration error when no
// usable secret exists anywhere in the chain.
func (r *Resolver) Secret(ctx context.Context) ([]byte, error) {
	secret := r.overrides.Secret
	if secret == "" && r.source != nil {
		s, err := r.source.Secret(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading persisted secret: %w", err)
		}
		secret = s
	}
	if secret == "" {
		return nil, ErrSecretMissing
	}
	if len(secret) < MinSecretLen {
		return nil, ErrSecretWeak
	}
	return []byte(secret), nil
}

// AccessTTL resolves the access-token lifetime.
func (r *Resolver) AccessTTL(ctx context.Context) (time.Duration, error) {
	return r.ttl(ctx, r.overrides.AccessTTL, DefaultAccessTTL, func(s Source) (time.Duration, error) {
		return s.AccessTTL(ctx)
	})
}

// RefreshTTL resolves the refresh-token lifetime.
func (r *Resolver) RefreshTTL(ctx context.Context) (time.Duration, error) {
	return r.ttl(ctx, r.overrides.RefreshTTL, DefaultRefreshTTL, func(s Source) (time.Duration, error) {
		return s.RefreshTTL(ctx)
	})
}

func (r *Resolver) ttl(ctx context.Context, override, fallback time.Duration, fromSource func(Source) (time.Duration, error)) (time.Duration, error) {
	if override > 0 {
		return override, nil
	}
	if r.source != nil {
		d, err := fromSource(r.source)
		if err != nil {
			return 0, fmt.Errorf("reading persisted ttl: %w", err)
		}
		if d > 0 {
			return d, nil
		}
	}
	return fallback, nil
}
