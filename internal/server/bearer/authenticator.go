// Package bearer authenticates requests by their Authorization header. It
// only has an opinion about headers that actually carry a Bearer credential;
// anything else is reported as "no credential" so the host can fall through
// to other authentication schemes.
package bearer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/restauth/tokend/internal/settings"
	"github.com/restauth/tokend/internal/token"
)

// ErrNoCredential means the request carried no Bearer credential at all: no
// Authorization header, a different scheme, or an empty token. It is not a
// rejection; a present-but-invalid Bearer token yields a verification error
// instead.
var ErrNoCredential = errors.New("no bearer credential")

// Identity is the verified caller extracted from an access token.
type Identity struct {
	Subject string
	Roles   []string
}

// Authenticator verifies Bearer access tokens. The signing secret is
// re-resolved on every call, so secret rotation applies to in-flight traffic
// without a restart.
type Authenticator struct {
	resolver *settings.Resolver
	nowFunc  func() time.Time
}

// Option customizes an Authenticator.
type Option func(*Authenticator)

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(a *Authenticator) {
		a.nowFunc = now
	}
}

// NewAuthenticator constructs an Authenticator.
func NewAuthenticator(resolver *settings.Resolver, opts ...Option) *Authenticator {
	a := &Authenticator{resolver: resolver, nowFunc: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authenticate inspects the Authorization header value. It returns
// ErrNoCredential when no Bearer token is present, a token verification
// error when one is present but unusable, and the caller's identity
// otherwise. Resolver failures surface as errors, never as a pass.
func (a *Authenticator) Authenticate(ctx context.Context, authorization string) (*Identity, error) {
	raw, ok := parseBearer(authorization)
	if !ok {
		return nil, ErrNoCredential
	}

	secret, err := a.resolver.Secret(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving signing secret: %w", err)
	}

	claims, err := token.Verify(raw, secret, a.nowFunc())
	if err != nil {
		return nil, err
	}

	return &Identity{Subject: claims.Subject, Roles: claims.Roles}, nil
}

// parseBearer extracts the token from an "Authorization: Bearer <token>"
// value. The scheme match is case-insensitive per RFC 6750.
func parseBearer(authorization string) (string, bool) {
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	tok := strings.TrimSpace(parts[1])
	if tok == "" {
		return "", false
	}
	return tok, true
}
