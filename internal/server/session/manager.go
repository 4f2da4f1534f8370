// Package session orchestrates refresh-token issuance, rotation, and
// revocation on top of the refresh-token store and the token signer.
package session

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/restauth/tokend/internal/common"
	"github.com/restauth/tokend/internal/dbx"
	"github.com/restauth/tokend/internal/logging"
	"github.com/restauth/tokend/internal/server/models"
	"github.com/restauth/tokend/internal/server/repositories/refreshtokens"
	"github.com/restauth/tokend/internal/server/repositories/repomanager"
	"github.com/restauth/tokend/internal/settings"
	"github.com/restauth/tokend/internal/token"
)

// Rotation failures. Both are client-caused; anything else coming out of the
// manager is a configuration or store failure and must not be reported to
// clients as "invalid token".
var (
	ErrRotationInvalid = errors.New("refresh token invalid or already used")
	ErrRotationExpired = errors.New("refresh token expired")
)

// rawTokenBytes is the entropy of a raw refresh token: 32 bytes = 256 bits,
// hex-encoded to 64 characters.
const rawTokenBytes = 32

// TokenPair bundles a short-lived access token and the raw refresh token.
// The raw refresh token exists only in this value and in the response that
// delivers it to the client; it is never persisted or logged.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
}

// Manager implements the refresh-session lifecycle. All storage access goes
// through repositories obtained from the repository manager, so rotation can
// bind its revoke-and-create step to one transaction.
type Manager struct {
	db       *sql.DB
	rm       repomanager.RepositoryManager
	resolver *settings.Resolver
	issuer   string
	logger   logging.Logger
	nowFunc  func() time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(m *Manager) {
		m.nowFunc = now
	}
}

// NewManager constructs a Manager.
func NewManager(db *sql.DB, rm repomanager.RepositoryManager, resolver *settings.Resolver, issuer string, logger logging.Logger, opts ...Option) *Manager {
	m := &Manager{
		db:       db,
		rm:       rm,
		resolver: resolver,
		issuer:   issuer,
		logger:   logger.With("component", "session"),
		nowFunc:  time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HashToken computes the stored one-way hash of a raw refresh token.
// SHA-256 over a 256-bit random value needs no salt or stretching, and a
// deterministic digest is what makes the indexed hash lookup possible.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Issue creates a new session for an already-verified identity: a signed
// access token plus a fresh refresh-token record. Credential verification
// belongs to the host identity store and has happened before this call.
func (m *Manager) Issue(ctx context.Context, userID string, roles []string, meta models.RequestMeta) (*TokenPair, error) {
	secret, accessTTL, refreshTTL, err := m.resolveAll(ctx)
	if err != nil {
		return nil, err
	}
	now := m.nowFunc()

	access, err := token.Sign(token.NewAccessClaims(userID, m.issuer, roles, now, accessTTL), secret)
	if err != nil {
		return nil, fmt.Errorf("signing access token: %w", err)
	}

	raw, err := m.createRecord(ctx, m.rm.RefreshTokens(m.db), userID, now, refreshTTL, meta)
	if err != nil {
		return nil, err
	}

	m.logger.Info(ctx, "session issued", "user_id", userID)
	return &TokenPair{AccessToken: access, RefreshToken: raw, AccessTTL: accessTTL, RefreshTTL: refreshTTL}, nil
}

// Rotate exchanges a presented refresh token for a fresh pair. The presented
// record is revoked and its successor created inside a single transaction,
// so concurrent rotations of the same token are serialized by the store and
// exactly one wins; the others observe the already-revoked record and get
// ErrRotationInvalid.
func (m *Manager) Rotate(ctx context.Context, rawRefreshToken string, meta models.RequestMeta) (*TokenPair, error) {
	secret, accessTTL, refreshTTL, err := m.resolveAll(ctx)
	if err != nil {
		return nil, err
	}
	hash := HashToken(rawRefreshToken)
	now := m.nowFunc()

	rec, err := m.findActive(ctx, hash, now)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, m.classifyInactive(ctx, hash, now)
		}
		return nil, fmt.Errorf("refresh token lookup: %w", err)
	}

	var pair *TokenPair
	err = dbx.WithTx(ctx, m.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := m.rm.RefreshTokens(tx)

		won, err := repo.MarkRevoked(ctx, rec.ID, now)
		if err != nil {
			return fmt.Errorf("revoking rotated-out token: %w", err)
		}
		if !won {
			// A concurrent rotation got here first.
			return ErrRotationInvalid
		}

		raw, err := m.createRecord(ctx, repo, rec.UserID, now, refreshTTL, meta)
		if err != nil {
			return err
		}

		access, err := token.Sign(token.NewAccessClaims(rec.UserID, m.issuer, nil, now, accessTTL), secret)
		if err != nil {
			return fmt.Errorf("signing access token: %w", err)
		}

		pair = &TokenPair{AccessToken: access, RefreshToken: raw, AccessTTL: accessTTL, RefreshTTL: refreshTTL}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info(ctx, "session rotated", "user_id", rec.UserID, "replaced_id", rec.ID)
	return pair, nil
}

// Revoke invalidates the session of a presented refresh token (logout). It
// is idempotent and deliberately reports nothing about whether the token
// existed, so the endpoint cannot be used to probe for valid tokens.
func (m *Manager) Revoke(ctx context.Context, rawRefreshToken string) error {
	hash := HashToken(rawRefreshToken)
	repo := m.rm.RefreshTokens(m.db)

	rec, err := repo.FindByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil
		}
		return fmt.Errorf("refresh token lookup: %w", err)
	}

	if _, err := repo.MarkRevoked(ctx, rec.ID, m.nowFunc()); err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}
	m.logger.Info(ctx, "session revoked", "user_id", rec.UserID, "record_id", rec.ID)
	return nil
}

// PurgeExpired deletes records whose expiry is before olderThan. Maintenance
// only; callers log failures and never let them reach request paths.
func (m *Manager) PurgeExpired(ctx context.Context, olderThan time.Time) (int64, error) {
	return m.rm.RefreshTokens(m.db).PurgeExpired(ctx, olderThan)
}

// classifyInactive decides what to tell a caller whose hash matched no
// active record. A revoked match means the raw value of a superseded token
// was presented again: that raw value has leaked, so the user's whole
// lineage is revoked defensively before rejecting.
func (m *Manager) classifyInactive(ctx context.Context, hash string, now time.Time) error {
	rec, err := m.rm.RefreshTokens(m.db).FindByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return ErrRotationInvalid
		}
		return fmt.Errorf("refresh token lookup: %w", err)
	}

	if rec.IsRevoked {
		n, err := m.rm.RefreshTokens(m.db).RevokeAllForUser(ctx, rec.UserID, now)
		if err != nil {
			m.logger.Error(ctx, "lineage revocation failed", "user_id", rec.UserID, "error", err)
		} else {
			m.logger.Warn(ctx, "refresh token reuse detected, lineage revoked",
				"user_id", rec.UserID, "revoked", n)
		}
		return ErrRotationInvalid
	}

	// Not revoked and not active: the expiry window has fully elapsed.
	return ErrRotationExpired
}

// createRecord generates a raw refresh token, stores its hash, and returns
// the raw value. A hash collision or a transient store failure is retried
// exactly once with a freshly generated token.
func (m *Manager) createRecord(ctx context.Context, repo refreshtokens.Repository, userID string, now time.Time, refreshTTL time.Duration, meta models.RequestMeta) (string, error) {
	var raw string

	backoff := retry.WithMaxRetries(1, retry.NewConstant(50*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		raw, err = common.MakeRandHexString(rawTokenBytes)
		if err != nil {
			return fmt.Errorf("generating refresh token: %w", err)
		}

		_, err = repo.Create(ctx, &models.RefreshToken{
			UserID:    userID,
			TokenHash: HashToken(raw),
			IssuedAt:  now,
			ExpiresAt: now.Add(refreshTTL),
			UserAgent: meta.UserAgent,
			IPAddress: meta.IPAddress,
			TokenType: models.TokenTypeJWT,
		})
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("storing refresh token: %w", err)
	}
	return raw, nil
}

// findActive wraps the active lookup with a single retry for transient store
// failures. Not-found is returned as-is and is never retried.
func (m *Manager) findActive(ctx context.Context, hash string, now time.Time) (*models.RefreshToken, error) {
	var rec *models.RefreshToken

	backoff := retry.WithMaxRetries(1, retry.NewConstant(50*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		rec, err = m.rm.RefreshTokens(m.db).FindActiveByHash(ctx, hash, now)
		if err != nil {
			if errors.Is(err, common.ErrorNotFound) {
				return err
			}
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (m *Manager) resolveAll(ctx context.Context) (secret []byte, accessTTL, refreshTTL time.Duration, err error) {
	secret, err = m.resolver.Secret(ctx)
	if err != nil {
		return nil, 0, 0, err
	}
	accessTTL, err = m.resolver.AccessTTL(ctx)
	if err != nil {
		return nil, 0, 0, err
	}
	refreshTTL, err = m.resolver.RefreshTTL(ctx)
	if err != nil {
		return nil, 0, 0, err
	}
	return secret, accessTTL, refreshTTL, nil
}
