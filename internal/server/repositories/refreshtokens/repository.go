// Package refreshtokens declares the repository contract for the
// refresh-token relation, the single source of truth for refresh-token
// state.
package refreshtokens

import (
	"context"
	"time"

	"github.com/restauth/tokend/internal/server/models"
)

// Repository defines the storage operations of the refresh-token lifecycle.
// "Active" is always a query-time predicate (not revoked and not past
// expiry), never a cached flag.
type Repository interface {
	// Create inserts a new record and returns its id. A token_hash
	// collision yields common.ErrorHashCollision; the caller retries with a
	// freshly generated token.
	Create(ctx context.Context, t *models.RefreshToken) (int64, error)

	// FindActiveByHash returns the record for hash if it is neither revoked
	// nor expired at now, common.ErrorNotFound otherwise.
	FindActiveByHash(ctx context.Context, hash string, now time.Time) (*models.RefreshToken, error)

	// FindByHash returns the record for hash regardless of state. Used to
	// distinguish "expired" and "reused" from "never existed".
	FindByHash(ctx context.Context, hash string) (*models.RefreshToken, error)

	// MarkRevoked flips a record to revoked. It reports whether this call
	// performed the transition; false means the record was already revoked.
	// Revoking an already-revoked record is not an error.
	MarkRevoked(ctx context.Context, id int64, at time.Time) (bool, error)

	// RevokeAllForUser revokes every outstanding record of a user and
	// returns how many were affected. Used for defensive lineage revocation
	// on reuse detection.
	RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int64, error)

	// PurgeExpired physically deletes rows whose expiry is before olderThan
	// and returns the count. Best-effort maintenance only.
	PurgeExpired(ctx context.Context, olderThan time.Time) (int64, error)
}
