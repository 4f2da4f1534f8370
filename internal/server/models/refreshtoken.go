// Package models holds the persistent entities of the token service.
package models

import "time"

// TokenTypeJWT is the default token_type discriminator. The column is
// free-form text so future credential kinds can share the table without a
// migration.
const TokenTypeJWT = "jwt"

// RefreshToken is one row of the refresh_tokens relation. The raw refresh
// token string is never stored; only its one-way hash is.
//
// A record transitions active → revoked exactly once (rotation-replacement
// and explicit revocation both set the same fields); expiry is detected
// lazily at lookup time and never written.
type RefreshToken struct {
	ID        int64
	UserID    string
	TokenHash string
	IssuedAt  time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
	IsRevoked bool
	UserAgent string
	IPAddress string
	TokenType string
	CreatedAt time.Time
}

// RequestMeta is provenance captured at issuance and rotation. It exists for
// audit and anomaly review only and is never part of the trust decision.
type RequestMeta struct {
	UserAgent string
	IPAddress string
}
