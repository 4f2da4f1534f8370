// Package token signs and verifies the service's compact access tokens.
// Everything here is pure computation: no I/O, no shared state, safe for
// unlimited concurrent use.
package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TypeAccess is the token_type claim value carried by access tokens.
const TypeAccess = "access"

// Claims is the claim set carried inside an access token. It embeds the
// registered JWT claims and adds the token-type discriminator plus optional
// role grants. A Claims value is immutable once signed; verification always
// reconstructs a fresh one.
type Claims struct {
	jwt.RegisteredClaims
	TokenType string   `json:"token_type"`
	Roles     []string `json:"roles,omitempty"`
}

// NewAccessClaims builds the claim set for a fresh access token: subject,
// issuer, iat=now, exp=now+ttl, a random jti, and token_type=access.
func NewAccessClaims(subject, issuer string, roles []string, now time.Time, ttl time.Duration) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.New().String(),
		},
		TokenType: TypeAccess,
		Roles:     roles,
	}
}
