// Package identity abstracts credential verification. The token service does
// not own user accounts; it asks a Verifier supplied by the host system and
// only issues tokens for identities the host has vouched for.
package identity

import (
	"context"
	"errors"
)

// ErrInvalidCredentials is returned for any username/password pair the
// verifier does not accept. Verifiers must not distinguish "no such user"
// from "wrong password".
var ErrInvalidCredentials = errors.New("invalid credentials")

// Verifier checks a username/password pair and returns the stable user ID
// and role set to embed in issued tokens.
type Verifier interface {
	VerifyCredentials(ctx context.Context, username, password string) (userID string, roles []string, err error)
}
