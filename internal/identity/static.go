package identity

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
)

type staticUser struct {
	id       string
	password string
	roles    []string
}

// StaticVerifier verifies against a fixed in-memory user list. It exists for
// development and integration testing; production deployments plug in a
// Verifier backed by the host's identity store.
type StaticVerifier struct {
	users map[string]staticUser
}

// ParseStaticUsers builds a StaticVerifier from a comma-separated list of
// "username:password[:role|role...]" entries, the format accepted by the
// TOKEND_USERS environment variable.
func ParseStaticUsers(spec string) (*StaticVerifier, error) {
	v := &StaticVerifier{users: make(map[string]staticUser)}
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("malformed user entry %q", entry)
		}
		u := staticUser{id: parts[0], password: parts[1]}
		if len(parts) == 3 && parts[2] != "" {
			u.roles = strings.Split(parts[2], "|")
		}
		v.users[parts[0]] = u
	}
	return v, nil
}

// VerifyCredentials implements Verifier. Password comparison is constant
// time; the lookup-miss path burns a comparison too so timing does not leak
// which usernames exist.
func (v *StaticVerifier) VerifyCredentials(ctx context.Context, username, password string) (string, []string, error) {
	u, ok := v.users[username]
	if !ok {
		subtle.ConstantTimeCompare([]byte(password), []byte(password))
		return "", nil, ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(u.password), []byte(password)) != 1 {
		return "", nil, ErrInvalidCredentials
	}
	return u.id, u.roles, nil
}
