// Package common defines shared constants and sentinel errors used across
// the token service. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound      = errors.New("not found")
	ErrorHashCollision = errors.New("token hash already stored")
)
