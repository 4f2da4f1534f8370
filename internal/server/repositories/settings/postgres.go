// Package settings provides the PostgreSQL-backed persisted settings source
// read by the resolver. Rows in auth_settings are written by administrative
// tooling outside this module; this repository only reads them.
package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/restauth/tokend/internal/dbx"
)

// Setting names as stored in the auth_settings relation.
const (
	KeySecret     = "secret_key"
	KeyAccessTTL  = "access_ttl_seconds"
	KeyRefreshTTL = "refresh_ttl_seconds"
)

// PostgresRepository reads the auth_settings table. It satisfies
// settings.Source: unset settings come back as zero values, not errors.
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Secret returns the persisted signing secret, or "" when unset.
func (r *PostgresRepository) Secret(ctx context.Context) (string, error) {
	return r.value(ctx, KeySecret)
}

// AccessTTL returns the persisted access-token lifetime, or 0 when unset.
func (r *PostgresRepository) AccessTTL(ctx context.Context) (time.Duration, error) {
	return r.seconds(ctx, KeyAccessTTL)
}

// RefreshTTL returns the persisted refresh-token lifetime, or 0 when unset.
func (r *PostgresRepository) RefreshTTL(ctx context.Context) (time.Duration, error) {
	return r.seconds(ctx, KeyRefreshTTL)
}

func (r *PostgresRepository) value(ctx context.Context, name string) (string, error) {
	query := `
		SELECT value FROM auth_settings
		WHERE name = $1
	`
	var v string
	if err := r.db.QueryRowContext(ctx, query, name).Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("db error: %w", err)
	}
	return v, nil
}

func (r *PostgresRepository) seconds(ctx context.Context, name string) (time.Duration, error) {
	v, err := r.value(ctx, name)
	if err != nil || v == "" {
		return 0, err
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("setting %s is not an integer: %w", name, err)
	}
	return time.Duration(secs) * time.Second, nil
}
