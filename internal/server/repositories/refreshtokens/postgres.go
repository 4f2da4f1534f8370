package refreshtokens

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/restauth/tokend/internal/common"
	"github.com/restauth/tokend/internal/dbx"
	"github.com/restauth/tokend/internal/server/models"
)

// Postgres unique_violation error code.
const pgUniqueViolation = "23505"

// PostgresRepository implements Repository over dbx.DBTX (satisfied by
// *sql.DB or *sql.Tx). Each method is a single short-lived statement; the
// session manager composes them into transactions where atomicity matters.
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, t *models.RefreshToken) (int64, error) {
	query := `
		INSERT INTO refresh_tokens
			(user_id, token_hash, issued_at, expires_at, user_agent, ip_address, token_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	tokenType := t.TokenType
	if tokenType == "" {
		tokenType = models.TokenTypeJWT
	}

	var id int64
	err := r.db.QueryRowContext(ctx, query,
		t.UserID, t.TokenHash, t.IssuedAt, t.ExpiresAt, t.UserAgent, t.IPAddress, tokenType,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return 0, common.ErrorHashCollision
		}
		return 0, fmt.Errorf("db error: %w", err)
	}
	return id, nil
}

func (r *PostgresRepository) FindActiveByHash(ctx context.Context, hash string, now time.Time) (*models.RefreshToken, error) {
	query := selectColumns + `
		WHERE token_hash = $1 AND is_revoked = FALSE AND expires_at > $2
	`
	return r.scanOne(r.db.QueryRowContext(ctx, query, hash, now))
}

func (r *PostgresRepository) FindByHash(ctx context.Context, hash string) (*models.RefreshToken, error) {
	query := selectColumns + `
		WHERE token_hash = $1
	`
	return r.scanOne(r.db.QueryRowContext(ctx, query, hash))
}

func (r *PostgresRepository) MarkRevoked(ctx context.Context, id int64, at time.Time) (bool, error) {
	query := `
		UPDATE refresh_tokens
		SET is_revoked = TRUE, revoked_at = $2
		WHERE id = $1 AND is_revoked = FALSE
	`
	res, err := r.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return n == 1, nil
}

func (r *PostgresRepository) RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int64, error) {
	query := `
		UPDATE refresh_tokens
		SET is_revoked = TRUE, revoked_at = $2
		WHERE user_id = $1 AND is_revoked = FALSE
	`
	res, err := r.db.ExecContext(ctx, query, userID, at)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) PurgeExpired(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `
		DELETE FROM refresh_tokens
		WHERE expires_at < $1
	`
	res, err := r.db.ExecContext(ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

const selectColumns = `
		SELECT id, user_id, token_hash, issued_at, expires_at, revoked_at, is_revoked,
		       user_agent, ip_address, token_type, created_at
		FROM refresh_tokens`

func (r *PostgresRepository) scanOne(row *sql.Row) (*models.RefreshToken, error) {
	t := &models.RefreshToken{}
	var revokedAt sql.NullTime
	var userAgent, ipAddress sql.NullString

	err := row.Scan(
		&t.ID, &t.UserID, &t.TokenHash, &t.IssuedAt, &t.ExpiresAt, &revokedAt,
		&t.IsRevoked, &userAgent, &ipAddress, &t.TokenType, &t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	if revokedAt.Valid {
		t.RevokedAt = &revokedAt.Time
	}
	t.UserAgent = userAgent.String
	t.IPAddress = ipAddress.String
	return t, nil
}
