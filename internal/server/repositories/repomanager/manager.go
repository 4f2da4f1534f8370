// Package repomanager hands out repositories bound to a particular database
// handle. Passing a *sql.Tx instead of the *sql.DB gives a repository whose
// statements join that transaction, which is how the session manager keeps
// rotation atomic.
package repomanager

import (
	"context"
	"database/sql"

	"github.com/restauth/tokend/internal/dbx"
	"github.com/restauth/tokend/internal/server/repositories/refreshtokens"
	settingsrepo "github.com/restauth/tokend/internal/server/repositories/settings"
)

// RepositoryManager builds repositories over a DBTX and owns schema
// migrations.
type RepositoryManager interface {
	RefreshTokens(db dbx.DBTX) refreshtokens.Repository
	Settings(db dbx.DBTX) *settingsrepo.PostgresRepository
	RunMigrations(ctx context.Context, db *sql.DB) error
}
