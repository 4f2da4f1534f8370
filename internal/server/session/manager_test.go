package session

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/restauth/tokend/internal/common"
	"github.com/restauth/tokend/internal/dbx"
	"github.com/restauth/tokend/internal/logging"
	"github.com/restauth/tokend/internal/server/models"
	"github.com/restauth/tokend/internal/server/repositories/refreshtokens"
	settingsrepo "github.com/restauth/tokend/internal/server/repositories/settings"
	"github.com/restauth/tokend/internal/settings"
	"github.com/restauth/tokend/internal/token"
)

// memRepo is an in-memory Repository with the same conditional-update
// semantics as the Postgres implementation, safe for concurrent use.
type memRepo struct {
	mu         sync.Mutex
	seq        int64
	rows       map[int64]*models.RefreshToken
	createErrs []error // popped per Create call, nil entries mean success
	findErrs   []error // popped per FindActiveByHash call

	// findActiveBarrier, when set, runs before FindActiveByHash takes the
	// lock. Lets a test hold concurrent lookups until all have arrived.
	findActiveBarrier func()
}

func newMemRepo() *memRepo {
	return &memRepo{rows: make(map[int64]*models.RefreshToken)}
}

func (r *memRepo) Create(ctx context.Context, t *models.RefreshToken) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.createErrs) > 0 {
		err := r.createErrs[0]
		r.createErrs = r.createErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	for _, row := range r.rows {
		if row.TokenHash == t.TokenHash {
			return 0, common.ErrorHashCollision
		}
	}
	r.seq++
	cp := *t
	cp.ID = r.seq
	r.rows[cp.ID] = &cp
	return cp.ID, nil
}

func (r *memRepo) FindActiveByHash(ctx context.Context, hash string, now time.Time) (*models.RefreshToken, error) {
	if r.findActiveBarrier != nil {
		r.findActiveBarrier()
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.findErrs) > 0 {
		err := r.findErrs[0]
		r.findErrs = r.findErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	for _, row := range r.rows {
		if row.TokenHash == hash && !row.IsRevoked && row.ExpiresAt.After(now) {
			cp := *row
			return &cp, nil
		}
	}
	return nil, common.ErrorNotFound
}

func (r *memRepo) FindByHash(ctx context.Context, hash string) (*models.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.TokenHash == hash {
			cp := *row
			return &cp, nil
		}
	}
	return nil, common.ErrorNotFound
}

func (r *memRepo) MarkRevoked(ctx context.Context, id int64, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok || row.IsRevoked {
		return false, nil
	}
	row.IsRevoked = true
	t := at
	row.RevokedAt = &t
	return true, nil
}

func (r *memRepo) RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, row := range r.rows {
		if row.UserID == userID && !row.IsRevoked {
			row.IsRevoked = true
			t := at
			row.RevokedAt = &t
			n++
		}
	}
	return n, nil
}

func (r *memRepo) PurgeExpired(ctx context.Context, olderThan time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, row := range r.rows {
		if row.ExpiresAt.Before(olderThan) {
			delete(r.rows, id)
			n++
		}
	}
	return n, nil
}

func (r *memRepo) activeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, row := range r.rows {
		if !row.IsRevoked {
			n++
		}
	}
	return n
}

func (r *memRepo) byID(id int64) *models.RefreshToken {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.rows[id]; ok {
		cp := *row
		return &cp
	}
	return nil
}

// fakeRepoManager hands out the same repository regardless of the handle, so
// the transactional and non-transactional paths share state in tests.
type fakeRepoManager struct {
	repo refreshtokens.Repository
}

func (f *fakeRepoManager) RefreshTokens(db dbx.DBTX) refreshtokens.Repository { return f.repo }
func (f *fakeRepoManager) Settings(db dbx.DBTX) *settingsrepo.PostgresRepository {
	return nil
}
func (f *fakeRepoManager) RunMigrations(context.Context, *sql.DB) error { return nil }

var testSecret = strings.Repeat("k", settings.MinSecretLen)

func discardLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func newTestManager(t *testing.T, repo refreshtokens.Repository, now time.Time) (*Manager, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.MatchExpectationsInOrder(false)

	resolver := settings.NewResolver(settings.Overrides{
		Secret:     testSecret,
		AccessTTL:  time.Hour,
		RefreshTTL: 30 * 24 * time.Hour,
	}, nil)

	m := NewManager(db, &fakeRepoManager{repo: repo}, resolver, "tokend-test", discardLogger(),
		WithNowFunc(func() time.Time { return now }))
	return m, mock, db
}

var testMeta = models.RequestMeta{UserAgent: "go-test", IPAddress: "198.51.100.7"}

func TestIssue_Success(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	repo := newMemRepo()
	m, _, db := newTestManager(t, repo, now)
	defer db.Close()

	pair, err := m.Issue(context.Background(), "42", []string{"editor"}, testMeta)
	require.NoError(t, err)
	require.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, time.Hour, pair.AccessTTL)

	claims, err := token.Verify(pair.AccessToken, []byte(testSecret), now)
	require.NoError(t, err)
	assert.Equal(t, "42", claims.Subject)
	assert.Equal(t, []string{"editor"}, claims.Roles)

	rec, err := repo.FindByHash(context.Background(), HashToken(pair.RefreshToken))
	require.NoError(t, err)
	assert.Equal(t, "42", rec.UserID)
	assert.Equal(t, now.Add(30*24*time.Hour), rec.ExpiresAt)
	assert.Equal(t, "go-test", rec.UserAgent)
	assert.False(t, rec.IsRevoked)
}

func TestIssue_RetriesOnHashCollision(t *testing.T) {
	now := time.Now()
	repo := newMemRepo()
	repo.createErrs = []error{common.ErrorHashCollision}
	m, _, db := newTestManager(t, repo, now)
	defer db.Close()

	pair, err := m.Issue(context.Background(), "42", nil, testMeta)
	require.NoError(t, err)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, 1, repo.activeCount())
}

func TestIssue_StoreFailureSurfacesAfterRetry(t *testing.T) {
	now := time.Now()
	repo := newMemRepo()
	boom := errors.New("connection reset")
	repo.createErrs = []error{boom, boom}
	m, _, db := newTestManager(t, repo, now)
	defer db.Close()

	_, err := m.Issue(context.Background(), "42", nil, testMeta)
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, common.ErrorNotFound)
}

func TestIssue_MissingSecret(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	resolver := settings.NewResolver(settings.Overrides{}, nil)
	m := NewManager(db, &fakeRepoManager{repo: newMemRepo()}, resolver, "tokend-test", discardLogger())

	_, err = m.Issue(context.Background(), "42", nil, testMeta)
	assert.ErrorIs(t, err, settings.ErrSecretMissing)
}

func TestRotate_Success(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	repo := newMemRepo()
	m, mock, db := newTestManager(t, repo, now)
	defer db.Close()

	pair, err := m.Issue(context.Background(), "42", nil, testMeta)
	require.NoError(t, err)
	origHash := HashToken(pair.RefreshToken)
	orig, err := repo.FindByHash(context.Background(), origHash)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectCommit()

	rotated, err := m.Rotate(context.Background(), pair.RefreshToken, testMeta)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)

	claims, err := token.Verify(rotated.AccessToken, []byte(testSecret), now)
	require.NoError(t, err)
	assert.Equal(t, "42", claims.Subject)

	// The original record is rotated out, the successor is active.
	assert.True(t, repo.byID(orig.ID).IsRevoked)
	succ, err := repo.FindActiveByHash(context.Background(), HashToken(rotated.RefreshToken), now)
	require.NoError(t, err)
	assert.Equal(t, "42", succ.UserID)
	assert.Equal(t, 1, repo.activeCount())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRotate_SecondUseRejected(t *testing.T) {
	now := time.Now()
	repo := newMemRepo()
	m, mock, db := newTestManager(t, repo, now)
	defer db.Close()

	pair, err := m.Issue(context.Background(), "42", nil, testMeta)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectCommit()
	_, err = m.Rotate(context.Background(), pair.RefreshToken, testMeta)
	require.NoError(t, err)

	// Presenting the same raw token again is a reuse: rejected, and the
	// lineage (including the fresh successor) goes down with it.
	_, err = m.Rotate(context.Background(), pair.RefreshToken, testMeta)
	assert.ErrorIs(t, err, ErrRotationInvalid)
	assert.Equal(t, 0, repo.activeCount())
}

func TestRotate_UnknownTokenCreatesNothing(t *testing.T) {
	now := time.Now()
	repo := newMemRepo()
	m, _, db := newTestManager(t, repo, now)
	defer db.Close()

	_, err := m.Rotate(context.Background(), "never-issued", testMeta)
	assert.ErrorIs(t, err, ErrRotationInvalid)
	assert.Empty(t, repo.rows)
}

func TestRotate_ExpiredToken(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	repo := newMemRepo()
	m, _, db := newTestManager(t, repo, now)
	defer db.Close()

	raw := "expired-raw-token"
	_, err := repo.Create(context.Background(), &models.RefreshToken{
		UserID:    "42",
		TokenHash: HashToken(raw),
		IssuedAt:  now.Add(-60 * 24 * time.Hour),
		ExpiresAt: now.Add(-30 * 24 * time.Hour),
	})
	require.NoError(t, err)

	_, err = m.Rotate(context.Background(), raw, testMeta)
	assert.ErrorIs(t, err, ErrRotationExpired)
}

func TestRotate_ReuseRevokesLineage(t *testing.T) {
	now := time.Now()
	repo := newMemRepo()
	m, mock, db := newTestManager(t, repo, now)
	defer db.Close()

	stolen, err := m.Issue(context.Background(), "42", nil, testMeta)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectCommit()
	current, err := m.Rotate(context.Background(), stolen.RefreshToken, testMeta)
	require.NoError(t, err)
	require.Equal(t, 1, repo.activeCount())

	// An attacker replays the superseded token: the live successor must be
	// revoked too.
	_, err = m.Rotate(context.Background(), stolen.RefreshToken, testMeta)
	assert.ErrorIs(t, err, ErrRotationInvalid)
	assert.Equal(t, 0, repo.activeCount())

	_, err = m.Rotate(context.Background(), current.RefreshToken, testMeta)
	assert.ErrorIs(t, err, ErrRotationInvalid)
}

func TestRotate_DoubleSubmitExactlyOneWinner(t *testing.T) {
	now := time.Now()
	repo := newMemRepo()
	m, mock, db := newTestManager(t, repo, now)
	defer db.Close()

	pair, err := m.Issue(context.Background(), "42", nil, testMeta)
	require.NoError(t, err)

	// Hold both lookups until each has seen the still-active record, so
	// both rotations proceed to the conditional revoke and race there.
	var barrier sync.WaitGroup
	barrier.Add(2)
	repo.findActiveBarrier = func() {
		barrier.Done()
		barrier.Wait()
	}

	// Two concurrent rotations: one transaction commits, one rolls back.
	mock.ExpectBegin()
	mock.ExpectBegin()
	mock.ExpectCommit()
	mock.ExpectRollback()

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = m.Rotate(context.Background(), pair.RefreshToken, testMeta)
		}(i)
	}
	wg.Wait()

	var wins, losses int
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrRotationInvalid):
			losses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins, "exactly one rotation must win")
	assert.Equal(t, 1, losses)
	assert.Equal(t, 1, repo.activeCount(), "exactly one active successor")
}

func TestRotate_TransientLookupFailureRetriedOnce(t *testing.T) {
	now := time.Now()
	repo := newMemRepo()
	repo.findErrs = []error{errors.New("connection reset")}
	m, mock, db := newTestManager(t, repo, now)
	defer db.Close()

	pair, err := m.Issue(context.Background(), "42", nil, testMeta)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectCommit()

	_, err = m.Rotate(context.Background(), pair.RefreshToken, testMeta)
	assert.NoError(t, err)
}

func TestRevoke_Idempotent(t *testing.T) {
	now := time.Now()
	repo := newMemRepo()
	m, _, db := newTestManager(t, repo, now)
	defer db.Close()

	pair, err := m.Issue(context.Background(), "42", nil, testMeta)
	require.NoError(t, err)

	require.NoError(t, m.Revoke(context.Background(), pair.RefreshToken))
	require.NoError(t, m.Revoke(context.Background(), pair.RefreshToken))
	assert.Equal(t, 0, repo.activeCount())
}

func TestRevoke_UnknownTokenRevealsNothing(t *testing.T) {
	now := time.Now()
	m, _, db := newTestManager(t, newMemRepo(), now)
	defer db.Close()

	assert.NoError(t, m.Revoke(context.Background(), "no-such-token"))
}

func TestRevokeThenRotate_AlwaysRejected(t *testing.T) {
	now := time.Now()
	repo := newMemRepo()
	m, _, db := newTestManager(t, repo, now)
	defer db.Close()

	pair, err := m.Issue(context.Background(), "42", nil, testMeta)
	require.NoError(t, err)

	require.NoError(t, m.Revoke(context.Background(), pair.RefreshToken))

	_, err = m.Rotate(context.Background(), pair.RefreshToken, testMeta)
	assert.ErrorIs(t, err, ErrRotationInvalid)
}

func TestPurgeExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	repo := newMemRepo()
	m, _, db := newTestManager(t, repo, now)
	defer db.Close()

	for i, exp := range []time.Time{
		now.Add(-48 * time.Hour), // purged
		now.Add(-1 * time.Hour),  // inside the grace window, kept
		now.Add(time.Hour),       // live, kept
	} {
		_, err := repo.Create(context.Background(), &models.RefreshToken{
			UserID:    "42",
			TokenHash: HashToken(string(rune('a' + i))),
			IssuedAt:  now.Add(-72 * time.Hour),
			ExpiresAt: exp,
		})
		require.NoError(t, err)
	}

	n, err := m.PurgeExpired(context.Background(), now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Len(t, repo.rows, 2)
}

func TestHashToken_DeterministicAndOneWay(t *testing.T) {
	h1 := HashToken("raw-value")
	h2 := HashToken("raw-value")
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
	assert.NotContains(t, h1, "raw-value")
}
