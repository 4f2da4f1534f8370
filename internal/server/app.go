// Package server initializes and runs the token service. It opens the
// database, applies migrations, wires the session manager and HTTP routes,
// and handles graceful shutdown.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/restauth/tokend/internal/identity"
	"github.com/restauth/tokend/internal/logging"
	"github.com/restauth/tokend/internal/server/bearer"
	"github.com/restauth/tokend/internal/server/config"
	"github.com/restauth/tokend/internal/server/httpapi"
	"github.com/restauth/tokend/internal/server/repositories/repomanager"
	"github.com/restauth/tokend/internal/server/session"
	"github.com/restauth/tokend/internal/settings"
)

const shutdownTimeout = 5 * time.Second

type App struct {
	config   *config.Config
	logger   logging.Logger
	db       *sql.DB
	sessions *session.Manager
	router   http.Handler
}

func NewApp(c *config.Config) (*App, error) {

	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	db, err := sql.Open("pgx", c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	rm := repomanager.NewPostgresRepositoryManager()
	if err := rm.RunMigrations(context.Background(), db); err != nil {
		return nil, fmt.Errorf("migrations error: %w", err)
	}

	resolver := settings.NewResolver(settings.Overrides{
		Secret:     c.SecretKey,
		AccessTTL:  c.AccessTokenValidity,
		RefreshTTL: c.RefreshTokenValidity,
	}, rm.Settings(db))

	sessions := session.NewManager(db, rm, resolver, c.Issuer, logger)

	verifier, err := identity.ParseStaticUsers(c.StaticUsers)
	if err != nil {
		return nil, fmt.Errorf("parsing TOKEND_USERS: %w", err)
	}
	if c.StaticUsers == "" {
		logger.Warn(context.Background(), "no users configured, /auth/token will reject all credentials")
	}

	handler := httpapi.NewHandler(sessions, verifier, bearer.NewAuthenticator(resolver), logger, c.CookieSecure)

	return &App{
		config:   c,
		logger:   logger,
		db:       db,
		sessions: sessions,
		router:   httpapi.NewRouter(handler),
	}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startHTTPServer(ctx context.Context, cancelFunc context.CancelFunc) {

	srv := &http.Server{Addr: app.config.EndpointAddr, Handler: app.router}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			app.logger.Error(ctx, "shutdown error", "error", err)
		}
	}()

	app.logger.Info(ctx, "http server listening", "addr", app.config.EndpointAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

// startPurgeLoop periodically deletes refresh-token records that expired
// before the grace window. Purge failures are logged and never interrupt
// request handling.
func (app *App) startPurgeLoop(ctx context.Context) {

	ticker := time.NewTicker(app.config.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			olderThan := time.Now().Add(-app.config.PurgeGrace)
			n, err := app.sessions.PurgeExpired(ctx, olderThan)
			if err != nil {
				app.logger.Error(ctx, "purge failed", "error", err)
				continue
			}
			if n > 0 {
				app.logger.Info(ctx, "purged expired refresh tokens", "count", n)
			}
		}
	}
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startHTTPServer(ctx, cancelFunc)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startPurgeLoop(ctx)
	}()

	wg.Wait()

	if err := app.db.Close(); err != nil {
		app.logger.Error(ctx, "db close error", "error", err)
	}
}
