// cmd/api/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jules-labs/library-backend/internal/auth"
	"github.com/jules-labs/library-backend/internal/catalog"
	"github.com/jules-labs/library-backend/internal/circulation"
	"github.com/jules-labs/library-backend/internal/config"
	"github.com/jules-labs/library-backend/internal/database"
	"github.com/jules-labs/library-backend/internal/eventstore"
	"github.com/jules-labs/library-backend/internal/logger"
	"github.com/jules-labs/library-backend/internal/membership"
	"github.com/jules-labs/library-backend/internal/server"
	"github.com/jules-labs/library-backend/internal/telemetry"
	"github.com/jules-labs/library-backend/internal/validation"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "api:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(".env")
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logger.New(logger.Config{
		Format:      cfg.Logger.Format,
		Environment: cfg.App.Environment,
		Level:       cfg.Logger.Level,
	}).With("service", "api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg, "library-api", log)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			log.Warn("tracer shutdown failed", "error", err)
		}
	}()

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := database.Migrate(ctx, db); err != nil {
		return err
	}

	es := eventstore.New(db)
	v := validation.New()

	members := membership.NewService(db, es, v, cfg.Auth)
	books := catalog.NewService(db, es, v)
	ledger := circulation.NewService(circulation.NewPostgresStore(db, es), cfg.Ledger, log.With("component", "circulation"))
	tokens := auth.NewTokenService(cfg.Auth.SecretKey, cfg.Auth.Issuer, cfg.Auth.AccessTokenTTL)

	srv := server.New(cfg, server.Deps{
		DB:            db,
		Authenticator: auth.NewAuthenticator(tokens, members, log),
		Catalog:       catalog.NewHandler(books, ledger, cfg.Ledger.MaxPageSize, log),
		Circulation:   circulation.NewHandler(ledger, cfg.Ledger.MaxPageSize, cfg.Jobs.DueSoonWindow, log),
		Membership:    membership.NewHandler(members, tokens, cfg.Ledger.MaxPageSize, log),
	}, log)

	httpServer := srv.HTTPServer()
	errc := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", httpServer.Addr, "environment", cfg.App.Environment)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}
