// Copyright 2026 Evan Lesch
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/ELesch/snakey-sub000/internal/config"
	"github.com/ELesch/snakey-sub000/internal/pgstore"
	"github.com/ELesch/snakey-sub000/migrations"
	"github.com/ELesch/snakey-sub000/snakesync"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	migrationDB := stdlib.OpenDBFromPool(pool)
	if err := migrations.Migrate(migrationDB); err != nil {
		return err
	}
	if err := migrationDB.Close(); err != nil {
		return err
	}
	logger.Info("database schema up to date")

	store := pgstore.New(pool, logger)
	coordinator, err := snakesync.NewCoordinator(store.Services(), store, logger)
	if err != nil {
		return err
	}

	jwtAuth := snakesync.NewJWTAuth(cfg.JWTSecret)
	handlers := snakesync.NewHTTPSyncHandlers(coordinator, jwtAuth, logger)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Route("/sync", func(r chi.Router) {
		r.Use(jwtAuth.Middleware)
		r.Post("/batch", handlers.HandleBatchSync)
		r.Post("/op", handlers.HandleSyncOperation)
		r.Get("/changes", handlers.HandleChanges)
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("sync server listening", "addr", cfg.HTTPAddr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
