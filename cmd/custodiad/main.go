// Package main runs the custodial ledger daemon.
package main

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/base64"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	app "github.com/custodia-network/custodia/internal/app"
	"github.com/custodia-network/custodia/internal/app/httpapi"
	"github.com/custodia-network/custodia/internal/app/storage/postgres"
	"github.com/custodia-network/custodia/internal/config"
	"github.com/custodia-network/custodia/internal/middleware"
	"github.com/custodia-network/custodia/internal/platform/migrations"
	"github.com/custodia-network/custodia/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.LoggingConfig{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Output:    "stdout",
		Component: "custodiad",
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stores, cleanup, err := buildStores(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Error("storage setup failed")
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	issuer, err := parseIssuerKey(cfg.Session.IssuerPublicKey)
	if err != nil {
		log.WithError(err).Error("invalid issuer public key")
		os.Exit(1)
	}
	if issuer == nil {
		log.Warn("no issuer public key configured; session verification will reject all proofs")
	}

	application, err := app.New(stores, app.Collaborators{}, app.Options{
		IssuerKey:         issuer,
		SessionMaxAge:     cfg.Session.MaxAge,
		ReconcileInterval: cfg.Delegation.ReconcileInterval,
		DisablePoller:     cfg.Delegation.DisablePoller,
	}, log)
	if err != nil {
		log.WithError(err).Error("application setup failed")
		os.Exit(1)
	}

	if err := application.Start(ctx); err != nil {
		log.WithError(err).Error("application start failed")
		os.Exit(1)
	}

	handler := httpapi.NewHandler(application)
	auth := middleware.NewAuthMiddleware([]byte(cfg.Auth.JWTSecret), log, []string{"/health", "/metrics"})
	limiter := middleware.NewRateLimiter(cfg.Auth.RatePerSecond, cfg.Auth.Burst, log)

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      auth.Handler(limiter.Handler(handler)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.HTTP.Addr).Info("http server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server failed")
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown failed")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("application stop failed")
	}
	log.Info("shutdown complete")
}

func buildStores(ctx context.Context, cfg config.Config, log *logger.Logger) (app.Stores, func(), error) {
	if cfg.Database.URL == "" {
		log.Warn("DATABASE_URL not set; using in-memory storage")
		return app.Stores{}, nil, nil
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return app.Stores{}, nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return app.Stores{}, nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migrations.Apply(ctx, db); err != nil {
		db.Close()
		return app.Stores{}, nil, fmt.Errorf("apply migrations: %w", err)
	}

	store := postgres.New(db)
	stores := app.Stores{Ledger: store, Sessions: store, Delegations: store}
	return stores, func() { db.Close() }, nil
}

func parseIssuerKey(encoded string) (ed25519.PublicKey, error) {
	if encoded == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode issuer key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("issuer key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}
