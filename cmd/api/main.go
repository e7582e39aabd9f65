package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"trove/api/internal/app"
	"trove/api/internal/config"
	"trove/api/internal/identity"
	"trove/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()
	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true, Prefix: "trove"})

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", "error", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logger.Fatal("migrations failed", "error", err)
	}

	dataStore := store.NewPostgresStore(db)

	var service *app.Service
	if strings.TrimSpace(cfg.RedisURL) != "" {
		logger.Info("using Redis identity cache")
		cache, err := identity.NewCache(cfg.RedisURL, cfg.IdentityCacheTTL)
		if err != nil {
			logger.Fatal("redis connection failed", "error", err)
		}
		defer cache.Close()
		service = app.NewWithIdentityCache(cfg, dataStore, cache)
	} else {
		service = app.New(cfg, dataStore)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("Trove API listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}
