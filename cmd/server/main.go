package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/statementwatch/statementwatch/internal/canonical"
	"github.com/statementwatch/statementwatch/internal/config"
	"github.com/statementwatch/statementwatch/internal/db"
	"github.com/statementwatch/statementwatch/internal/importer"
	"github.com/statementwatch/statementwatch/internal/logging"
	"github.com/statementwatch/statementwatch/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	// Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging based on config
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"db_max_conns", cfg.Database.MaxConns,
		"upload_max_concurrent", cfg.Upload.MaxConcurrent,
		"commit_workers", cfg.Commit.Workers,
		"rate_limit_enabled", cfg.Rate.Enabled,
	)

	ctx := context.Background()

	pool, err := db.Connect(ctx, cfg.Database)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	// Log which database we connected to
	if u, err := url.Parse(cfg.Database.URL); err == nil {
		dbName := strings.TrimPrefix(u.Path, "/")
		slog.Info("connected to database", "name", dbName)
	} else {
		slog.Info("connected to database")
	}

	if cfg.Database.MigrateOnStart {
		if err := db.Migrate(cfg.Database.URL); err != nil {
			slog.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
	}

	// Wire the pipeline: Postgres-backed staging store and canonical writer
	store := importer.NewPGStore(pool)
	writer := canonical.NewPGWriter(pool)

	service := importer.NewService(store, writer, importer.Options{
		MaxFileSize:          cfg.Upload.MaxFileSize,
		MaxConcurrentUploads: cfg.Upload.MaxConcurrent,
		UploadWaitTime:       cfg.Upload.MaxWaitTime,
		CommitWorkers:        cfg.Commit.Workers,
	})

	server := web.NewServer(service, cfg)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Wait for active uploads to complete (with timeout)
		if active := service.ActiveUploads(); active > 0 {
			slog.Info("waiting for uploads to complete", "active", active)
			if err := service.WaitForUploads(shutdownCtx); err != nil {
				slog.Warn("uploads did not complete in time", "error", err)
			} else {
				slog.Info("all uploads completed")
			}
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("server starting", "addr", cfg.Server.Addr())
	if err := server.Start(cfg.Server.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
