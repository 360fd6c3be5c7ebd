package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"loatodo/internal/catalog"
	"loatodo/internal/config"
	"loatodo/internal/coordinator"
	"loatodo/internal/engine"
	"loatodo/internal/notify"
	"loatodo/internal/server"
	"loatodo/internal/storage/sqlite"
)

func serveCmd() *cobra.Command {
	var (
		addr      string
		dbPath    string
		accessLog bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start the HTTP API.

Settings are read from LOATODO_* environment variables; flags override them.

Examples:
  loatodo serve --addr :8080
  LOATODO_DB_DRIVER=sqlite loatodo serve --db /var/lib/loatodo/loatodo.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			if cmd.Flags().Changed("db") {
				cfg.DBPath = dbPath
			}
			return runServe(cfg, accessLog)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (default $LOATODO_ADDR or :8080)")
	cmd.Flags().StringVar(&dbPath, "db", "", "path to sqlite database file (default $LOATODO_DB_PATH)")
	cmd.Flags().BoolVar(&accessLog, "access-log", false, "log every API request")
	return cmd
}

func runServe(cfg config.Config, accessLog bool) error {
	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	logger.Info("loatodo", slog.String("version", version), slog.String("reset_tz", loc.String()))

	store, err := sqlite.Open(cfg.DBPath, logger,
		sqlite.WithDriver(cfg.DBDriver),
		sqlite.WithMaxConns(cfg.DBMaxConns),
	)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	doc, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		return err
	}
	cat, err := catalog.New(doc, store, logger)
	if err != nil {
		return err
	}

	coord := coordinator.New(logger,
		coordinator.WithTimeout(cfg.MutationTimeout),
		coordinator.WithInvalidators(cat),
	)
	dispatcher := notify.NewDispatcher(notify.LogSink{Logger: logger}, cfg.NotifyBuffer, logger)

	svc, err := engine.New(engine.Deps{
		Catalog:       cat,
		Store:         store,
		Coordinator:   coord,
		Publisher:     dispatcher,
		Logger:        logger,
		Location:      loc,
		StoreTimeout:  cfg.StoreTimeout,
		RetryAttempts: cfg.RetryAttempts,
	})
	if err != nil {
		return err
	}

	srv := server.New(svc, logger, server.Options{JWTSecret: cfg.JWTSecret, AccessLog: accessLog})
	if cfg.JWTSecret == "" {
		logger.Warn("no JWT secret configured, trusting the X-Account-ID header")
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var serveErr error
	select {
	case <-quit:
	case serveErr = <-errCh:
		if serveErr != nil {
			logger.Error("server stopped unexpectedly", slog.String("error", serveErr.Error()))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("failed to shutdown server", slog.String("error", err.Error()))
	}
	// Accepted mutations finish before the store closes.
	coord.Close()
	dispatcher.Close()

	logger.Info("server stopped")
	return serveErr
}

func loadCatalog(path string) (*catalog.Document, error) {
	if path == "" {
		return catalog.Default()
	}
	return catalog.LoadFile(path)
}
