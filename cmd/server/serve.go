package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/benefits-engine/api"
	"github.com/warp/benefits-engine/reports"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Starts the HTTP API and, when reconciliation.retry_interval is set, the
background retry of failed claim reconciliations.

On SIGINT/SIGTERM the server stops accepting connections, waits up to
server.shutdown_timeout for in-flight requests, then closes the database.`,
		RunE: runServe,
	}
	cmd.Flags().Int("port", 0, "HTTP server port (overrides server.port)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Server.Port = port
	}
	logger := slog.Default()

	services, store, err := openServices()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	cache := reports.NewLRUCache(cfg.Reports.CacheSize, cfg.Reports.CacheTTL)
	handler := api.NewHandler(services, reports.NewService(store, cache, logger), logger)

	scheduler := api.NewRetryScheduler(services.Claims, cfg.Recon.RetryInterval, logger)
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", server.Addr, "db", cfg.DB.Path)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-cmd.Context().Done():
	}

	logger.Info("shutting down server", "timeout", cfg.Server.ShutdownTimeout)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
