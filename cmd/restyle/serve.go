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

	"github.com/spf13/cobra"

	"github.com/ent0n29/restyle/internal/app"
	"github.com/ent0n29/restyle/internal/config"
	"github.com/ent0n29/restyle/internal/logging"
)

const janitorInterval = 5 * time.Second

func newServeCmd() *cobra.Command {
	var bindAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			if bindAddr != "" {
				cfg.BindAddr = bindAddr
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&bindAddr, "addr", "", "listen address (overrides APP_BIND_ADDR)")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return err
	}

	built, err := app.Build(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	built.Registry.StartJanitor(runCtx, janitorInterval)

	listenErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.BindAddr, "upstream", built.UpstreamMode)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
	}()

	sigCtx, stop := signal.NotifyContext(runCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	select {
	case <-sigCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-listenErr:
		_ = built.Cleanup()
		return fmt.Errorf("listen error: %w", err)
	}

	runCancel()
	// Live streams only end once their sessions are gone.
	built.Registry.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "err", err)
		_ = httpServer.Close()
	}
	if err := built.Cleanup(); err != nil {
		logger.Warn("cleanup failed", "err", err)
	}

	logger.Info("shutdown complete")
	return nil
}
