package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"outliner-backend/internal/config"
	"outliner-backend/internal/di"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync engine and its HTTP surface",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := newLoader()
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	c, cleanup, err := di.InitializeContainer(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	logger := c.Logger.Logger

	watcher, err := config.NewWatcher(loader, cfg, logger)
	if err != nil {
		logger.Warn("Configuration watcher unavailable", zap.Error(err))
	} else {
		watcher.OnChange(c.ApplyConfig)
		defer watcher.Stop()
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           c.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("HTTP server listening",
			zap.String("addr", cfg.Server.Addr),
			zap.String("version", version),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info("Shutting down")
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Daemon stopped with error", zap.Error(err))
		return err
	}
	logger.Info("Daemon stopped")
	return nil
}
