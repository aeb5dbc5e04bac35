package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/previewfs/internal/api"
	"github.com/fruitsalade/previewfs/internal/config"
	"github.com/fruitsalade/previewfs/internal/events"
	"github.com/fruitsalade/previewfs/internal/logging"
	"github.com/fruitsalade/previewfs/internal/metrics"
	"github.com/fruitsalade/previewfs/internal/mirror"
	"github.com/fruitsalade/previewfs/internal/storage"
	"github.com/fruitsalade/previewfs/internal/vfs"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the previewfs server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		return fmt.Errorf("logging init error: %w", err)
	}
	defer logging.Sync()

	logging.Info("previewfs starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("mirror", cfg.Mirror.Backend))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	notifier := events.NewNotifier()
	store := vfs.NewStore(notifier)

	broadcaster := events.NewBroadcaster(store, cfg.SubscriberBuffer)
	defer broadcaster.Attach(notifier)()

	backend, err := storage.NewBackend(ctx, cfg.Mirror)
	if err != nil {
		return fmt.Errorf("mirror backend: %w", err)
	}
	var mir *mirror.Mirror
	if backend != nil {
		mir = mirror.New(backend, cfg.Mirror.Workers, cfg.Mirror.QueueSize)
		mir.Start(context.WithoutCancel(ctx))
		defer mir.Attach(notifier)()
	}

	srv := api.NewServer(store, broadcaster, api.Options{
		MaxContentSize: cfg.MaxContentSize,
		WSWriteTimeout: cfg.WSWriteTimeout,
	})
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logging.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		// Subscriber handlers block until their connection ends, so drop
		// them before waiting on the server. Subscribers arriving after
		// Close are turned away at once.
		broadcaster.Close()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn("server shutdown", zap.Error(err))
			httpServer.Close()
		}
		metricsServer.Close()

		if mir != nil {
			if err := mir.Stop(shutdownCtx); err != nil {
				logging.Warn("mirror shutdown", zap.Error(err))
			}
		}
		return nil
	})

	return g.Wait()
}
