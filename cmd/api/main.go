// Package main is the entry point for the billing sync API server.
//
// It loads configuration, opens the configured store, wires the webhook
// dispatcher and the read API onto the core chassis, and serves HTTP until
// SIGINT or SIGTERM, then shuts down gracefully.
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

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"billingsync/internal/api/handlers"
	"billingsync/internal/app"
	"billingsync/internal/billing"
	"billingsync/internal/config"
	"billingsync/internal/core"
	"billingsync/internal/external"
	"billingsync/internal/metrics"
	"billingsync/internal/queue"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := app.NewLogger(cfg.LogLevel)
	logger.Info("billingsync API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
		"db_driver", cfg.Database.Driver,
	)

	ctx := context.Background()
	backend, err := app.OpenStore(ctx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}

	parker, err := newReplayPublisher(ctx, cfg, logger)
	if err != nil {
		_ = backend.Close()
		return err
	}

	srv, err := buildServer(cfg, backend.Store, parker, logger)
	if err != nil {
		_ = backend.Close()
		return fmt.Errorf("creating server: %w", err)
	}
	srv.Closers = append(srv.Closers, backend.Close)

	return runHTTPServer(srv, logger)
}

// newReplayPublisher builds the SQS publisher for parked deliveries. Without
// SQS_REPLAY_QUEUE the publisher is disabled and no AWS config is loaded.
func newReplayPublisher(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*queue.ReplayPublisher, error) {
	if cfg.Queue.ReplayQueueURL == "" {
		logger.Warn("SQS_REPLAY_QUEUE not set; failed deliveries rely on provider retries only")
		return queue.NewReplayPublisher(nil, "", logger), nil
	}
	awsCfg, err := app.LoadAWSConfig(ctx, cfg.AWS)
	if err != nil {
		return nil, err
	}
	return queue.NewReplayPublisher(sqs.NewFromConfig(awsCfg), cfg.Queue.ReplayQueueURL, logger), nil
}

// buildServer wires the handlers over store and mounts the routes.
func buildServer(cfg *config.Config, store billing.Store, parker handlers.DeliveryParker, logger *slog.Logger) (*core.Server, error) {
	registry, err := external.NewRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, err
	}

	var (
		procOpts        []billing.ProcessorOption
		webhookRecorder handlers.WebhookRecorder
	)
	if cfg.Observability.EnableMetrics {
		recorder := metrics.NewRecorder()
		srv.Metrics = recorder
		srv.MetricsHandler = recorder.Handler()
		webhookRecorder = recorder
		procOpts = append(procOpts, billing.WithRecorder(recorder))
	}

	processor := billing.NewProcessor(store, cfg.Processing, logger, procOpts...)
	webhooks := handlers.NewWebhookHandler(registry, processor, parker, webhookRecorder, cfg.Server.MaxBodyBytes, logger)
	srv.WebhookRouteRegistrars = append(srv.WebhookRouteRegistrars, webhooks.RegisterRoutes)

	service := billing.NewService(store, billing.NewStaticEntitlementPolicy(), logger)
	reads := handlers.NewSubscriptionHandler(service, srv.Validator, logger)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, reads.RegisterRoutes)
	srv.OpsAuth = core.NewOpsTokenAuth(cfg.Security.OpsTokenHash, logger)

	srv.HealthProbes = append(srv.HealthProbes, core.NewPingProbe("database", store.Ping))

	srv.MountRoutes()
	return srv, nil
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, logger *slog.Logger) error {
	httpServer := srv.HTTPServer()

	// Channel to capture server errors from ListenAndServe.
	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			_ = srv.Shutdown(context.Background())
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), srv.Config.Server.ShutdownTimeout)
	defer cancel()

	// In-flight webhooks finish (or hit their processing deadline) before the
	// store is closed.
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}
