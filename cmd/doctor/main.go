// Command doctor compiles intents into browser-test plans, schedules them
// across Igor workers, tracks recurring failures, and coordinates
// Frankenstein restarts when a new tool needs loading.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/barrhawk/e2e-core/internal/ai"
	"github.com/barrhawk/e2e-core/internal/bus"
	"github.com/barrhawk/e2e-core/internal/config"
	"github.com/barrhawk/e2e-core/internal/doctor"
	"github.com/barrhawk/e2e-core/internal/doctor/httpapi"
	"github.com/barrhawk/e2e-core/internal/doctor/restart"
	"github.com/barrhawk/e2e-core/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.LoadDoctor()
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics("doctor")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client, err := bus.Connect(ctx, bus.ClientOptions{
		URL:       cfg.BridgeURL,
		AuthToken: cfg.BridgeAuthToken,
		ID:        "doctor",
		Version:   "1",
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("connect to bridge: %w", err)
	}
	defer client.Close()

	health := &restart.HTTPHealthChecker{URL: cfg.FrankHealthURL}
	spawn := restart.ExecSpawner(cfg.FrankSpawnCommand)

	svc := doctor.NewService(cfg, client, health, spawn, logger, metrics)
	if cfg.AnthropicAPIKey != "" {
		if planner, err := ai.NewFromAPIKey(cfg.AnthropicAPIKey, cfg.AnthropicModel); err != nil {
			logger.Warn(ctx, "anthropic fallback planner disabled", "error", err.Error())
		} else {
			svc.SetFallbackPlanner(planner)
		}
	}
	svc.RegisterHandlers()
	go svc.RunCleanupLoop(ctx)

	srv := httpapi.NewServer(svc, logger)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      srv.Handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "doctor listening", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}
