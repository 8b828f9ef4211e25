// Command bridge runs the message router every Doctor, Igor, and
// Frankenstein process connects to.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/barrhawk/e2e-core/internal/bridge"
	"github.com/barrhawk/e2e-core/internal/config"
	"github.com/barrhawk/e2e-core/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.LoadBridge()
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics("bridge")

	rt := bridge.NewRouter(bridge.Config{
		AuthToken:         cfg.AuthToken,
		HeartbeatInterval: cfg.HeartbeatInterval,
		LivenessWindow:    cfg.LivenessWindow,
		EventLogCapacity:  cfg.EventLogCapacity,
		AllowedOrigins:    cfg.AllowedOrigins,
		Logger:            logger,
		Metrics:           metrics,
	})
	srv := bridge.NewServer(rt, cfg.ScreenshotsDir)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go rt.LivenessSweeper(ctx)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "bridge listening", "port", cfg.Port)
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
