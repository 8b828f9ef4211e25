// Command frank (Frankenstein) runs the browser surface and the dynamic
// tool registry Igors invoke against, and auto-registers any desktop
// automation tool the host environment supports.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/barrhawk/e2e-core/internal/bus"
	"github.com/barrhawk/e2e-core/internal/config"
	"github.com/barrhawk/e2e-core/internal/frank/browser"
	"github.com/barrhawk/e2e-core/internal/frank/httpapi"
	"github.com/barrhawk/e2e-core/internal/frank/systemtools"
	"github.com/barrhawk/e2e-core/internal/frank/tools"
	"github.com/barrhawk/e2e-core/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.LoadFrank()
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics("frank")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client, err := bus.Connect(ctx, bus.ClientOptions{
		URL:       cfg.BridgeURL,
		AuthToken: cfg.BridgeAuthToken,
		ID:        "frank",
		Version:   "1",
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("connect to bridge: %w", err)
	}
	defer client.Close()

	browserSvc := browser.NewServiceWithBroadcasts(
		&browser.RodLauncher{Headless: true},
		cfg.MaxBrowsers,
		cfg.BrowserIdleTimeout,
		client,
		logger,
		cfg.AllowLocalhost,
	)
	browserSvc.RegisterHandlers()
	go browserSvc.Pool().RunIdleSweeper(ctx, cfg.BrowserIdleTimeout)

	registry := tools.NewRegistry(&tools.HostCapabilities{Log: logger})
	systemtools.RegisterDetected(registry, nil, logger)

	toolSvc := tools.NewService(registry, client, logger, metrics)
	toolSvc.RegisterHandlers()
	go toolSvc.RunPromotionLoop(ctx, time.Minute)

	srv := httpapi.NewServer(registry, logger, func() bool { return true })
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      srv.Handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "frankenstein listening", "port", cfg.Port)
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
