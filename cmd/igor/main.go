// Command igor runs one worker instance: either the default pool member
// (IGOR_ROUTE unset) or a route-specialized worker spawned on demand.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/barrhawk/e2e-core/internal/ai"
	"github.com/barrhawk/e2e-core/internal/bus"
	"github.com/barrhawk/e2e-core/internal/config"
	"github.com/barrhawk/e2e-core/internal/igor"
	"github.com/barrhawk/e2e-core/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.LoadIgor()
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics("igor")

	id := cfg.ID
	if id == "" {
		if cfg.Route != "" {
			id = "igor-" + cfg.Route
		} else {
			id = "igor"
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client, err := bus.Connect(ctx, bus.ClientOptions{
		URL:       cfg.BridgeURL,
		AuthToken: cfg.BridgeAuthToken,
		ID:        id,
		Version:   "1",
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("connect to bridge: %w", err)
	}
	defer client.Close()

	if _, err := client.Send("doctor", "igor.registered", map[string]string{
		"igorId": id, "route": cfg.Route, "instance": uuid.NewString(),
	}); err != nil {
		logger.Warn(ctx, "igor.registered send failed", "error", err.Error())
	}

	w := igor.NewWorker(id, cfg.Route, client, logger, metrics)
	if cfg.AnthropicAPIKey != "" {
		if verifier, err := ai.NewFromAPIKey(cfg.AnthropicAPIKey, cfg.AnthropicModel); err != nil {
			logger.Warn(ctx, "anthropic verifier disabled", "error", err.Error())
		} else {
			w.SetVerifier(verifier)
		}
	}
	w.RegisterHandlers()

	logger.Info(ctx, "igor ready", "id", id, "route", cfg.Route)
	<-ctx.Done()
	return nil
}
