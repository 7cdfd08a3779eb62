package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/mcpvisor/internal/api"
	"github.com/nugget/mcpvisor/internal/buildinfo"
	"github.com/nugget/mcpvisor/internal/events"
	"github.com/nugget/mcpvisor/internal/manager"
	"github.com/nugget/mcpvisor/internal/mqtt"
)

// shutdownTimeout bounds the graceful shutdown of the API and MQTT.
const shutdownTimeout = 10 * time.Second

func newServeCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start all servers, the status API and the MQTT publisher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), g)
		},
	}
}

// runServe starts the fleet and blocks until ctx is cancelled or a
// signal arrives.
func runServe(ctx context.Context, g *globals) error {
	cfg, logger, err := g.load(g.stdout, "info")
	if err != nil {
		return err
	}
	logger.Info("starting", "version", buildinfo.Version, "build", buildinfo.String())

	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := events.New()
	mgr := newManager(cfg, logger, bus, cfg.MCP.HealthInterval)

	configs := manager.ServerConfigs(cfg)
	started := mgr.StartAll(ctx, configs)
	logger.Info("MCP servers started",
		"started", len(started),
		"configured", len(configs),
		"health_interval", cfg.MCP.HealthInterval,
	)

	grp, gctx := errgroup.WithContext(ctx)

	var apiServer *api.Server
	if cfg.Listen.Enabled() {
		apiServer = api.NewServer(cfg.Listen.Address, cfg.Listen.Port, mgr, bus, logger.With("component", "api"))
		grp.Go(func() error {
			if err := apiServer.Start(gctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("api server: %w", err)
			}
			return nil
		})
	} else {
		logger.Info("status API disabled")
	}

	var pub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		pub = mqtt.New(cfg.MQTT, mgr, bus, logger.With("component", "mqtt"))
		grp.Go(func() error {
			return pub.Start(gctx)
		})
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"topic_prefix", cfg.MQTT.TopicPrefix,
			"interval", cfg.MQTT.PublishInterval(),
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	grp.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		shutdown(logger, apiServer, pub, mgr)
		return nil
	})

	err = grp.Wait()
	logger.Info("mcpvisor stopped")
	return err
}

func shutdown(logger *slog.Logger, apiServer *api.Server, pub *mqtt.Publisher, mgr *manager.Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Publish MQTT offline status before disconnecting.
	if pub != nil {
		if err := pub.Stop(ctx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
	}
	if apiServer != nil {
		if err := apiServer.Shutdown(ctx); err != nil {
			logger.Error("api shutdown failed", "error", err)
		}
	}
	mgr.StopAll()
}
