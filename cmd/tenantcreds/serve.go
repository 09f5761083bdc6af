package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/costq/tenantcreds/internal/config"
	"github.com/costq/tenantcreds/internal/credentials"
	"github.com/costq/tenantcreds/internal/gateway"
	"github.com/costq/tenantcreds/internal/gateway/httpapi"
	"github.com/costq/tenantcreds/internal/gateway/mcpserver"
	"github.com/costq/tenantcreds/internal/ratelimit"
	goutils "github.com/jkaninda/go-utils"
)

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the credential resolution service (HTTP admin API, MCP)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `tenantcreds --config path` and `tenantcreds serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts the service: storage, resolver, proactive refresher, and
// the enabled gateways.
func runServe(_ *cobra.Command, _ []string) error {
	logger := newLogger()

	cfg, err := config.Load(goutils.Env("TENANTCREDS_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if servePort != "" {
		if cfg.Gateways.HTTP == nil {
			cfg.Gateways.HTTP = &config.HTTPGatewayConfig{Enabled: true}
		}
		cfg.Gateways.HTTP.ListenAddr = servePort
	}

	logger.Info("starting tenantcreds", slog.String("config", serveConfigPath))

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Readiness covers the account store; a credential can only be resolved
	// when the store answers.
	if sc.Obs != nil && sc.Obs.Health != nil {
		sc.Obs.Health.AddCheck("storage", sc.Store.Ping)
	}

	// Proactive refresh keeps delegated credentials warm.
	if schedule := cfg.Cache.Schedule(); schedule != "" {
		refresher := credentials.NewBackgroundRefresher(sc.Resolver, sc.Cache,
			credentials.RefresherOptions{
				Schedule:      schedule,
				RefreshWindow: cfg.Cache.RefreshWindow(),
				Metrics:       metricsOrNil(sc.Obs),
			}, logger)
		stopRefresher, err := refresher.Start(ctx)
		if err != nil {
			return fmt.Errorf("starting credential refresher: %w", err)
		}
		defer stopRefresher()
	}

	gateways := buildGateways(cfg, sc)
	if len(gateways) == 0 {
		return fmt.Errorf("no gateways enabled in config")
	}
	logger.Info("gateways configured", slog.Int("count", len(gateways)))

	// Start all gateways in goroutines.
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}

	return nil
}

// buildGateways constructs the gateways enabled in config.
func buildGateways(cfg *config.Config, sc *SharedComponents) []gateway.Gateway {
	var gateways []gateway.Gateway

	if h := cfg.Gateways.HTTP; h != nil && h.Enabled {
		var limiter *ratelimit.Limiter
		if h.RateLimitRPM > 0 {
			limiter = ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: h.RateLimitRPM})
		}

		gwCfg := httpapi.Config{
			ListenAddr:     h.Addr(),
			EnableDocs:     h.EnableDocs,
			APIKeys:        h.APIKeys,
			MaxRequestSize: h.MaxRequestSize,
		}
		if sc.Obs != nil {
			if sc.Obs.Metrics != nil {
				gwCfg.MetricsRegistry = sc.Obs.Metrics.Registry
				gwCfg.Metrics = sc.Obs.Metrics
			}
			gwCfg.HealthChecker = sc.Obs.Health
			gwCfg.Tracer = tracerOrNil(sc.Obs)
		}

		gateways = append(gateways,
			httpapi.NewGateway(gwCfg, sc.Store, sc.Cipher, sc.Resolver, limiter, sc.Logger))
	}

	if m := cfg.Gateways.MCP; m != nil && m.Enabled {
		gateways = append(gateways, mcpserver.NewServer(mcpserver.Config{
			ListenAddr:   m.Addr(),
			EndpointPath: m.EndpointPath(),
			Metrics:      metricsOrNil(sc.Obs),
			Tracer:       tracerOrNil(sc.Obs),
		}, sc.Store, sc.Resolver, sc.Logger))
	}

	return gateways
}
