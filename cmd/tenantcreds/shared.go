package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/costq/tenantcreds/internal/config"
	"github.com/costq/tenantcreds/internal/credentials"
	"github.com/costq/tenantcreds/internal/crypto"
	"github.com/costq/tenantcreds/internal/observability"
	"github.com/costq/tenantcreds/internal/secrets"
	"github.com/costq/tenantcreds/internal/storage"
	pgstore "github.com/costq/tenantcreds/internal/storage/postgres"
	sqlitestore "github.com/costq/tenantcreds/internal/storage/sqlite"
	"github.com/costq/tenantcreds/internal/sts"
)

// SharedComponents holds the subsystems that both serve mode and the admin
// subcommands require. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger
	Store  storage.Store

	Obs      *observability.Observability
	Cipher   *crypto.Cipher
	STS      *sts.Client
	Cache    *credentials.Cache
	Resolver *credentials.Resolver

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

// initShared wires storage, the secret-backed cipher, the delegation client,
// and the resolver. The master key is resolved once at startup and held only
// in memory; without it the process refuses to start.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{Config: cfg, Logger: logger}

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, err
	}
	sc.Obs = obs
	if obs != nil {
		sc.cleanups = append(sc.cleanups, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		})
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	sc.Store = store
	sc.cleanups = append(sc.cleanups, func() { _ = store.Close() })

	if err := store.Migrate(ctx); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("migrating storage: %w", err)
	}

	provider, err := secrets.FromConfig(cfg.Secrets)
	if err != nil {
		sc.Cleanup()
		return nil, err
	}
	masterKey, err := provider.Resolve(ctx, cfg.MasterKey.KeyRef())
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("resolving master key: %w", err)
	}
	cipher, err := crypto.NewCipherFromEncodedKey(masterKey.Value)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing cipher: %w", err)
	}
	sc.Cipher = cipher
	logger.Info("master key loaded", slog.String("provider", provider.Name()))

	stsClient, err := sts.NewClient(ctx, cfg.STS.STSRegion(), sts.Options{
		SessionDuration: cfg.STS.SessionDuration(),
		RequestTimeout:  cfg.STS.RequestTimeout(),
		Attempts:        cfg.STS.Attempts(),
		Metrics:         metricsOrNil(obs),
		Tracer:          tracerOrNil(obs),
	}, logger)
	if err != nil {
		sc.Cleanup()
		return nil, err
	}
	sc.STS = stsClient

	sc.Cache = credentials.NewCache()
	sc.Resolver = credentials.NewResolver(
		store.Accounts(),
		cipher,
		stsClient,
		sc.Cache,
		credentials.Options{
			StaticTTL:     cfg.Cache.StaticTTL(),
			ExpiryMargin:  cfg.Cache.ExpiryMargin(),
			SessionPrefix: cfg.STS.Prefix(),
			Metrics:       metricsOrNil(obs),
			Tracer:        tracerOrNil(obs),
		},
		logger,
	)

	return sc, nil
}

// openStore selects the storage backend from config.
func openStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Storage.StorageDriver() {
	case storage.DriverPostgres:
		pg := cfg.Storage.Postgres
		return pgstore.Open(pgstore.Config{
			DSN:             pg.DSN,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
		}, logger)
	case storage.DriverSQLite:
		path := config.DefaultSQLitePath()
		journalMode := ""
		if cfg.Storage != nil && cfg.Storage.SQLite != nil {
			if cfg.Storage.SQLite.Path != "" {
				path = cfg.Storage.SQLite.Path
			}
			journalMode = cfg.Storage.SQLite.JournalMode
		}
		return sqlitestore.Open(sqlitestore.Config{Path: path, JournalMode: journalMode}, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.StorageDriver())
	}
}

func metricsOrNil(obs *observability.Observability) *observability.MetricsCollector {
	if obs == nil {
		return nil
	}
	return obs.Metrics
}

func tracerOrNil(obs *observability.Observability) trace.Tracer {
	if obs == nil || obs.Tracer == nil {
		return nil
	}
	return obs.Tracer.Tracer()
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}
