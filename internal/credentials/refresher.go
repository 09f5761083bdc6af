package credentials

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/costq/tenantcreds/internal/observability"
)

// RefresherOptions tunes the BackgroundRefresher. Zero values fall back to
// defaults.
type RefresherOptions struct {
	Schedule      string        // Cron expression or descriptor ("@every 1m"). Default: "@every 1m".
	RefreshWindow time.Duration // Refresh entries expiring within this window. Default: 2m.

	Metrics *observability.MetricsCollector // nil = metrics disabled.
}

func (o RefresherOptions) schedule() string {
	if o.Schedule != "" {
		return o.Schedule
	}
	return "@every 1m"
}

func (o RefresherOptions) refreshWindow() time.Duration {
	if o.RefreshWindow > 0 {
		return o.RefreshWindow
	}
	return 2 * time.Minute
}

// BackgroundRefresher proactively renews delegated credentials that are
// about to leave the cache, so steady-state request latency stays at
// cache-hit levels instead of paying a broker round trip on expiry.
// Static-key entries are left alone; they re-derive cheaply on demand.
type BackgroundRefresher struct {
	resolver *Resolver
	cache    *Cache
	opts     RefresherOptions
	logger   *slog.Logger
}

// NewBackgroundRefresher creates a refresher over the resolver and its cache.
func NewBackgroundRefresher(resolver *Resolver, cache *Cache, opts RefresherOptions, logger *slog.Logger) *BackgroundRefresher {
	return &BackgroundRefresher{
		resolver: resolver,
		cache:    cache,
		opts:     opts,
		logger:   logger,
	}
}

// Start begins the refresh loop. Returns a stop function.
func (b *BackgroundRefresher) Start(ctx context.Context) (func(), error) {
	sched, err := cron.ParseStandard(b.opts.schedule())
	if err != nil {
		return nil, err
	}

	c := cron.New()
	c.Schedule(sched, cron.FuncJob(func() { b.tick(ctx) }))
	c.Start()

	b.logger.InfoContext(ctx, "credential refresher started",
		slog.String("schedule", b.opts.schedule()),
		slog.String("refresh_window", b.opts.refreshWindow().String()),
	)

	go func() {
		<-ctx.Done()
		c.Stop()
	}()

	return func() {
		<-c.Stop().Done()
		b.logger.Info("credential refresher stopped")
	}, nil
}

// tick runs a single refresh cycle: sweep dead entries, renew entries whose
// validity ends within the refresh window.
func (b *BackgroundRefresher) tick(ctx context.Context) {
	if b.opts.Metrics != nil {
		b.opts.Metrics.RefreshRunsTotal.Inc()
	}

	swept := b.cache.Sweep()
	expiring := b.cache.ExpiringWithin(b.opts.refreshWindow())
	if swept > 0 || len(expiring) > 0 {
		b.logger.DebugContext(ctx, "refresh cycle",
			slog.Int("swept", swept),
			slog.Int("expiring", len(expiring)),
		)
	}

	for _, accountID := range expiring {
		if ctx.Err() != nil {
			return
		}
		if _, err := b.resolver.Refresh(ctx, accountID); err != nil {
			// Leave the stale entry in place; the next on-demand
			// resolution or cycle will retry.
			if b.opts.Metrics != nil {
				b.opts.Metrics.RefreshedCredsTotal.WithLabelValues("error").Inc()
			}
			b.logger.WarnContext(ctx, "proactive refresh failed",
				slog.String("account_id", accountID),
				slog.Any("error", err),
			)
			continue
		}
		if b.opts.Metrics != nil {
			b.opts.Metrics.RefreshedCredsTotal.WithLabelValues("success").Inc()
		}
	}
}
