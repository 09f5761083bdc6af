package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for tenantcreds.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Credential resolution metrics.
	ResolutionsTotal   *prometheus.CounterVec
	ResolutionDuration *prometheus.HistogramVec

	// Credential cache metrics.
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter
	CacheEntries     prometheus.Gauge

	// Delegation (STS AssumeRole) metrics.
	AssumeRoleCallsTotal *prometheus.CounterVec
	AssumeRoleDuration   prometheus.Histogram

	// Account repository metrics.
	AccountLookupsTotal *prometheus.CounterVec

	// Secret cipher metrics.
	DecryptFailuresTotal prometheus.Counter

	// Background refresh metrics.
	RefreshRunsTotal    prometheus.Counter
	RefreshedCredsTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ResolutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tenantcreds",
			Subsystem: "resolver",
			Name:      "resolutions_total",
			Help:      "Total credential resolutions.",
		}, []string{"auth_type", "status"}),

		ResolutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tenantcreds",
			Subsystem: "resolver",
			Name:      "resolution_duration_seconds",
			Help:      "Credential resolution duration in seconds.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"auth_type"}),

		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tenantcreds",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Credential cache hits.",
		}),

		CacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tenantcreds",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Credential cache misses, including expired entries.",
		}),

		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tenantcreds",
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Current number of cached credentials.",
		}),

		AssumeRoleCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tenantcreds",
			Subsystem: "sts",
			Name:      "assume_role_calls_total",
			Help:      "Total STS AssumeRole calls.",
		}, []string{"status"}),

		AssumeRoleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tenantcreds",
			Subsystem: "sts",
			Name:      "assume_role_duration_seconds",
			Help:      "STS AssumeRole call duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),

		AccountLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tenantcreds",
			Subsystem: "accounts",
			Name:      "lookups_total",
			Help:      "Total account repository lookups.",
		}, []string{"status"}),

		DecryptFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tenantcreds",
			Subsystem: "cipher",
			Name:      "decrypt_failures_total",
			Help:      "Failed decryptions of stored account secrets.",
		}),

		RefreshRunsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tenantcreds",
			Subsystem: "refresher",
			Name:      "runs_total",
			Help:      "Background refresh sweeps executed.",
		}),

		RefreshedCredsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tenantcreds",
			Subsystem: "refresher",
			Name:      "refreshed_total",
			Help:      "Credentials proactively refreshed before expiry.",
		}, []string{"status"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tenantcreds",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tenantcreds",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tenantcreds",
			Name:      "active_requests",
			Help:      "Requests currently being served.",
		}),
	}

	reg.MustRegister(
		m.ResolutionsTotal,
		m.ResolutionDuration,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheEntries,
		m.AssumeRoleCallsTotal,
		m.AssumeRoleDuration,
		m.AccountLookupsTotal,
		m.DecryptFailuresTotal,
		m.RefreshRunsTotal,
		m.RefreshedCredsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

func statusCode(code int) string { return strconv.Itoa(code) }
