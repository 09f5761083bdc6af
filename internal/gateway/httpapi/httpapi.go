// Package httpapi implements the HTTP admin gateway: tenant account
// management and end-to-end credential verification.
//
// Security:
//   - API key authentication on every request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-user rate limiting via token bucket
//   - Plaintext key material is accepted only on account creation, encrypted
//     immediately, and never echoed back in any response or log
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/costq/tenantcreds/internal/credentials"
	"github.com/costq/tenantcreds/internal/observability"
	"github.com/costq/tenantcreds/internal/ratelimit"
	"github.com/costq/tenantcreds/internal/storage"
	"github.com/costq/tenantcreds/internal/sts"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP admin gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key → operator ID mapping. Keys from env.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /ready endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP admin gateway.
type Gateway struct {
	config   Config
	store    storage.Store
	cipher   Encryptor
	resolver *credentials.Resolver
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	server   *http.Server

	// whoAmI is swapped in tests; the default asks the real broker.
	whoAmI func(ctx context.Context) (*sts.CallerIdentity, error)

	okapi *okapi.Okapi
	group *okapi.Group
}

// Encryptor encrypts plaintext secrets for storage. *crypto.Cipher implements it.
type Encryptor interface {
	credentials.SecretCipher
	Encrypt(plaintext string) (string, error)
}

// NewGateway creates an HTTP admin gateway.
func NewGateway(cfg Config, store storage.Store, cipher Encryptor, resolver *credentials.Resolver, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:   cfg,
		store:    store,
		cipher:   cipher,
		resolver: resolver,
		limiter:  rl,
		logger:   logger,
		whoAmI:   sts.WhoAmI,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithOpenAPIDocs mounts the generated OpenAPI documentation.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "tenantcreds",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/accounts", g.handleAccountCreate,
		okapi.DocSummary("Register a tenant account"),
		okapi.DocTags("Accounts"),
		okapi.DocRequestBody(AccountRequest{}),
		okapi.DocResponse(http.StatusCreated, AccountResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Get("/accounts", g.handleAccountList,
		okapi.DocSummary("List registered tenant accounts"),
		okapi.DocTags("Accounts"),
		okapi.DocResponse([]AccountResponse{}),
	)
	g.group.Get("/accounts/{account_id}", g.handleAccountGet,
		okapi.DocSummary("Get a tenant account"),
		okapi.DocTags("Accounts"),
		okapi.DocPathParam("account_id", "string", "AWS account number"),
		okapi.DocResponse(AccountResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/accounts/{account_id}", g.handleAccountDelete,
		okapi.DocSummary("Delete a tenant account"),
		okapi.DocTags("Accounts"),
		okapi.DocPathParam("account_id", "string", "AWS account number"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/accounts/{account_id}/verify", g.handleAccountVerify,
		okapi.DocSummary("Resolve the account's credential and verify it against AWS"),
		okapi.DocTags("Accounts"),
		okapi.DocPathParam("account_id", "string", "AWS account number"),
		okapi.DocResponse(VerifyResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
	)
	g.group.Get("/healthz", g.handleHealth,
		okapi.DocSummary("Authenticated health check"),
		okapi.DocTags("Health"),
		okapi.DocResponse(HealthResponse{}),
	)

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http admin gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http admin gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// HealthResponse is the JSON response for the health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleHealth(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the API key and stores the mapped operator ID on
// the request context.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		operatorID := ""
		for key, id := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				operatorID = id
			}
		}
		if operatorID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		if g.limiter != nil {
			if err := g.limiter.Allow(operatorID); err != nil {
				return c.AbortTooManyRequests("rate limit exceeded")
			}
		}
		c.Set("operatorID", operatorID)
		return next(c)
	}
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
