// Package config handles loading and validating tenantcreds configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for tenantcreds.
type Config struct {
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite default.
	MasterKey     MasterKeyConfig      `json:"master_key" yaml:"master_key"`                           // Secret reference for the cipher master key.
	Secrets       *SecretsConfig       `json:"secrets,omitempty" yaml:"secrets,omitempty"`             // nil = env-only secrets.
	STS           STSConfig            `json:"sts" yaml:"sts"`                                         // Delegation client settings.
	Cache         CacheConfig          `json:"cache" yaml:"cache"`                                     // Credential cache TTLs and refresh.
	Gateways      GatewaysConfig       `json:"gateways" yaml:"gateways"`                               // HTTP admin API and MCP tool server.
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled.
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data dir.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: ~/.tenantcreds/accounts.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"` // Override: DATABASE_URL env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25.
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5.
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800.
}

// MasterKeyConfig points at the cipher master key in an external secret store.
// The key is fetched exactly once at startup; the process fails fast when it
// cannot be resolved.
type MasterKeyConfig struct {
	// Ref is a secret reference understood by the provider chain,
	// e.g. "env://TENANTCREDS_MASTER_KEY" or "vault://secret/data/tenantcreds#master_key".
	Ref string `json:"ref" yaml:"ref"`
}

// KeyRef returns the configured reference, defaulting to the standard env var.
func (m MasterKeyConfig) KeyRef() string {
	if m.Ref != "" {
		return m.Ref
	}
	return "env://TENANTCREDS_MASTER_KEY"
}

// SecretsConfig configures the secret provider chain.
// When nil, only environment variable-based secrets are available.
type SecretsConfig struct {
	Providers []SecretProviderConfig `json:"providers" yaml:"providers"` // Tried in order.
}

// SecretProviderConfig configures a single secret provider backend.
type SecretProviderConfig struct {
	Type   string            `json:"type" yaml:"type"` // "env" or "vault".
	Config map[string]string `json:"config,omitempty" yaml:"config,omitempty"`
}

// STSConfig configures the role delegation client.
type STSConfig struct {
	Region                 string `json:"region" yaml:"region"`                                     // Override: AWS_REGION env var. Default: us-east-1.
	SessionDurationSeconds int    `json:"session_duration_seconds" yaml:"session_duration_seconds"` // Default: 3600. Clamped to [900, 3600].
	RequestTimeoutSeconds  int    `json:"request_timeout_seconds" yaml:"request_timeout_seconds"`   // Per-attempt timeout. Default: 10.
	MaxAttempts            int    `json:"max_attempts" yaml:"max_attempts"`                         // Retry budget for transient failures. Default: 3.
	SessionPrefix          string `json:"session_prefix" yaml:"session_prefix"`                     // Role session name prefix. Default: "tenantcreds".
}

// SessionDuration returns the requested session lifetime, clamped to the
// broker's allowed range.
func (s STSConfig) SessionDuration() time.Duration {
	d := s.SessionDurationSeconds
	switch {
	case d <= 0:
		d = 3600
	case d < 900:
		d = 900
	case d > 3600:
		d = 3600
	}
	return time.Duration(d) * time.Second
}

// RequestTimeout returns the per-attempt timeout with a default of 10s.
func (s STSConfig) RequestTimeout() time.Duration {
	if s.RequestTimeoutSeconds > 0 {
		return time.Duration(s.RequestTimeoutSeconds) * time.Second
	}
	return 10 * time.Second
}

// Attempts returns the retry budget with a default of 3.
func (s STSConfig) Attempts() int {
	if s.MaxAttempts > 0 {
		return s.MaxAttempts
	}
	return 3
}

// Prefix returns the session name prefix with a default of "tenantcreds".
func (s STSConfig) Prefix() string {
	if s.SessionPrefix != "" {
		return s.SessionPrefix
	}
	return "tenantcreds"
}

// STSRegion returns the region with a default of us-east-1.
func (s STSConfig) STSRegion() string {
	if s.Region != "" {
		return s.Region
	}
	return "us-east-1"
}

// CacheConfig configures the credential cache and background refresh.
type CacheConfig struct {
	StaticTTLSeconds     int    `json:"static_ttl_seconds" yaml:"static_ttl_seconds"`         // Revalidation interval for static keys. Default: 1800.
	ExpiryMarginSeconds  int    `json:"expiry_margin_seconds" yaml:"expiry_margin_seconds"`   // Safety margin before broker expiry. Default: 300.
	RefreshSchedule      string `json:"refresh_schedule" yaml:"refresh_schedule"`             // Cron spec for proactive refresh. Default: "@every 1m". "off" disables.
	RefreshWindowSeconds int    `json:"refresh_window_seconds" yaml:"refresh_window_seconds"` // Refresh entries expiring within this window. Default: 120.
}

// StaticTTL returns the static-key revalidation TTL with a default of 30m.
func (c CacheConfig) StaticTTL() time.Duration {
	if c.StaticTTLSeconds > 0 {
		return time.Duration(c.StaticTTLSeconds) * time.Second
	}
	return 30 * time.Minute
}

// ExpiryMargin returns the safety margin with a default of 5m.
func (c CacheConfig) ExpiryMargin() time.Duration {
	if c.ExpiryMarginSeconds > 0 {
		return time.Duration(c.ExpiryMarginSeconds) * time.Second
	}
	return 5 * time.Minute
}

// Schedule returns the refresh cron spec, or "" when refresh is disabled.
func (c CacheConfig) Schedule() string {
	if c.RefreshSchedule == "off" {
		return ""
	}
	if c.RefreshSchedule != "" {
		return c.RefreshSchedule
	}
	return "@every 1m"
}

// RefreshWindow returns the proactive refresh window with a default of 2m.
func (c CacheConfig) RefreshWindow() time.Duration {
	if c.RefreshWindowSeconds > 0 {
		return time.Duration(c.RefreshWindowSeconds) * time.Second
	}
	return 2 * time.Minute
}

// GatewaysConfig configures the serving surfaces.
type GatewaysConfig struct {
	HTTP *HTTPGatewayConfig `json:"http,omitempty" yaml:"http,omitempty"` // nil = HTTP admin API disabled.
	MCP  *MCPGatewayConfig  `json:"mcp,omitempty" yaml:"mcp,omitempty"`   // nil = MCP tool server disabled.
}

// HTTPGatewayConfig configures the HTTP admin API.
type HTTPGatewayConfig struct {
	Enabled        bool              `json:"enabled" yaml:"enabled"`
	ListenAddr     string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080".
	EnableDocs     bool              `json:"enable_docs" yaml:"enable_docs"`
	APIKeys        map[string]string `json:"api_keys" yaml:"api_keys"`                   // API key → user ID mapping.
	RateLimitRPM   int               `json:"rate_limit_rpm" yaml:"rate_limit_rpm"`       // Per-user requests/minute. 0 = unlimited.
	MaxRequestSize int64             `json:"max_request_size" yaml:"max_request_size"`   // Maximum request body in bytes. 0 = 1 MB default.
}

// Addr returns the listen address with a default of ":8080".
func (h *HTTPGatewayConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// MCPGatewayConfig configures the MCP tool server.
type MCPGatewayConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"` // Default: ":8081".
	Endpoint   string `json:"endpoint" yaml:"endpoint"`       // Default: "/mcp".
}

// Addr returns the listen address with a default of ":8081".
func (m *MCPGatewayConfig) Addr() string {
	if m != nil && m.ListenAddr != "" {
		return m.ListenAddr
	}
	return ":8081"
}

// EndpointPath returns the MCP endpoint path with a default of "/mcp".
func (m *MCPGatewayConfig) EndpointPath() string {
	if m != nil && m.Endpoint != "" {
		return m.Endpoint
	}
	return "/mcp"
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig enables the Prometheus collector.
type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// TracingConfig configures the OTel OTLP exporter.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "tenantcreds".
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP collector endpoint.
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" (default) or "http".
	Insecure    bool    `json:"insecure" yaml:"insecure"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"` // Default: 1.0.
}

// DefaultConfigPath returns the default config file path (~/.tenantcreds/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/tenantcreds.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".tenantcreds", "config.yaml")
}

// DefaultSQLitePath returns the default SQLite database path.
func DefaultSQLitePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tenantcreds.db"
	}
	return filepath.Join(home, ".tenantcreds", "accounts.db")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides — env vars take
// precedence over config file values.
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = dsn
	}
	if region := os.Getenv("AWS_REGION"); region != "" {
		c.STS.Region = region
	}
	if ref := os.Getenv("TENANTCREDS_MASTER_KEY_REF"); ref != "" {
		c.MasterKey.Ref = ref
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.Storage.StorageDriver() == "postgres" {
		if c.Storage == nil || c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage driver is postgres but no DSN is configured (set storage.postgres.dsn or DATABASE_URL)")
		}
	}
	if c.Gateways.HTTP != nil && c.Gateways.HTTP.Enabled && len(c.Gateways.HTTP.APIKeys) == 0 {
		return fmt.Errorf("http gateway is enabled but no API keys are configured")
	}
	return nil
}

// resolvePath expands a leading ~ in the config path.
func resolvePath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
