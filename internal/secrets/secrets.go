// Package secrets defines the SecretProvider interface used to fetch
// server-held secrets at startup — most importantly the cipher master key.
// Implementations are backend-specific (env vars, HashiCorp Vault).
// Resolved secret material is held only in memory and is never logged,
// persisted, or included in error messages.
package secrets

import (
	"context"
	"fmt"

	"github.com/costq/tenantcreds/internal/config"
)

// Secret holds resolved secret material.
// This type MUST NOT be serialized to JSON or written to logs.
type Secret struct {
	Value    string            // The raw secret value (master key, token).
	Metadata map[string]string // Backend-specific metadata (e.g., source, version).
}

// Provider resolves opaque secret references into secret material.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Resolve takes a secret reference (e.g., "env://TENANTCREDS_MASTER_KEY"
	// or "vault://secret/data/tenantcreds#master_key") and returns the raw
	// secret. Returns ErrSecretNotFound if the reference cannot be resolved.
	Resolve(ctx context.Context, ref string) (*Secret, error)

	// Name returns the provider identifier for logging (never includes secrets).
	Name() string
}

// ErrSecretNotFound is returned when a secret reference cannot be resolved.
var ErrSecretNotFound = fmt.Errorf("secret not found")

// FromConfig builds the provider chain declared in config.
// With a nil config only environment variable references are supported.
func FromConfig(cfg *config.SecretsConfig) (Provider, error) {
	if cfg == nil || len(cfg.Providers) == 0 {
		return NewEnvProvider(), nil
	}

	providers := make([]Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		switch pc.Type {
		case "env":
			providers = append(providers, NewEnvProvider())
		case "vault":
			vp, err := NewVaultProvider(pc.Config)
			if err != nil {
				return nil, fmt.Errorf("configuring vault provider: %w", err)
			}
			providers = append(providers, vp)
		default:
			return nil, fmt.Errorf("unknown secret provider type %q", pc.Type)
		}
	}
	if len(providers) == 1 {
		return providers[0], nil
	}
	return NewCompositeProvider(providers...), nil
}
