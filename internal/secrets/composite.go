package secrets

import (
	"context"
	"fmt"
)

// CompositeProvider chains the configured backends: deployments that keep
// the master key in Vault but fall back to an env var in development declare
// both, and the first backend that resolves the reference wins.
type CompositeProvider struct {
	providers []Provider
}

// NewCompositeProvider creates a provider that delegates to the given providers in order.
func NewCompositeProvider(providers ...Provider) *CompositeProvider {
	return &CompositeProvider{providers: providers}
}

func (p *CompositeProvider) Name() string { return "composite" }

func (p *CompositeProvider) Resolve(ctx context.Context, ref string) (*Secret, error) {
	var lastErr error
	for _, provider := range p.providers {
		secret, err := provider.Resolve(ctx, ref)
		if err == nil {
			return secret, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: no provider could resolve %q", ErrSecretNotFound, ref)
}
