// Package credentials implements per-tenant AWS credential resolution for a
// shared, concurrently-serving process: account lookup, secret decryption,
// cross-account role delegation, expiry-aware caching with single-flight
// refresh, and request-scoped propagation of the resolved credential.
//
// Resolved credentials travel only through the request's context — never
// through process-wide state — so concurrent requests for different tenant
// accounts can never observe each other's credentials.
package credentials

import (
	"log/slog"
	"time"

	"github.com/costq/tenantcreds/internal/account"
)

// Credential is a resolved, ready-to-use AWS credential for one tenant
// account. Ephemeral and in-memory only: never persisted, never logged.
// Read-only after creation.
type Credential struct {
	AccountID string
	Alias     string
	AuthType  account.AuthType
	Region    string

	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string // Present only for delegated credentials.

	// ExpiresAt is the broker-reported expiry for delegated credentials.
	// Zero for static keys, which do not expire on this system's timescale.
	ExpiresAt time.Time
}

// Expired reports whether the credential's broker expiry has passed.
// Static keys never expire.
func (c *Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// clone returns an independent copy so that no two requests ever share a
// mutable credential value.
func (c *Credential) clone() *Credential {
	dup := *c
	return &dup
}

// LogValue implements slog.LogValuer. Only non-sensitive metadata is ever
// emitted — logging a Credential can never leak key material.
func (c *Credential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("account_id", c.AccountID),
		slog.String("alias", c.Alias),
		slog.String("auth_type", string(c.AuthType)),
		slog.String("region", c.Region),
	)
}

// SessionCredentials is the short-lived credential set returned by the
// trust broker for an assumed role.
type SessionCredentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	ExpiresAt       time.Time
}
