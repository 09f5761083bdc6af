// Package storage defines the unified Store interface over account
// persistence. Two backends are provided: SQLite (default, zero-config)
// and PostgreSQL (production/multi-instance).
package storage

import (
	"context"

	"github.com/costq/tenantcreds/internal/account"
)

// Store is the persistence entry point. Both backends implement it.
type Store interface {
	// Accounts returns the account record store.
	Accounts() account.Store

	// Ping checks backend connectivity for health/readiness probes.
	Ping(ctx context.Context) error

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
