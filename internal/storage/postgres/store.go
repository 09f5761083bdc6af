package postgres

import (
	"context"
	"log/slog"
	"sync"

	"gorm.io/gorm"

	"github.com/costq/tenantcreds/internal/account"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger

	mu       sync.Mutex
	accounts account.Store
}

// NewStore wraps an open GORM connection. Use Open to connect.
func NewStore(db *gorm.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Accounts returns the account record store.
func (s *Store) Accounts() account.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accounts == nil {
		s.accounts = NewAccountRepository(s.db)
	}
	return s.accounts
}

// Ping checks the database connection for health/readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Migrate creates/updates the schema.
func (s *Store) Migrate(ctx context.Context) error {
	return autoMigrate(ctx, s.db)
}

// Close releases the database connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns "postgres".
func (s *Store) Driver() string { return "postgres" }
