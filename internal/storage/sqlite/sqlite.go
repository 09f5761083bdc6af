// Package sqlite implements the unified Store interface using SQLite via
// GORM. Uses modernc.org/sqlite (pure Go, no CGO) through the
// glebarez/sqlite GORM driver. WAL mode is enabled by default so reads
// stay concurrent with the occasional write.
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/costq/tenantcreds/internal/account"
	pgstore "github.com/costq/tenantcreds/internal/storage/postgres"
)

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string // Database file path.
	JournalMode string // WAL mode by default.
}

func (c Config) journalMode() string {
	if c.JournalMode != "" {
		return c.JournalMode
	}
	return "WAL"
}

// Store implements storage.Store backed by SQLite.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	path   string

	mu       sync.Mutex
	accounts account.Store
}

// Open creates a new SQLite-backed Store, creating the parent directory
// when needed.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, fmt.Errorf("creating sqlite directory: %w", err)
	}

	gormLogger := logger.New(
		slogWriter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)",
		cfg.Path, cfg.journalMode())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite at %s: %w", cfg.Path, err)
	}

	// A single writer connection sidesteps SQLITE_BUSY under write load.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	slogger.Info("sqlite opened",
		slog.String("path", cfg.Path),
		slog.String("journal_mode", cfg.journalMode()),
	)

	return &Store{db: db, logger: slogger, path: cfg.Path}, nil
}

// Accounts returns the account record store. The repository is shared with
// the PostgreSQL backend; GORM papers over the dialect differences for the
// queries it runs.
func (s *Store) Accounts() account.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accounts == nil {
		s.accounts = pgstore.NewAccountRepository(s.db)
	}
	return s.accounts
}

// Ping checks the database file is still reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Migrate creates/updates the schema.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&pgstore.AccountModel{})
}

// Close releases the database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns "sqlite".
func (s *Store) Driver() string { return "sqlite" }

// slogWriter adapts *slog.Logger to GORM's logger.Writer interface.
type slogWriter struct {
	logger *slog.Logger
}

func (w slogWriter) Printf(format string, args ...any) {
	w.logger.Warn(fmt.Sprintf(format, args...))
}
