package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/costq/tenantcreds/internal/account"
)

// AccountRepository implements account.Store with GORM. Shared by the
// PostgreSQL and SQLite backends.
type AccountRepository struct {
	db *gorm.DB
}

// NewAccountRepository creates an AccountRepository.
func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// Create persists a new account record.
func (r *AccountRepository) Create(ctx context.Context, rec *account.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	if err := r.db.WithContext(ctx).Create(toAccountModel(rec)).Error; err != nil {
		return fmt.Errorf("creating account %s: %w", rec.AccountID, mapStoreError(err))
	}
	return nil
}

// GetByAccountID retrieves the record for one tenant account.
func (r *AccountRepository) GetByAccountID(ctx context.Context, accountID string) (*account.Record, error) {
	var model AccountModel
	if err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		First(&model).Error; err != nil {
		return nil, fmt.Errorf("getting account %s: %w", accountID, mapStoreError(err))
	}
	return toAccountDomain(&model), nil
}

// List returns all account records ordered by alias.
func (r *AccountRepository) List(ctx context.Context) ([]account.Record, error) {
	var models []AccountModel
	if err := r.db.WithContext(ctx).
		Order("alias ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing accounts: %w", mapStoreError(err))
	}
	result := make([]account.Record, len(models))
	for i := range models {
		result[i] = *toAccountDomain(&models[i])
	}
	return result, nil
}

// Delete removes the record for one tenant account.
func (r *AccountRepository) Delete(ctx context.Context, accountID string) error {
	res := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Delete(&AccountModel{})
	if res.Error != nil {
		return fmt.Errorf("deleting account %s: %w", accountID, mapStoreError(res.Error))
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("deleting account %s: %w", accountID, account.ErrNotFound)
	}
	return nil
}

// mapStoreError translates driver errors into the account package's
// sentinels. Callers depend on the distinction: ErrNotFound is terminal,
// ErrStoreUnavailable clears on its own once the backend recovers.
func mapStoreError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return account.ErrNotFound
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return account.ErrAlreadyExists
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 23: integrity violations. 23505 is unique_violation.
		if pgErr.Code == "23505" {
			return account.ErrAlreadyExists
		}
		// Class 08: connection exceptions. Class 57: operator
		// intervention (shutdown, crash recovery).
		if strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57") {
			return fmt.Errorf("%w: %s", account.ErrStoreUnavailable, pgErr.Code)
		}
		return err
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return fmt.Errorf("%w: connect failed", account.ErrStoreUnavailable)
	}

	// glebarez/sqlite reports constraint failures as plain strings.
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return account.ErrAlreadyExists
	}
	return err
}
