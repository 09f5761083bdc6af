// Package account defines the tenant account domain model and the
// persistence contract for account records. Records carry the material
// needed to derive AWS credentials for one tenant account: either an
// encrypted static key pair or a role reference plus external ID.
package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuthType selects the credential derivation strategy for an account.
type AuthType string

const (
	// AuthTypeStaticKeys means the account holds a long-lived key pair,
	// stored encrypted at rest.
	AuthTypeStaticKeys AuthType = "static_keys"
	// AuthTypeRoleAssumption means credentials are obtained by assuming
	// an IAM role with the account's external ID.
	AuthTypeRoleAssumption AuthType = "role_assumption"
)

// Valid reports whether t is a known auth type.
func (t AuthType) Valid() bool {
	return t == AuthTypeStaticKeys || t == AuthTypeRoleAssumption
}

var (
	// ErrNotFound is returned when no record exists for the given account ID.
	// Not retryable.
	ErrNotFound = errors.New("account not found")

	// ErrStoreUnavailable is returned when the account store could not be
	// reached. Retryable by the caller; never substituted with stale data.
	ErrStoreUnavailable = errors.New("account store unavailable")

	// ErrAlreadyExists is returned on Create when the account ID is taken.
	ErrAlreadyExists = errors.New("account already exists")
)

// Record is a tenant account as persisted in the account store.
// Exactly one of the two credential-material groups is populated,
// determined by AuthType. Secret material is ciphertext only — plaintext
// keys never touch this type.
type Record struct {
	ID        uuid.UUID
	AccountID string // AWS account number, unique, immutable.
	Alias     string // Display name, e.g. "production".
	Region    string // Default region for clients built from this account.
	AuthType  AuthType

	// static_keys material (ciphertext blobs).
	EncryptedAccessKey string
	EncryptedSecretKey string

	// role_assumption material.
	RoleARN    string
	ExternalID string // Confused-deputy token bound to this role.

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the auth-type invariant: the material for the declared
// auth type is present and the other group is empty.
func (r *Record) Validate() error {
	if r.AccountID == "" {
		return fmt.Errorf("account_id is required")
	}
	switch r.AuthType {
	case AuthTypeStaticKeys:
		if r.EncryptedAccessKey == "" || r.EncryptedSecretKey == "" {
			return fmt.Errorf("account %s: static_keys requires both encrypted key fields", r.AccountID)
		}
		if r.RoleARN != "" || r.ExternalID != "" {
			return fmt.Errorf("account %s: static_keys must not carry role material", r.AccountID)
		}
	case AuthTypeRoleAssumption:
		if r.RoleARN == "" {
			return fmt.Errorf("account %s: role_assumption requires a role ARN", r.AccountID)
		}
		if r.ExternalID == "" {
			return fmt.Errorf("account %s: role_assumption requires an external ID", r.AccountID)
		}
		if r.EncryptedAccessKey != "" || r.EncryptedSecretKey != "" {
			return fmt.Errorf("account %s: role_assumption must not carry static key material", r.AccountID)
		}
	default:
		return fmt.Errorf("account %s: unknown auth type %q", r.AccountID, r.AuthType)
	}
	return nil
}

// Store is the persistence interface for account records.
// Implementations must distinguish ErrNotFound (no such row) from
// ErrStoreUnavailable (connectivity failure): callers treat the former as
// terminal and the latter as retryable.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	GetByAccountID(ctx context.Context, accountID string) (*Record, error)
	List(ctx context.Context) ([]Record, error)
	Delete(ctx context.Context, accountID string) error
}
