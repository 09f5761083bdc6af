package postgres

import (
	"time"

	"github.com/google/uuid"

	"github.com/costq/tenantcreds/internal/account"
)

// AccountModel maps to the "accounts" table. Secret columns hold ciphertext
// blobs only; plaintext key material never reaches this type.
type AccountModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	AccountID string    `gorm:"not null;uniqueIndex"`
	Alias     string    `gorm:"not null"`
	Region    string    `gorm:"not null"`
	AuthType  string    `gorm:"not null"`

	EncryptedAccessKey string
	EncryptedSecretKey string

	RoleARN    string
	ExternalID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (AccountModel) TableName() string { return "accounts" }

func toAccountModel(rec *account.Record) *AccountModel {
	return &AccountModel{
		ID:                 rec.ID,
		AccountID:          rec.AccountID,
		Alias:              rec.Alias,
		Region:             rec.Region,
		AuthType:           string(rec.AuthType),
		EncryptedAccessKey: rec.EncryptedAccessKey,
		EncryptedSecretKey: rec.EncryptedSecretKey,
		RoleARN:            rec.RoleARN,
		ExternalID:         rec.ExternalID,
		CreatedAt:          rec.CreatedAt,
		UpdatedAt:          rec.UpdatedAt,
	}
}

func toAccountDomain(m *AccountModel) *account.Record {
	return &account.Record{
		ID:                 m.ID,
		AccountID:          m.AccountID,
		Alias:              m.Alias,
		Region:             m.Region,
		AuthType:           account.AuthType(m.AuthType),
		EncryptedAccessKey: m.EncryptedAccessKey,
		EncryptedSecretKey: m.EncryptedSecretKey,
		RoleARN:            m.RoleARN,
		ExternalID:         m.ExternalID,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}
