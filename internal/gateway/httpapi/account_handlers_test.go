package httpapi

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/costq/tenantcreds/internal/account"
)

func TestAccountResponseOmitsSecretMaterial(t *testing.T) {
	rec := &account.Record{
		ID:                 uuid.New(),
		AccountID:          "111122223333",
		Alias:              "prod",
		Region:             "us-east-1",
		AuthType:           account.AuthTypeStaticKeys,
		EncryptedAccessKey: "ciphertext-ak",
		EncryptedSecretKey: "ciphertext-sk",
		CreatedAt:          time.Now().UTC(),
		UpdatedAt:          time.Now().UTC(),
	}

	body, err := json.Marshal(toAccountResponse(rec))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, needle := range []string{"ciphertext-ak", "ciphertext-sk", "encrypted"} {
		if strings.Contains(string(body), needle) {
			t.Errorf("response leaks %q: %s", needle, body)
		}
	}
}

func TestAccountResponseOmitsExternalID(t *testing.T) {
	rec := &account.Record{
		ID:         uuid.New(),
		AccountID:  "444455556666",
		Alias:      "staging",
		Region:     "eu-west-1",
		AuthType:   account.AuthTypeRoleAssumption,
		RoleARN:    "arn:aws:iam::444455556666:role/costq-readonly",
		ExternalID: "ext-confidential",
	}

	body, err := json.Marshal(toAccountResponse(rec))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(body), "ext-confidential") {
		t.Errorf("response leaks the external ID: %s", body)
	}
	if !strings.Contains(string(body), rec.RoleARN) {
		t.Errorf("response should include the role ARN: %s", body)
	}
}

func TestNewCorrelationID(t *testing.T) {
	a, b := newCorrelationID(), newCorrelationID()
	if len(a) != 16 {
		t.Errorf("len = %d, want 16 hex chars", len(a))
	}
	if a == b {
		t.Error("correlation IDs must be unique")
	}
}
