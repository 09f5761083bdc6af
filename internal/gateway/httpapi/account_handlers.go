package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/costq/tenantcreds/internal/account"
	"github.com/costq/tenantcreds/internal/credentials"
)

// AccountRequest is the JSON body for POST /v1/accounts. For static_keys
// accounts the plaintext key pair is supplied once, encrypted on arrival,
// and discarded; it never appears in any response.
type AccountRequest struct {
	AccountID string `json:"account_id"`
	Alias     string `json:"alias"`
	Region    string `json:"region"`
	AuthType  string `json:"auth_type"` // "static_keys" or "role_assumption"

	// static_keys material (plaintext, create-only).
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`

	// role_assumption material.
	RoleARN    string `json:"role_arn,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
}

// AccountResponse is the JSON representation of a registered account.
// It carries no secret material: neither plaintext keys, nor ciphertext,
// nor the external ID.
type AccountResponse struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Alias     string    `json:"alias"`
	Region    string    `json:"region"`
	AuthType  string    `json:"auth_type"`
	RoleARN   string    `json:"role_arn,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toAccountResponse(rec *account.Record) AccountResponse {
	return AccountResponse{
		ID:        rec.ID.String(),
		AccountID: rec.AccountID,
		Alias:     rec.Alias,
		Region:    rec.Region,
		AuthType:  string(rec.AuthType),
		RoleARN:   rec.RoleARN,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

func (g *Gateway) handleAccountCreate(c *okapi.Context) error {
	operatorID := c.GetString("operatorID")
	if g.limiter != nil {
		if err := g.limiter.Allow(operatorID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req AccountRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.AccountID == "" {
		return c.AbortBadRequest("account_id is required")
	}
	if req.Region == "" {
		return c.AbortBadRequest("region is required")
	}

	rec := &account.Record{
		AccountID: req.AccountID,
		Alias:     req.Alias,
		Region:    req.Region,
		AuthType:  account.AuthType(req.AuthType),
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	switch rec.AuthType {
	case account.AuthTypeStaticKeys:
		if req.AccessKeyID == "" || req.SecretAccessKey == "" {
			return c.AbortBadRequest("static_keys requires access_key_id and secret_access_key")
		}
		encAK, err := g.cipher.Encrypt(req.AccessKeyID)
		if err != nil {
			return c.AbortInternalServerError("encryption failed")
		}
		encSK, err := g.cipher.Encrypt(req.SecretAccessKey)
		if err != nil {
			return c.AbortInternalServerError("encryption failed")
		}
		rec.EncryptedAccessKey = encAK
		rec.EncryptedSecretKey = encSK
	case account.AuthTypeRoleAssumption:
		if req.RoleARN == "" || req.ExternalID == "" {
			return c.AbortBadRequest("role_assumption requires role_arn and external_id")
		}
		rec.RoleARN = req.RoleARN
		rec.ExternalID = req.ExternalID
	default:
		return c.AbortBadRequest("auth_type must be \"static_keys\" or \"role_assumption\"")
	}

	if err := rec.Validate(); err != nil {
		return c.AbortBadRequest(err.Error())
	}

	if err := g.store.Accounts().Create(c.Context(), rec); err != nil {
		if errors.Is(err, account.ErrAlreadyExists) {
			return c.JSON(http.StatusConflict, okapi.M{"error": "account already exists"})
		}
		g.logger.Error("account create failed",
			slog.String("operator_id", operatorID),
			slog.String("account_id", req.AccountID),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("account create failed")
	}

	g.logger.Info("account registered",
		slog.String("operator_id", operatorID),
		slog.String("account_id", rec.AccountID),
		slog.String("auth_type", string(rec.AuthType)),
	)
	return c.JSON(http.StatusCreated, toAccountResponse(rec))
}

func (g *Gateway) handleAccountList(c *okapi.Context) error {
	recs, err := g.store.Accounts().List(c.Context())
	if err != nil {
		return storeError(c, err)
	}
	resp := make([]AccountResponse, len(recs))
	for i := range recs {
		resp[i] = toAccountResponse(&recs[i])
	}
	return c.OK(resp)
}

func (g *Gateway) handleAccountGet(c *okapi.Context) error {
	rec, err := g.store.Accounts().GetByAccountID(c.Context(), c.Param("account_id"))
	if err != nil {
		return storeError(c, err)
	}
	return c.OK(toAccountResponse(rec))
}

func (g *Gateway) handleAccountDelete(c *okapi.Context) error {
	accountID := c.Param("account_id")
	if err := g.store.Accounts().Delete(c.Context(), accountID); err != nil {
		return storeError(c, err)
	}
	// Drop any cached credential so a re-registered account starts clean.
	g.resolver.Invalidate(accountID)

	g.logger.Info("account deleted",
		slog.String("operator_id", c.GetString("operatorID")),
		slog.String("account_id", accountID),
	)
	return c.OK(map[string]string{"status": "deleted"})
}

// VerifyResponse is the JSON response for POST /v1/accounts/{id}/verify:
// the identity AWS reports for the account's resolved credential.
type VerifyResponse struct {
	AccountID     string    `json:"account_id"`
	AuthType      string    `json:"auth_type"`
	CallerAccount string    `json:"caller_account"`
	CallerARN     string    `json:"caller_arn"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
	CorrelationID string    `json:"correlation_id"`
}

func (g *Gateway) handleAccountVerify(c *okapi.Context) error {
	operatorID := c.GetString("operatorID")
	if g.limiter != nil {
		if err := g.limiter.Allow(operatorID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	accountID := c.Param("account_id")
	correlationID := newCorrelationID()

	cred, err := g.resolver.Resolve(c.Context(), accountID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "account not found"})
		}
		g.logger.Error("credential resolution failed",
			slog.String("correlation_id", correlationID),
			slog.String("account_id", accountID),
			slog.String("error", err.Error()),
		)
		return c.JSON(http.StatusBadGateway, okapi.M{"error": "credential resolution failed"})
	}

	// Bind the credential to this request's context and ask the broker who
	// it authenticates as. End-to-end proof without leaking any material.
	// Bound with the resolver so a credential expiring mid-request is
	// re-resolved instead of failing the read.
	ctx := credentials.BindWithRefresh(c.Context(), cred, g.resolver)
	id, err := g.whoAmI(ctx)
	if err != nil {
		g.logger.Error("credential verification failed",
			slog.String("correlation_id", correlationID),
			slog.String("account_id", accountID),
			slog.String("error", err.Error()),
		)
		return c.JSON(http.StatusBadGateway, okapi.M{"error": "credential verification failed"})
	}

	g.logger.Info("account verified",
		slog.String("operator_id", operatorID),
		slog.String("correlation_id", correlationID),
		slog.String("account_id", accountID),
		slog.String("caller_arn", id.ARN),
	)
	return c.OK(VerifyResponse{
		AccountID:     cred.AccountID,
		AuthType:      string(cred.AuthType),
		CallerAccount: id.Account,
		CallerARN:     id.ARN,
		ExpiresAt:     cred.ExpiresAt,
		CorrelationID: correlationID,
	})
}

// storeError maps account store errors to HTTP responses.
func storeError(c *okapi.Context, err error) error {
	switch {
	case errors.Is(err, account.ErrNotFound):
		return c.JSON(http.StatusNotFound, okapi.M{"error": "account not found"})
	case errors.Is(err, account.ErrStoreUnavailable):
		return c.AbortServiceUnavailable("account store unavailable")
	default:
		return c.AbortInternalServerError("account store error")
	}
}
