package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/costq/tenantcreds/internal/account"
	"github.com/costq/tenantcreds/internal/observability"
)

// resolveTimeout bounds one full re-derivation (repository lookup plus
// decryption or delegation, including the delegation client's retries).
const resolveTimeout = 30 * time.Second

// SecretCipher decrypts stored account secrets. *crypto.Cipher implements it.
type SecretCipher interface {
	Decrypt(ciphertext string) (string, error)
}

// DelegationClient exchanges a role reference and external ID for short-lived
// credentials from the trust broker. *sts.Client implements it.
type DelegationClient interface {
	AssumeRole(ctx context.Context, roleARN, externalID, sessionName string) (*SessionCredentials, error)
}

// Options tunes Resolver behavior. Zero values fall back to defaults.
type Options struct {
	StaticTTL     time.Duration // Revalidation TTL for static-key credentials. Default: 30m.
	ExpiryMargin  time.Duration // Safety margin subtracted from broker expiry. Default: 5m.
	SessionPrefix string        // Role session name prefix. Default: "tenantcreds".

	Metrics *observability.MetricsCollector // nil = metrics disabled.
	Tracer  trace.Tracer                    // nil = tracing disabled.
}

func (o Options) staticTTL() time.Duration {
	if o.StaticTTL > 0 {
		return o.StaticTTL
	}
	return 30 * time.Minute
}

func (o Options) expiryMargin() time.Duration {
	if o.ExpiryMargin > 0 {
		return o.ExpiryMargin
	}
	return 5 * time.Minute
}

func (o Options) sessionPrefix() string {
	if o.SessionPrefix != "" {
		return o.SessionPrefix
	}
	return "tenantcreds"
}

// Resolver derives per-account credentials: cache first, then the account
// repository plus the strategy matching the account's auth type. Concurrent
// resolutions for the same account collapse into a single in-flight
// derivation; resolutions for different accounts are fully independent.
type Resolver struct {
	accounts account.Store
	cache    *Cache
	opts     Options
	logger   *slog.Logger

	static    staticKeyStrategy
	delegated roleAssumptionStrategy

	group singleflight.Group

	now func() time.Time // injectable clock for tests
}

// NewResolver creates a Resolver over the given collaborators.
func NewResolver(accounts account.Store, cipher SecretCipher, delegate DelegationClient, cache *Cache, opts Options, logger *slog.Logger) *Resolver {
	return &Resolver{
		accounts:  accounts,
		cache:     cache,
		opts:      opts,
		logger:    logger,
		static:    staticKeyStrategy{cipher: cipher},
		delegated: roleAssumptionStrategy{client: delegate, sessionPrefix: opts.sessionPrefix()},
		now:       time.Now,
	}
}

// Resolve returns a credential for the account, from cache when a valid
// entry exists, otherwise by re-deriving it. The returned value is the
// caller's own copy.
//
// If ctx is cancelled while a derivation is in flight, the derivation still
// completes on a detached context and populates the cache for later callers;
// the cancelled caller gets ctx.Err() and must not act on any credential.
func (r *Resolver) Resolve(ctx context.Context, accountID string) (*Credential, error) {
	return r.resolve(ctx, accountID, false)
}

// Refresh re-derives the account's credential even when a valid cache entry
// exists. Used by the background refresher to renew delegated credentials
// before they enter the expiry margin.
func (r *Resolver) Refresh(ctx context.Context, accountID string) (*Credential, error) {
	return r.resolve(ctx, accountID, true)
}

// Invalidate drops any cached credential for the account. Used after an
// account record is deleted or its material rotated.
func (r *Resolver) Invalidate(accountID string) {
	r.cache.Invalidate(accountID)
}

func (r *Resolver) resolve(ctx context.Context, accountID string, force bool) (*Credential, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: empty account id", account.ErrNotFound)
	}

	if r.opts.Tracer != nil {
		var span trace.Span
		ctx, span = r.opts.Tracer.Start(ctx, "credentials.resolve",
			trace.WithAttributes(attribute.String("account.id", accountID)))
		defer span.End()
	}

	if !force {
		if cred, ok := r.cache.Get(accountID); ok {
			if r.opts.Metrics != nil {
				r.opts.Metrics.CacheHitsTotal.Inc()
			}
			return cred, nil
		}
		if r.opts.Metrics != nil {
			r.opts.Metrics.CacheMissesTotal.Inc()
		}
	}

	// Single-flight per account: the first caller performs the refresh,
	// concurrent callers for the same account await its result. The work
	// runs on a detached context so a cancelled caller does not abort a
	// refresh that later callers would benefit from.
	ch := r.group.DoChan(accountID, func() (any, error) {
		if !force {
			// Another caller may have repopulated the cache while we
			// waited for the flight slot.
			if cred, ok := r.cache.Get(accountID); ok {
				return cred, nil
			}
		}

		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
		defer cancel()
		return r.derive(dctx, accountID)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		// Each caller gets its own copy, even when the flight was shared.
		return res.Val.(*Credential).clone(), nil
	}
}

// derive performs one full re-derivation and populates the cache on success.
// Failures are never cached: a broken account fails deterministically on
// every attempt until its record or the broker's trust policy changes.
func (r *Resolver) derive(ctx context.Context, accountID string) (*Credential, error) {
	start := r.now()

	rec, err := r.accounts.GetByAccountID(ctx, accountID)
	if err != nil {
		r.recordLookup(err)
		r.observe("", "error", start)
		return nil, fmt.Errorf("resolving account %s: %w", accountID, err)
	}
	r.recordLookup(nil)

	r.logger.InfoContext(ctx, "resolving credential",
		slog.String("account_id", rec.AccountID),
		slog.String("alias", rec.Alias),
		slog.String("auth_type", string(rec.AuthType)),
	)

	var (
		cred       *Credential
		validUntil time.Time
	)
	switch rec.AuthType {
	case account.AuthTypeStaticKeys:
		cred, err = r.static.resolve(ctx, rec)
		if err != nil && r.opts.Metrics != nil {
			r.opts.Metrics.DecryptFailuresTotal.Inc()
		}
		validUntil = r.now().Add(r.opts.staticTTL())
	case account.AuthTypeRoleAssumption:
		cred, err = r.delegated.resolve(ctx, rec)
		if err == nil {
			validUntil = cred.ExpiresAt.Add(-r.opts.expiryMargin())
		}
	default:
		err = fmt.Errorf("account %s: unknown auth type %q", rec.AccountID, rec.AuthType)
	}
	if err != nil {
		r.observe(string(rec.AuthType), "error", start)
		return nil, err
	}

	r.cache.Put(accountID, cred, validUntil)
	if r.opts.Metrics != nil {
		r.opts.Metrics.CacheEntries.Set(float64(r.cache.Len()))
	}
	r.observe(string(rec.AuthType), "success", start)

	return cred, nil
}

func (r *Resolver) recordLookup(err error) {
	if r.opts.Metrics == nil {
		return
	}
	switch {
	case err == nil:
		r.opts.Metrics.AccountLookupsTotal.WithLabelValues("found").Inc()
	case errors.Is(err, account.ErrNotFound):
		r.opts.Metrics.AccountLookupsTotal.WithLabelValues("not_found").Inc()
	default:
		r.opts.Metrics.AccountLookupsTotal.WithLabelValues("error").Inc()
	}
}

func (r *Resolver) observe(authType, status string, start time.Time) {
	if r.opts.Metrics == nil {
		return
	}
	if authType == "" {
		authType = "unknown"
	}
	r.opts.Metrics.ResolutionsTotal.WithLabelValues(authType, status).Inc()
	if status == "success" {
		r.opts.Metrics.ResolutionDuration.WithLabelValues(authType).Observe(r.now().Sub(start).Seconds())
	}
}

// --- Strategies ---
//
// The auth-type branch is a closed set: each strategy turns an account
// record into a resolved credential its own way, and the Resolver selects
// one on the record's declared auth type.

type staticKeyStrategy struct {
	cipher SecretCipher
}

func (s staticKeyStrategy) resolve(_ context.Context, rec *account.Record) (*Credential, error) {
	accessKey, err := s.cipher.Decrypt(rec.EncryptedAccessKey)
	if err != nil {
		return nil, fmt.Errorf("account %s access key: %w", rec.AccountID, err)
	}
	secretKey, err := s.cipher.Decrypt(rec.EncryptedSecretKey)
	if err != nil {
		return nil, fmt.Errorf("account %s secret key: %w", rec.AccountID, err)
	}

	return &Credential{
		AccountID:       rec.AccountID,
		Alias:           rec.Alias,
		AuthType:        rec.AuthType,
		Region:          rec.Region,
		AccessKeyID:     accessKey,
		SecretAccessKey: secretKey,
	}, nil
}

type roleAssumptionStrategy struct {
	client        DelegationClient
	sessionPrefix string
}

func (s roleAssumptionStrategy) resolve(ctx context.Context, rec *account.Record) (*Credential, error) {
	// Unique session name per delegation, for broker-side audit trails.
	sessionName := fmt.Sprintf("%s-%s", s.sessionPrefix, uuid.New())

	sess, err := s.client.AssumeRole(ctx, rec.RoleARN, rec.ExternalID, sessionName)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", rec.AccountID, err)
	}
	if !sess.ExpiresAt.After(time.Now()) {
		return nil, fmt.Errorf("account %s: broker returned already-expired credentials", rec.AccountID)
	}

	return &Credential{
		AccountID:       rec.AccountID,
		Alias:           rec.Alias,
		AuthType:        rec.AuthType,
		Region:          rec.Region,
		AccessKeyID:     sess.AccessKeyID,
		SecretAccessKey: sess.SecretAccessKey,
		SessionToken:    sess.SessionToken,
		ExpiresAt:       sess.ExpiresAt,
	}, nil
}
