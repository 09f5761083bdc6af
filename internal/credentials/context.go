package credentials

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotBound indicates the context carries no credential binding.
	ErrNotBound = errors.New("no credential bound to context")
	// ErrExpired indicates the bound credential has expired and no
	// refresher was attached to the binding.
	ErrExpired = errors.New("bound credential has expired")
)

// Refresher re-derives a credential for an account. *Resolver implements it.
type Refresher interface {
	Resolve(ctx context.Context, accountID string) (*Credential, error)
}

type contextKey struct{}

type binding struct {
	cred      *Credential
	refresher Refresher // nil when bound without refresh support
}

// Bind returns a child context carrying the credential. The binding is
// visible only to the returned context and its descendants; sibling request
// contexts are unaffected.
func Bind(ctx context.Context, cred *Credential) context.Context {
	return context.WithValue(ctx, contextKey{}, binding{cred: cred})
}

// BindWithRefresh is Bind plus a refresher: when the bound credential later
// expires mid-request, Current transparently re-resolves through it instead
// of failing with ErrExpired.
func BindWithRefresh(ctx context.Context, cred *Credential, r Refresher) context.Context {
	return context.WithValue(ctx, contextKey{}, binding{cred: cred, refresher: r})
}

// FromContext returns the bound credential without an expiry check. Use
// Current for anything that will present the credential to AWS.
func FromContext(ctx context.Context) (*Credential, bool) {
	b, ok := ctx.Value(contextKey{}).(binding)
	if !ok {
		return nil, false
	}
	return b.cred, true
}

// Current returns the bound credential, guaranteed unexpired at the time of
// the call. An unbound context yields ErrNotBound, never some ambient
// default identity. An expired binding is re-resolved through the attached
// refresher, or rejected with ErrExpired when none was attached.
func Current(ctx context.Context) (*Credential, error) {
	b, ok := ctx.Value(contextKey{}).(binding)
	if !ok {
		return nil, ErrNotBound
	}
	if !b.cred.Expired(timeNow()) {
		return b.cred, nil
	}
	if b.refresher == nil {
		return nil, ErrExpired
	}
	cred, err := b.refresher.Resolve(ctx, b.cred.AccountID)
	if err != nil {
		return nil, err
	}
	return cred, nil
}

// timeNow is swapped in tests to exercise expiry paths.
var timeNow = time.Now
