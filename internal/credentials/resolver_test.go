package credentials

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/costq/tenantcreds/internal/account"
	"github.com/costq/tenantcreds/internal/crypto"
	"github.com/costq/tenantcreds/internal/observability"
)

// --- Fakes ---

type fakeStore struct {
	mu      sync.Mutex
	records map[string]*account.Record
	err     error
	calls   atomic.Int64
}

func newFakeStore(recs ...*account.Record) *fakeStore {
	s := &fakeStore{records: make(map[string]*account.Record)}
	for _, r := range recs {
		s.records[r.AccountID] = r
	}
	return s
}

func (s *fakeStore) GetByAccountID(_ context.Context, accountID string) (*account.Record, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[accountID]
	if !ok {
		return nil, account.ErrNotFound
	}
	dup := *rec
	return &dup, nil
}

func (s *fakeStore) Create(_ context.Context, rec *account.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.AccountID] = rec
	return nil
}

func (s *fakeStore) List(context.Context) ([]account.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]account.Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, *r)
	}
	return out, nil
}

func (s *fakeStore) Delete(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, accountID)
	return nil
}

type fakeCipher struct {
	err   error
	calls atomic.Int64
}

// Decrypt strips a "enc:" prefix, standing in for real decryption.
func (c *fakeCipher) Decrypt(ciphertext string) (string, error) {
	c.calls.Add(1)
	if c.err != nil {
		return "", c.err
	}
	return strings.TrimPrefix(ciphertext, "enc:"), nil
}

type fakeDelegate struct {
	err      error
	lifetime time.Duration
	delay    time.Duration
	calls    atomic.Int64

	mu           sync.Mutex
	sessionNames []string
}

func (d *fakeDelegate) AssumeRole(ctx context.Context, roleARN, externalID, sessionName string) (*SessionCredentials, error) {
	d.calls.Add(1)
	d.mu.Lock()
	d.sessionNames = append(d.sessionNames, sessionName)
	d.mu.Unlock()

	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	lifetime := d.lifetime
	if lifetime == 0 {
		lifetime = time.Hour
	}
	return &SessionCredentials{
		AccessKeyID:     "ASIA" + roleARN[len(roleARN)-4:],
		SecretAccessKey: "delegated-secret",
		SessionToken:    "token-" + externalID,
		ExpiresAt:       time.Now().Add(lifetime),
	}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func staticRecord(accountID string) *account.Record {
	return &account.Record{
		AccountID:          accountID,
		Alias:              "acct-" + accountID,
		Region:             "us-east-1",
		AuthType:           account.AuthTypeStaticKeys,
		EncryptedAccessKey: "enc:AKIA" + accountID,
		EncryptedSecretKey: "enc:secret-" + accountID,
	}
}

func roleRecord(accountID string) *account.Record {
	return &account.Record{
		AccountID:  accountID,
		Alias:      "acct-" + accountID,
		Region:     "eu-west-1",
		AuthType:   account.AuthTypeRoleAssumption,
		RoleARN:    fmt.Sprintf("arn:aws:iam::%s:role/costq-readonly", accountID),
		ExternalID: "ext-" + accountID,
	}
}

func newTestResolver(store account.Store, cipher SecretCipher, delegate DelegationClient, opts Options) (*Resolver, *Cache) {
	cache := NewCache()
	return NewResolver(store, cipher, delegate, cache, opts, discardLogger()), cache
}

// --- Tests ---

func TestResolveStaticKeys(t *testing.T) {
	store := newFakeStore(staticRecord("111122223333"))
	cipher := &fakeCipher{}
	r, _ := newTestResolver(store, cipher, &fakeDelegate{}, Options{})

	cred, err := r.Resolve(context.Background(), "111122223333")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cred.AccessKeyID != "AKIA111122223333" {
		t.Errorf("AccessKeyID = %q", cred.AccessKeyID)
	}
	if cred.SecretAccessKey != "secret-111122223333" {
		t.Errorf("SecretAccessKey = %q", cred.SecretAccessKey)
	}
	if cred.SessionToken != "" {
		t.Errorf("static credential must not carry a session token, got %q", cred.SessionToken)
	}
	if !cred.ExpiresAt.IsZero() {
		t.Errorf("static credential must have zero expiry, got %v", cred.ExpiresAt)
	}
	if cred.Region != "us-east-1" {
		t.Errorf("Region = %q", cred.Region)
	}
}

func TestResolveRoleAssumption(t *testing.T) {
	store := newFakeStore(roleRecord("444455556666"))
	delegate := &fakeDelegate{}
	r, _ := newTestResolver(store, &fakeCipher{}, delegate, Options{SessionPrefix: "costq"})

	cred, err := r.Resolve(context.Background(), "444455556666")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cred.SessionToken == "" {
		t.Error("delegated credential must carry a session token")
	}
	if cred.ExpiresAt.IsZero() || !cred.ExpiresAt.After(time.Now()) {
		t.Errorf("delegated credential must have a future expiry, got %v", cred.ExpiresAt)
	}

	delegate.mu.Lock()
	defer delegate.mu.Unlock()
	if len(delegate.sessionNames) != 1 || !strings.HasPrefix(delegate.sessionNames[0], "costq-") {
		t.Errorf("session names = %v, want one with prefix costq-", delegate.sessionNames)
	}
}

func TestResolveSessionNamesAreUnique(t *testing.T) {
	store := newFakeStore(roleRecord("444455556666"))
	delegate := &fakeDelegate{}
	r, _ := newTestResolver(store, &fakeCipher{}, delegate, Options{})

	for i := 0; i < 3; i++ {
		if _, err := r.Refresh(context.Background(), "444455556666"); err != nil {
			t.Fatalf("Refresh: %v", err)
		}
	}

	delegate.mu.Lock()
	defer delegate.mu.Unlock()
	seen := make(map[string]bool)
	for _, name := range delegate.sessionNames {
		if seen[name] {
			t.Fatalf("session name %q reused", name)
		}
		seen[name] = true
	}
}

func TestResolveCacheHitSkipsBackends(t *testing.T) {
	store := newFakeStore(staticRecord("111122223333"))
	cipher := &fakeCipher{}
	r, _ := newTestResolver(store, cipher, &fakeDelegate{}, Options{})

	for i := 0; i < 5; i++ {
		if _, err := r.Resolve(context.Background(), "111122223333"); err != nil {
			t.Fatalf("Resolve #%d: %v", i, err)
		}
	}

	if got := store.calls.Load(); got != 1 {
		t.Errorf("store calls = %d, want 1", got)
	}
	if got := cipher.calls.Load(); got != 2 { // access key + secret key, once
		t.Errorf("cipher calls = %d, want 2", got)
	}
}

func TestResolveAccountsAreIsolated(t *testing.T) {
	store := newFakeStore(staticRecord("111122223333"), roleRecord("444455556666"))
	r, _ := newTestResolver(store, &fakeCipher{}, &fakeDelegate{}, Options{})

	a, err := r.Resolve(context.Background(), "111122223333")
	if err != nil {
		t.Fatalf("Resolve a: %v", err)
	}
	b, err := r.Resolve(context.Background(), "444455556666")
	if err != nil {
		t.Fatalf("Resolve b: %v", err)
	}

	if a.AccountID == b.AccountID || a.AccessKeyID == b.AccessKeyID {
		t.Errorf("credentials for distinct accounts must differ: %v vs %v", a.AccountID, b.AccountID)
	}

	// A second resolve must return the same identity back, not the other
	// tenant's.
	again, err := r.Resolve(context.Background(), "111122223333")
	if err != nil {
		t.Fatalf("Resolve again: %v", err)
	}
	if again.AccessKeyID != a.AccessKeyID {
		t.Errorf("cache returned wrong tenant's credential: %q != %q", again.AccessKeyID, a.AccessKeyID)
	}
}

func TestResolveSingleFlight(t *testing.T) {
	store := newFakeStore(roleRecord("444455556666"))
	delegate := &fakeDelegate{delay: 50 * time.Millisecond}
	r, _ := newTestResolver(store, &fakeCipher{}, delegate, Options{})

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Resolve(context.Background(), "444455556666")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("goroutine %d: %v", i, err)
		}
	}
	if got := delegate.calls.Load(); got != 1 {
		t.Errorf("delegation calls = %d, want 1 for %d concurrent resolutions", got, n)
	}
}

func TestResolveNotFound(t *testing.T) {
	store := newFakeStore()
	r, _ := newTestResolver(store, &fakeCipher{}, &fakeDelegate{}, Options{})

	_, err := r.Resolve(context.Background(), "999999999999")
	if !errors.Is(err, account.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestResolveStoreUnavailableNotCached(t *testing.T) {
	store := newFakeStore(staticRecord("111122223333"))
	store.err = account.ErrStoreUnavailable
	r, cache := newTestResolver(store, &fakeCipher{}, &fakeDelegate{}, Options{})

	if _, err := r.Resolve(context.Background(), "111122223333"); !errors.Is(err, account.ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}
	if cache.Len() != 0 {
		t.Error("failed resolution must not populate the cache")
	}

	// Store recovers; the next resolution succeeds without any restart.
	store.err = nil
	if _, err := r.Resolve(context.Background(), "111122223333"); err != nil {
		t.Fatalf("Resolve after recovery: %v", err)
	}
}

func TestResolveDecryptFailureNotCached(t *testing.T) {
	store := newFakeStore(staticRecord("111122223333"))
	cipher := &fakeCipher{err: crypto.ErrDecryptionFailed}
	r, cache := newTestResolver(store, cipher, &fakeDelegate{}, Options{})

	_, err := r.Resolve(context.Background(), "111122223333")
	if !errors.Is(err, crypto.ErrDecryptionFailed) {
		t.Fatalf("err = %v, want ErrDecryptionFailed", err)
	}
	if cache.Len() != 0 {
		t.Error("decrypt failure must not populate the cache")
	}
	// The error must not echo any key material or ciphertext.
	if strings.Contains(err.Error(), "enc:") {
		t.Errorf("error leaks ciphertext: %v", err)
	}
}

func TestResolveDecryptFailureCounted(t *testing.T) {
	metrics := observability.NewMetricsCollector()
	store := newFakeStore(staticRecord("111122223333"))
	cipher := &fakeCipher{err: crypto.ErrDecryptionFailed}
	r, _ := newTestResolver(store, cipher, &fakeDelegate{}, Options{Metrics: metrics})

	if _, err := r.Resolve(context.Background(), "111122223333"); err == nil {
		t.Fatal("expected decryption failure")
	}

	families, err := metrics.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var got float64
	for _, f := range families {
		if f.GetName() == "tenantcreds_cipher_decrypt_failures_total" {
			got = f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	if got != 1 {
		t.Errorf("decrypt failures counted = %v, want 1", got)
	}
}

func TestResolveDelegationFailureNotCached(t *testing.T) {
	store := newFakeStore(roleRecord("444455556666"))
	delegate := &fakeDelegate{err: errors.New("AccessDenied")}
	r, cache := newTestResolver(store, &fakeCipher{}, delegate, Options{})

	if _, err := r.Resolve(context.Background(), "444455556666"); err == nil {
		t.Fatal("expected delegation error")
	}
	if cache.Len() != 0 {
		t.Error("delegation failure must not populate the cache")
	}

	// Every attempt fails deterministically while the broker rejects us.
	if _, err := r.Resolve(context.Background(), "444455556666"); err == nil {
		t.Fatal("expected delegation error on retry")
	}
	if got := delegate.calls.Load(); got != 2 {
		t.Errorf("delegation calls = %d, want 2", got)
	}
}

func TestResolveRejectsExpiredBrokerCredentials(t *testing.T) {
	store := newFakeStore(roleRecord("444455556666"))
	delegate := &fakeDelegate{lifetime: -time.Minute}
	r, _ := newTestResolver(store, &fakeCipher{}, delegate, Options{})

	if _, err := r.Resolve(context.Background(), "444455556666"); err == nil {
		t.Fatal("expected error for already-expired broker credentials")
	}
}

func TestResolveDelegatedValidityHasMargin(t *testing.T) {
	store := newFakeStore(roleRecord("444455556666"))
	delegate := &fakeDelegate{lifetime: 10 * time.Minute}
	r, cache := newTestResolver(store, &fakeCipher{}, delegate, Options{ExpiryMargin: 5 * time.Minute})

	if _, err := r.Resolve(context.Background(), "444455556666"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	// Advance past validUntil (expiry minus margin) but before expiry:
	// the entry must already be a miss.
	cache.now = func() time.Time { return time.Now().Add(6 * time.Minute) }
	if _, ok := cache.Get("444455556666"); ok {
		t.Error("entry inside the expiry margin must be a cache miss")
	}
}

func TestResolveCallerCancellationDoesNotAbortRefresh(t *testing.T) {
	store := newFakeStore(roleRecord("444455556666"))
	delegate := &fakeDelegate{delay: 30 * time.Millisecond}
	r, cache := newTestResolver(store, &fakeCipher{}, delegate, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	_, err := r.Resolve(ctx, "444455556666")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	// The in-flight refresh keeps running on a detached context and
	// populates the cache for later callers.
	deadline := time.After(time.Second)
	for {
		if _, ok := cache.Get("444455556666"); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("detached refresh never populated the cache")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if got := delegate.calls.Load(); got != 1 {
		t.Errorf("delegation calls = %d, want 1", got)
	}
}

func TestRefreshBypassesCache(t *testing.T) {
	store := newFakeStore(roleRecord("444455556666"))
	delegate := &fakeDelegate{}
	r, _ := newTestResolver(store, &fakeCipher{}, delegate, Options{})

	if _, err := r.Resolve(context.Background(), "444455556666"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := r.Refresh(context.Background(), "444455556666"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := delegate.calls.Load(); got != 2 {
		t.Errorf("delegation calls = %d, want 2 (refresh must not use the cache)", got)
	}
}

func TestResolveEmptyAccountID(t *testing.T) {
	r, _ := newTestResolver(newFakeStore(), &fakeCipher{}, &fakeDelegate{}, Options{})
	if _, err := r.Resolve(context.Background(), ""); !errors.Is(err, account.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestResolveUnknownAuthType(t *testing.T) {
	rec := staticRecord("111122223333")
	rec.AuthType = "session_broker"
	store := newFakeStore(rec)
	r, cache := newTestResolver(store, &fakeCipher{}, &fakeDelegate{}, Options{})

	if _, err := r.Resolve(context.Background(), "111122223333"); err == nil {
		t.Fatal("expected error for unknown auth type")
	}
	if cache.Len() != 0 {
		t.Error("unknown auth type must not populate the cache")
	}
}
