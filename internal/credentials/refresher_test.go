package credentials

import (
	"context"
	"testing"
	"time"
)

func TestRefresherTickRenewsExpiringEntries(t *testing.T) {
	store := newFakeStore(roleRecord("444455556666"))
	delegate := &fakeDelegate{lifetime: 6 * time.Minute}
	r, cache := newTestResolver(store, &fakeCipher{}, delegate, Options{ExpiryMargin: 5 * time.Minute})

	if _, err := r.Resolve(context.Background(), "444455556666"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	// validUntil = expiry - margin = ~1m out, inside the 2m window.
	b := NewBackgroundRefresher(r, cache, RefresherOptions{RefreshWindow: 2 * time.Minute}, discardLogger())
	b.tick(context.Background())

	if got := delegate.calls.Load(); got != 2 {
		t.Errorf("delegation calls = %d, want 2 (initial + proactive renewal)", got)
	}
}

func TestRefresherTickSkipsDistantEntries(t *testing.T) {
	store := newFakeStore(roleRecord("444455556666"))
	delegate := &fakeDelegate{lifetime: time.Hour}
	r, cache := newTestResolver(store, &fakeCipher{}, delegate, Options{})

	if _, err := r.Resolve(context.Background(), "444455556666"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	b := NewBackgroundRefresher(r, cache, RefresherOptions{}, discardLogger())
	b.tick(context.Background())

	if got := delegate.calls.Load(); got != 1 {
		t.Errorf("delegation calls = %d, want 1 (entry not near expiry)", got)
	}
}

func TestRefresherTickFailureLeavesEntry(t *testing.T) {
	store := newFakeStore(roleRecord("444455556666"))
	delegate := &fakeDelegate{lifetime: 6 * time.Minute}
	r, cache := newTestResolver(store, &fakeCipher{}, delegate, Options{ExpiryMargin: 5 * time.Minute})

	if _, err := r.Resolve(context.Background(), "444455556666"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	store.err = nil
	delegate.err = context.DeadlineExceeded

	b := NewBackgroundRefresher(r, cache, RefresherOptions{RefreshWindow: 2 * time.Minute}, discardLogger())
	b.tick(context.Background())

	// The still-valid entry survives a failed renewal.
	if _, ok := cache.Get("444455556666"); !ok {
		t.Error("failed proactive refresh must not evict a still-valid entry")
	}
}
