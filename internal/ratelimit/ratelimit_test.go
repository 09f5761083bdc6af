package ratelimit

import (
	"errors"
	"testing"
)

func TestAllowUnlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 100; i++ {
		if err := l.Allow("ops-team"); err != nil {
			t.Fatalf("unlimited limiter rejected request %d: %v", i, err)
		}
	}
}

func TestAllowExhaustsBurst(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		if err := l.Allow("ops-team"); err != nil {
			t.Fatalf("request %d within burst rejected: %v", i, err)
		}
	}
	if err := l.Allow("ops-team"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestOperatorsAreIndependent(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})

	if err := l.Allow("ops-team"); err != nil {
		t.Fatalf("first operator: %v", err)
	}
	if err := l.Allow("ops-team"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	// A different API key identity still has a full bucket.
	if err := l.Allow("audit-bot"); err != nil {
		t.Fatalf("second operator throttled by the first's usage: %v", err)
	}
}

func TestBurstDefaultsToRate(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 2})

	if err := l.Allow("ops-team"); err != nil {
		t.Fatalf("request 1: %v", err)
	}
	if err := l.Allow("ops-team"); err != nil {
		t.Fatalf("request 2: %v", err)
	}
	if err := l.Allow("ops-team"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}
