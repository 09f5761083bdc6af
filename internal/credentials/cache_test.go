package credentials

import (
	"testing"
	"time"
)

func TestCacheGetMissOnEmpty(t *testing.T) {
	c := NewCache()
	if _, ok := c.Get("111122223333"); ok {
		t.Fatal("expected miss on empty cache")
	}
}

func TestCachePutGetRoundTrip(t *testing.T) {
	now := time.Now()
	c := NewCache()
	c.now = func() time.Time { return now }

	cred := &Credential{AccountID: "111122223333", AccessKeyID: "AKIAEXAMPLE"}
	c.Put("111122223333", cred, now.Add(time.Minute))

	got, ok := c.Get("111122223333")
	if !ok {
		t.Fatal("expected hit")
	}
	if got.AccessKeyID != "AKIAEXAMPLE" {
		t.Errorf("AccessKeyID = %q, want AKIAEXAMPLE", got.AccessKeyID)
	}
	if got == cred {
		t.Error("Get must return an independent copy, not the stored pointer")
	}
}

func TestCacheExpiredEntryIsMiss(t *testing.T) {
	now := time.Now()
	c := NewCache()
	c.now = func() time.Time { return now }

	c.Put("111122223333", &Credential{AccountID: "111122223333"}, now.Add(time.Minute))

	c.now = func() time.Time { return now.Add(time.Minute) } // exactly at deadline
	if _, ok := c.Get("111122223333"); ok {
		t.Fatal("entry at its validity deadline must be a miss")
	}
}

func TestCacheGetCopyIsolation(t *testing.T) {
	now := time.Now()
	c := NewCache()
	c.now = func() time.Time { return now }

	c.Put("111122223333", &Credential{AccountID: "111122223333", AccessKeyID: "AKIA1"}, now.Add(time.Minute))

	first, _ := c.Get("111122223333")
	first.AccessKeyID = "mutated"

	second, _ := c.Get("111122223333")
	if second.AccessKeyID != "AKIA1" {
		t.Errorf("mutating one caller's copy leaked into the cache: got %q", second.AccessKeyID)
	}
}

func TestCacheInvalidate(t *testing.T) {
	now := time.Now()
	c := NewCache()
	c.now = func() time.Time { return now }

	c.Put("111122223333", &Credential{AccountID: "111122223333"}, now.Add(time.Minute))
	c.Invalidate("111122223333")

	if _, ok := c.Get("111122223333"); ok {
		t.Fatal("expected miss after Invalidate")
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0", c.Len())
	}
}

func TestCacheSweep(t *testing.T) {
	now := time.Now()
	c := NewCache()
	c.now = func() time.Time { return now }

	c.Put("live", &Credential{AccountID: "live"}, now.Add(time.Hour))
	c.Put("dead1", &Credential{AccountID: "dead1"}, now.Add(-time.Second))
	c.Put("dead2", &Credential{AccountID: "dead2"}, now)

	if swept := c.Sweep(); swept != 2 {
		t.Errorf("Sweep = %d, want 2", swept)
	}
	if c.Len() != 1 {
		t.Errorf("Len after sweep = %d, want 1", c.Len())
	}
}

func TestCacheExpiringWithin(t *testing.T) {
	now := time.Now()
	c := NewCache()
	c.now = func() time.Time { return now }

	// Delegated entry inside the window.
	c.Put("soon", &Credential{AccountID: "soon", ExpiresAt: now.Add(90 * time.Second)}, now.Add(time.Minute))
	// Delegated entry well outside the window.
	c.Put("later", &Credential{AccountID: "later", ExpiresAt: now.Add(time.Hour)}, now.Add(55*time.Minute))
	// Static entry with a near deadline must be excluded.
	c.Put("static", &Credential{AccountID: "static"}, now.Add(time.Minute))

	ids := c.ExpiringWithin(2 * time.Minute)
	if len(ids) != 1 || ids[0] != "soon" {
		t.Errorf("ExpiringWithin = %v, want [soon]", ids)
	}
}
