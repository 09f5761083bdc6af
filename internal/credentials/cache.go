package credentials

import (
	"sync"
	"time"
)

// cacheEntry wraps a credential with its cache validity deadline.
// validUntil is expiry minus the safety margin for delegated credentials,
// or a fixed revalidation TTL for static keys. Entries are immutable —
// refresh replaces them wholesale.
type cacheEntry struct {
	cred       Credential
	validUntil time.Time
}

// Cache is a goroutine-safe TTL cache of resolved credentials keyed by
// account ID. It performs no I/O: expired entries are simply misses, and
// the Resolver re-derives them. Every lookup returns an independent copy,
// so a reader can never observe a half-updated credential.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry

	now func() time.Time // injectable clock for tests
}

// NewCache creates an empty credential cache.
func NewCache() *Cache {
	return &Cache{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Get returns a copy of the cached credential for accountID, or false when
// there is no entry or the entry has passed its validity deadline.
func (c *Cache) Get(accountID string) (*Credential, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[accountID]
	if !ok || !c.now().Before(entry.validUntil) {
		return nil, false
	}
	cred := entry.cred
	return &cred, true
}

// Put stores a credential with its validity deadline, replacing any
// existing entry for the account.
func (c *Cache) Put(accountID string, cred *Credential, validUntil time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[accountID] = cacheEntry{cred: *cred, validUntil: validUntil}
}

// Invalidate removes the entry for accountID, if any.
func (c *Cache) Invalidate(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, accountID)
}

// Len returns the number of entries, including any not yet swept expired ones.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep removes entries past their validity deadline and returns how many
// were dropped.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	dropped := 0
	for id, entry := range c.entries {
		if !now.Before(entry.validUntil) {
			delete(c.entries, id)
			dropped++
		}
	}
	return dropped
}

// ExpiringWithin returns the account IDs of delegated entries whose validity
// deadline falls inside the next window. Static entries are excluded — they
// are revalidated lazily, not proactively.
func (c *Cache) ExpiringWithin(window time.Duration) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	cutoff := now.Add(window)
	var ids []string
	for id, entry := range c.entries {
		if entry.cred.ExpiresAt.IsZero() {
			continue
		}
		if now.Before(entry.validUntil) && entry.validUntil.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}
