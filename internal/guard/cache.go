package guard

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrCacheMiss is returned by Cache.Get for absent or expired keys.
var ErrCacheMiss = errors.New("guard: cache miss")

const (
	StateProcessing = "processing"
	StateCompleted  = "completed"
)

// Record is an idempotency cache entry.
type Record struct {
	State    string          `json:"state"`
	Response json.RawMessage `json:"response,omitempty"`
}

// Cache stores idempotency records with a TTL.
type Cache interface {
	Get(ctx context.Context, key string) (*Record, error)
	// SetNX stores rec only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, rec Record, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key string, rec Record, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	rec       Record
	expiresAt time.Time
}

var _ Cache = (*MemoryCache)(nil)

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memEntry), now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, key string) (*Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.live(key)
	if !ok {
		return nil, ErrCacheMiss
	}
	rec := e.rec
	return &rec, nil
}

func (c *MemoryCache) SetNX(_ context.Context, key string, rec Record, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.live(key); ok {
		return false, nil
	}
	c.entries[key] = memEntry{rec: rec, expiresAt: c.now().Add(ttl)}
	return true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, rec Record, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweep()
	c.entries[key] = memEntry{rec: rec, expiresAt: c.now().Add(ttl)}
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *MemoryCache) live(key string) (memEntry, bool) {
	e, ok := c.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return memEntry{}, false
	}
	return e, true
}

func (c *MemoryCache) sweep() {
	now := c.now()
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}
