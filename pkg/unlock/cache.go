package unlock

import (
	"sync"
	"time"

	"github.com/Coldaine/coldProxy/pkg/security"
)

// Cache defaults per the storage-core policy.
const (
	defaultCacheCap = 100
	defaultCacheTTL = 30 * time.Minute
)

type mkEntry struct {
	key       []byte
	expiresAt time.Time
}

// MKCache holds decrypted master keys in memory with a sliding idle
// TTL. Eviction is oldest-inserted-first when the cap is reached.
// Keys are zeroized on every removal path.
type MKCache struct {
	mu      sync.Mutex
	entries map[string]*mkEntry
	order   []string
	cap     int
	ttl     time.Duration
	now     func() time.Time
}

// NewMKCache creates a cache with the given capacity and idle TTL.
// Non-positive arguments fall back to the policy defaults.
func NewMKCache(capacity int, ttl time.Duration) *MKCache {
	if capacity <= 0 {
		capacity = defaultCacheCap
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &MKCache{
		entries: make(map[string]*mkEntry),
		cap:     capacity,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns a copy of the cached master key for uid and refreshes its
// expiry. Expired entries are removed (and zeroized) on access.
func (c *MKCache) Get(uid string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[uid]
	if !ok {
		return nil, false
	}
	now := c.now()
	if now.After(e.expiresAt) {
		c.removeLocked(uid)
		return nil, false
	}
	e.expiresAt = now.Add(c.ttl)
	out := make([]byte, len(e.key))
	copy(out, e.key)
	return out, true
}

// Put caches a copy of mk for uid, evicting the oldest entry when the
// cache is full. The caller retains ownership of mk.
func (c *MKCache) Put(uid string, mk []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[uid]; ok {
		c.removeLocked(uid)
	}
	for len(c.entries) >= c.cap && len(c.order) > 0 {
		c.removeLocked(c.order[0])
	}
	cp := make([]byte, len(mk))
	copy(cp, mk)
	_ = security.LockMemory(cp)
	c.entries[uid] = &mkEntry{key: cp, expiresAt: c.now().Add(c.ttl)}
	c.order = append(c.order, uid)
}

// Evict removes and zeroizes the entry for uid, if present.
func (c *MKCache) Evict(uid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(uid)
}

// Shutdown zeroizes and drops every entry.
func (c *MKCache) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for uid := range c.entries {
		c.removeLocked(uid)
	}
	c.order = nil
}

// Len returns the number of live entries.
func (c *MKCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *MKCache) removeLocked(uid string) {
	e, ok := c.entries[uid]
	if !ok {
		return
	}
	security.Zeroize(e.key)
	_ = security.UnlockMemory(e.key)
	delete(c.entries, uid)
	for i, u := range c.order {
		if u == uid {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// setClock overrides the cache clock. Test hook.
func (c *MKCache) setClock(now func() time.Time) { c.now = now }
