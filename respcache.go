package dap

import (
	"sync"
	"time"

	"github.com/miekg/dns"
)

// CacheEntry is a single cached response, keyed by Request in Cache.
type CacheEntry struct {
	Message   *dns.Msg // stored with Id zeroed
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (e *CacheEntry) expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

func (e *CacheEntry) remainingTTL(now time.Time) uint32 {
	if e.expired(now) {
		return 0
	}
	return uint32(e.ExpiresAt.Sub(now) / time.Second)
}

// Cache is the LRU, TTL-expiring response cache (C2). All mutating and
// querying operations are serialised through a single mutex to preserve
// strict LRU ordering, per the single-mutual-exclusion-region invariant.
type Cache struct {
	mu      sync.Mutex
	list    *lruList
	maxSize int
}

// NewCache returns a cache holding at most maxSize entries. maxSize <= 0
// means unbounded.
func NewCache(maxSize int) *Cache {
	return &Cache{list: newLRUList(), maxSize: maxSize}
}

// Get looks up req, touching it to the MRU position on a hit. An expired
// entry is removed as a side effect and reported as a miss; it is never
// re-inserted.
func (c *Cache) Get(req Request) (*CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.list.touch(req)
	if n == nil {
		return nil, false
	}
	if n.entry.expired(time.Now()) {
		c.list.remove(req)
		return nil, false
	}
	return n.entry, true
}

// Put stores a response for req. The response code must be NoError or
// NXDomain and the message must carry at least one record, none of them
// with a zero TTL, or it is silently dropped (no-cache policy). The stored message is a clone of msg
// with its Id zeroed. If the cache is at capacity, the LRU entry is evicted
// first.
func (c *Cache) Put(req Request, msg *dns.Msg) {
	if msg.Rcode != dns.RcodeSuccess && msg.Rcode != dns.RcodeNameError {
		return
	}
	min, ok := minTTL(msg)
	if !ok || min == 0 {
		return
	}

	stored := msg.Copy()
	stored.Id = 0

	now := time.Now()
	entry := &CacheEntry{
		Message:   stored,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(min) * time.Second),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.list.items[req]; !exists && c.maxSize > 0 && c.list.len() >= c.maxSize {
		c.list.evictLRU()
	}
	c.list.put(req, entry)
}

// PurgeExpired removes all expired entries and returns the number removed.
func (c *Cache) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var expired []Request
	for key, n := range c.list.items {
		if n.entry.expired(now) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		c.list.remove(key)
	}
	return len(expired)
}

// Size returns the current number of cached entries.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.len()
}

// BuildResponse re-encodes a cached entry's message with all record TTLs
// reduced to the entry's remaining TTL (saturating at zero) and the given
// query id substituted in.
func BuildResponse(entry *CacheEntry, id uint16) *dns.Msg {
	res := entry.Message.Copy()
	res.Id = id
	ttl := entry.remainingTTL(time.Now())
	for _, set := range [][]dns.RR{res.Answer, res.Ns, res.Extra} {
		for _, rr := range set {
			if _, ok := rr.(*dns.OPT); ok {
				continue
			}
			rr.Header().Ttl = ttl
		}
	}
	return res
}
