// Package cache provides a bounded LRU cache with per-entry TTL, used to
// short-circuit repeated upstream API calls.
//
// Capacity is fixed at construction; inserting into a full cache evicts the
// least-recently-used entry. Entries past their TTL are treated as absent and
// evicted on access. Hit and miss counters are exposed for observability.
package cache

import (
	"container/list"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Defaults for New.
const (
	DefaultMaxEntries = 100
	DefaultTTL        = 300 * time.Second
)

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits   uint64
	Misses uint64
	Size   int
}

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// Cache is a fixed-capacity LRU cache with TTL. Safe for concurrent use.
type Cache[V any] struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front = most recently used
	maxEntries int
	defaultTTL time.Duration
	hits       uint64
	misses     uint64

	now func() time.Time // stubbed in tests
}

// New creates a cache holding at most maxEntries values, each living for
// defaultTTL unless Set overrides it. Non-positive arguments fall back to the
// defaults.
func New[V any](maxEntries int, defaultTTL time.Duration) *Cache[V] {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &Cache[V]{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// Get returns the value for key. Expired entries are evicted and reported as
// misses; a hit promotes the entry to most-recently-used.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return zero, false
	}

	e := el.Value.(*entry[V])
	if c.now().After(e.expiresAt) {
		c.order.Remove(el)
		delete(c.entries, key)
		c.misses++
		return zero, false
	}

	c.order.MoveToFront(el)
	c.hits++
	return e.value, true
}

// Set stores value under key, evicting the least-recently-used entry first
// when a new key would exceed capacity. An optional ttl overrides the cache
// default for this entry.
func (c *Cache[V]) Set(key string, value V, ttl ...time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	life := c.defaultTTL
	if len(ttl) > 0 && ttl[0] > 0 {
		life = ttl[0]
	}
	expiresAt := c.now().Add(life)

	if el, ok := c.entries[key]; ok {
		e := el.Value.(*entry[V])
		e.value = value
		e.expiresAt = expiresAt
		c.order.MoveToFront(el)
		return
	}

	if c.order.Len() >= c.maxEntries {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*entry[V]).key)
		}
	}
	c.entries[key] = c.order.PushFront(&entry[V]{key: key, value: value, expiresAt: expiresAt})
}

// Stats returns the current hit/miss counters and entry count.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Size: c.order.Len()}
}

// Clear removes all entries and resets the counters atomically.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.hits = 0
	c.misses = 0
}

// Key derives a cache key from a request URL and optional body. With no body
// the URL alone is the key; otherwise the URL is suffixed with a BLAKE2b
// fingerprint of the body so that identical requests collide and different
// bodies do not.
func Key(url string, body []byte) string {
	if body == nil {
		return url
	}
	sum := blake2b.Sum256(body)
	return url + ":" + hex.EncodeToString(sum[:16])
}
