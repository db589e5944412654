// Package cache implements the short-TTL read cache with path-prefix
// invalidation that sits in front of every read-through "print" operation.
package cache

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// DefaultTTL is the protocol's fixed cache lifetime.
const DefaultTTL = 5 * time.Second

// pruneProbability is the chance, per read, of running an expired-entry
// sweep to bound memory, independent of go-cache's own janitor (which this
// package disables in favor of the spec's own probabilistic prune so that
// eviction timing matches the specified contract exactly).
const pruneProbability = 0.05

// Cache is a TTL map keyed by (host, path, canonicalized parameter map).
type Cache struct {
	ttl time.Duration
	c   *gocache.Cache

	mu      sync.Mutex
	byPath  map[string]map[string]bool // (host,path) -> set of full keys, for prefix eviction
	rng     *rand.Rand
	rngLock sync.Mutex
}

// New constructs a Cache with the given TTL (DefaultTTL if zero). go-cache's
// built-in janitor is disabled (NoExpiration cleanup interval) since this
// package performs its own probabilistic prune per the protocol's contract.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:    ttl,
		c:      gocache.New(ttl, gocache.NoExpiration),
		byPath: make(map[string]map[string]bool),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Key canonicalizes (host, path, params) into a stable cache key: params are
// serialized with sorted keys so that map iteration order never affects
// cache hits.
func Key(host, path string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString(host)
	sb.WriteByte('\x00')
	sb.WriteString(path)
	for _, k := range keys {
		sb.WriteByte('\x00')
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params[k])
	}
	return sb.String()
}

func pathPrefix(host, path string) string { return host + "\x00" + path }

// Get returns a fresh logical copy of the cached rows for key, if present
// and unexpired.
func (c *Cache) Get(key string) ([]map[string]string, bool) {
	c.maybePrune()
	v, ok := c.c.Get(key)
	if !ok {
		return nil, false
	}
	rows := v.([]map[string]string)
	return cloneRows(rows), true
}

// Set inserts rows under key, associated with (host, path) for prefix
// eviction bookkeeping.
func (c *Cache) Set(host, path string, key string, rows []map[string]string) {
	c.c.Set(key, cloneRows(rows), c.ttl)

	prefix := pathPrefix(host, path)
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.byPath[prefix]
	if !ok {
		set = make(map[string]bool)
		c.byPath[prefix] = set
	}
	set[key] = true
}

// InvalidatePrefix evicts every entry whose key begins with (host, path),
// i.e. path itself or any path for which "path" is a prefix segment. It is
// called after every successful write.
func (c *Cache) InvalidatePrefix(host, path string) {
	target := pathPrefix(host, path)

	c.mu.Lock()
	var toDelete []string
	for prefix, keys := range c.byPath {
		if prefix == target || strings.HasPrefix(prefix, target+"/") {
			for k := range keys {
				toDelete = append(toDelete, k)
			}
			delete(c.byPath, prefix)
		}
	}
	c.mu.Unlock()

	for _, k := range toDelete {
		c.c.Delete(k)
	}
}

// maybePrune runs an expired-entry sweep with probability pruneProbability.
func (c *Cache) maybePrune() {
	c.rngLock.Lock()
	roll := c.rng.Float64()
	c.rngLock.Unlock()
	if roll >= pruneProbability {
		return
	}
	c.c.DeleteExpired()
}

func cloneRows(rows []map[string]string) []map[string]string {
	out := make([]map[string]string, len(rows))
	for i, r := range rows {
		m := make(map[string]string, len(r))
		for k, v := range r {
			m[k] = v
		}
		out[i] = m
	}
	return out
}

// String is a debug helper reporting the cache's configured TTL, for use in
// error messages.
func (c *Cache) String() string { return fmt.Sprintf("cache(ttl=%s)", c.ttl) }
