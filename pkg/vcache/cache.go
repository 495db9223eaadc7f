// Package vcache memoizes expensive read-side computations derived from
// immutable objects, keyed by (repository, object hash, view kind).
//
// Entries are valid only until the next ref update of their repository:
// the protocol engine invalidates a repository's entries after every
// successful push. Concurrent callers for the same key share a single
// in-flight computation instead of duplicating work.
package vcache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/docker/go-units"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"

	"github.com/forgelet/forgelet/pkg/dlogger"
	"go.uber.org/zap"
)

const (
	// DefaultCacheSize is the default byte budget for cached views
	DefaultCacheSize = 64 * units.MiB

	// maxEntries bounds the LRU index independently of the byte budget
	maxEntries = 65536
)

type entry struct {
	data []byte
	gen  uint64
}

// Cache is a bounded, invalidation-aware memoization layer
type Cache struct {
	lru      *lru.Cache
	group    singleflight.Group
	maxBytes int64
	curBytes int64 // atomic

	genMu   sync.RWMutex
	gens    map[string]uint64
	flights map[string]map[string]int

	l *zap.Logger
}

// Option to configure the cache
type Option func(*Cache)

// MaxBytes overrides the default byte budget
func MaxBytes(n int64) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxBytes = n
		}
	}
}

// Logger overrides the default logger
func Logger(l *zap.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.l = l
		}
	}
}

// New creates a derived-view cache
func New(opts ...Option) (*Cache, error) {
	c := &Cache{
		maxBytes: DefaultCacheSize,
		gens:     make(map[string]uint64),
		flights:  make(map[string]map[string]int),
		l:        dlogger.MustGetLogger(dlogger.LogLevelInfo),
	}
	for _, apply := range opts {
		apply(c)
	}

	var err error
	c.lru, err = lru.NewWithEvict(maxEntries, func(_ interface{}, v interface{}) {
		atomic.AddInt64(&c.curBytes, -int64(len(v.(entry).data)))
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// cacheKey flattens the composite key; NUL never occurs in its parts
func cacheKey(repo, hash, kind string) string {
	return repo + "\x00" + hash + "\x00" + kind
}

// GetOrCompute returns the cached view, or invokes compute, stores and
// returns its result. At most one computation per key is in flight at a
// time: concurrent callers wait for it and share the result.
func (c *Cache) GetOrCompute(ctx context.Context, repo, hash, kind string, compute func(context.Context) ([]byte, error)) ([]byte, error) {
	key := cacheKey(repo, hash, kind)
	gen := c.generation(repo)

	if v, ok := c.lru.Get(key); ok {
		e := v.(entry)
		if e.gen == gen {
			return e.data, nil
		}
		// stale entry from before an invalidation
		c.lru.Remove(key)
	}

	c.trackFlight(repo, key)
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		startGen := c.generation(repo)
		data, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if c.generation(repo) == startGen {
			c.store(key, entry{data: data, gen: startGen})
		}
		return data, nil
	})
	c.untrackFlight(repo, key)
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Invalidate drops every cached view of a repository and forgets its
// in-flight computations, so callers arriving afterwards start fresh
// instead of joining a pre-invalidation flight.
func (c *Cache) Invalidate(repo string) {
	c.genMu.Lock()
	c.gens[repo]++
	for k := range c.flights[repo] {
		c.group.Forget(k)
	}
	c.genMu.Unlock()

	prefix := repo + "\x00"
	for _, k := range c.lru.Keys() {
		if strings.HasPrefix(k.(string), prefix) {
			c.lru.Remove(k)
		}
	}
	c.l.Debug("view cache invalidated", zap.String("repo", repo))
}

// Len reports the number of cached views
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Bytes reports the current cached payload volume
func (c *Cache) Bytes() int64 {
	return atomic.LoadInt64(&c.curBytes)
}

func (c *Cache) generation(repo string) uint64 {
	c.genMu.RLock()
	defer c.genMu.RUnlock()
	return c.gens[repo]
}

func (c *Cache) trackFlight(repo, key string) {
	c.genMu.Lock()
	m := c.flights[repo]
	if m == nil {
		m = make(map[string]int)
		c.flights[repo] = m
	}
	m[key]++
	c.genMu.Unlock()
}

func (c *Cache) untrackFlight(repo, key string) {
	c.genMu.Lock()
	if m := c.flights[repo]; m != nil {
		if m[key]--; m[key] <= 0 {
			delete(m, key)
			if len(m) == 0 {
				delete(c.flights, repo)
			}
		}
	}
	c.genMu.Unlock()
}

func (c *Cache) store(key string, e entry) {
	// Add on an existing key replaces the value without the evict
	// callback firing, so drop any previous entry explicitly
	c.lru.Remove(key)
	atomic.AddInt64(&c.curBytes, int64(len(e.data)))
	c.lru.Add(key, e)

	// reclaim least-recently-used entries when over budget
	for atomic.LoadInt64(&c.curBytes) > c.maxBytes {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
	}
}
