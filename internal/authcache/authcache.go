// Package authcache implements the two-tier, single-flight credential
// cache described in §4.4: an in-process map backed by an optional
// Redis-compatible shared tier, with independent positive/negative TTLs
// and at-most-one in-flight backend query per key.
//
// Single-flight fan-in uses golang.org/x/sync/singleflight, the
// ecosystem-standard primitive for this pattern (see SPEC_FULL §4.14).
// The two-tier shape is grounded on the teacher's readdir_cache TTL'd
// in-process cache, generalized to a second, optional tier.
package authcache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/schlep-sftp/schlep/internal/metrics"
)

// Default negative-cache TTL (§4.4): short enough that directory edits
// (e.g. a revoked key) take effect quickly, per the recommended default.
const DefaultNegativeTTL = 30 * time.Second

// Outcome is the cached verification result for a (subject, credential-kind) key.
type Outcome struct {
	Allowed bool
	Tier    string // "local", "shared", or "backend"; metrics label only
}

type entry struct {
	Outcome Outcome
	Expiry  time.Time
}

func (e entry) expired(now time.Time) bool { return now.After(e.Expiry) }

// BackendFunc performs the uncached lookup (an LDAP query) for key.
type BackendFunc func(ctx context.Context) (Outcome, error)

// Cache is the two-tier credential cache.
type Cache struct {
	positiveTTL time.Duration
	negativeTTL time.Duration

	mu    sync.RWMutex
	local map[string]entry

	redis   *redis.Client // nil when no shared tier is configured
	metrics metrics.Recorder

	group singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithRedis attaches an optional shared tier. A nil client disables it.
func WithRedis(client *redis.Client) Option {
	return func(c *Cache) { c.redis = client }
}

// WithNegativeTTL overrides DefaultNegativeTTL.
func WithNegativeTTL(d time.Duration) Option {
	return func(c *Cache) { c.negativeTTL = d }
}

// WithMetrics attaches a metrics.Recorder; defaults to metrics.NoOp().
func WithMetrics(m metrics.Recorder) Option {
	return func(c *Cache) { c.metrics = m }
}

// New creates a Cache with the given positive TTL.
func New(positiveTTL time.Duration, opts ...Option) *Cache {
	c := &Cache{
		positiveTTL: positiveTTL,
		negativeTTL: DefaultNegativeTTL,
		local:       make(map[string]entry),
		metrics:     metrics.NoOp(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns the cached outcome for key, falling through local → shared
// → backend and fanning concurrent lookups for the same key down to a
// single backend call (§4.4, §8).
func (c *Cache) Get(ctx context.Context, key string, backend BackendFunc) (Outcome, error) {
	if o, ok := c.getLocal(key); ok {
		c.metrics.IncCacheHit("local")
		o.Tier = "local"
		return o, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check local: a concurrent caller may have just published
		// the result while we were waiting to enter the singleflight group.
		if o, ok := c.getLocal(key); ok {
			c.metrics.IncCacheHit("local")
			o.Tier = "local"
			return o, nil
		}

		if o, ok := c.getShared(ctx, key); ok {
			c.setLocal(key, o)
			c.metrics.IncCacheHit("shared")
			return o, nil
		}

		o, err := backend(ctx)
		if err != nil {
			return Outcome{}, err
		}
		o.Tier = "backend"
		c.metrics.IncCacheMiss()

		c.setLocal(key, o)
		c.setShared(ctx, key, o)
		return o, nil
	})
	if err != nil {
		return Outcome{}, err
	}
	return v.(Outcome), nil
}

func (c *Cache) ttlFor(o Outcome) time.Duration {
	if o.Allowed {
		return c.positiveTTL
	}
	return c.negativeTTL
}

func (c *Cache) getLocal(key string) (Outcome, bool) {
	c.mu.RLock()
	e, ok := c.local[key]
	c.mu.RUnlock()
	if !ok || e.expired(time.Now()) {
		return Outcome{}, false
	}
	return e.Outcome, true
}

func (c *Cache) setLocal(key string, o Outcome) {
	c.mu.Lock()
	c.local[key] = entry{Outcome: o, Expiry: time.Now().Add(c.ttlFor(o))}
	c.mu.Unlock()
}

// getShared consults the Redis tier. Any failure — unreachable server,
// decode error — degrades silently to a cache miss; shared-cache errors
// are never surfaced to the auth path (§4.4, §7).
func (c *Cache) getShared(ctx context.Context, key string) (Outcome, bool) {
	if c.redis == nil {
		return Outcome{}, false
	}
	raw, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.metrics.IncCacheOutage()
		}
		return Outcome{}, false
	}
	var o Outcome
	if err := json.Unmarshal(raw, &o); err != nil {
		return Outcome{}, false
	}
	o.Tier = "shared"
	return o, true
}

func (c *Cache) setShared(ctx context.Context, key string, o Outcome) {
	if c.redis == nil {
		return
	}
	raw, err := json.Marshal(o)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, key, raw, c.ttlFor(o)).Err(); err != nil {
		c.metrics.IncCacheOutage()
	}
}
