package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/githubkpis/analyzer/internal/metrics"
)

// legacyPrefix is the key prefix of the historical layout: a hash at
// cache:<scope>:<id> with "ts" (unix write time) and "object" (JSON)
// fields, the TTL enforced manually against ts. The current layout is a
// plain string at <scope>:<id> with a native expiry.
const legacyPrefix = "cache:"

// ResultCache is a cache-aside wrapper around any resolver function.
// Resolvers that come back empty are never cached, so transient failures
// retry on the next call instead of pinning a negative entry.
type ResultCache struct {
	store      Store
	defaultTTL time.Duration
	logger     *zap.Logger
	metrics    *metrics.Metrics

	// now is injectable for migration tests.
	now func() time.Time
}

// New constructs a ResultCache. The logger may be nil.
func New(store Store, defaultTTL time.Duration, logger *zap.Logger, m *metrics.Metrics) *ResultCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResultCache{
		store:      store,
		defaultTTL: defaultTTL,
		logger:     logger,
		metrics:    m,
		now:        time.Now,
	}
}

// DefaultTTL returns the TTL used when callers pass zero.
func (c *ResultCache) DefaultTTL() time.Duration {
	return c.defaultTTL
}

// GetJSON resolves a value through the cache. scope namespaces keys per
// query kind; id must be unique within the scope. A zero ttl uses the cache
// default. The resolver runs only on a miss; a nil resolver result is
// returned as nil and deliberately not cached.
func GetJSON[T any](
	ctx context.Context,
	c *ResultCache,
	scope, id string,
	ttl time.Duration,
	resolver func(ctx context.Context) (*T, error),
) (*T, error) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	key := scope + ":" + id

	// Fresh entry under the current layout.
	raw, found, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if found {
		c.metrics.CacheRequest("hit")
		return decode[T](c, key, raw)
	}

	// A still-live legacy entry is migrated in place and served.
	if migrated, ok, err := c.migrateLegacy(ctx, scope, id, key, ttl); err != nil {
		return nil, err
	} else if ok {
		c.metrics.CacheRequest("migrated")
		return decode[T](c, key, migrated)
	}

	// True miss: resolve and persist, unless the resolver came back empty.
	c.metrics.CacheRequest("miss")
	result, err := resolver(ctx)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal cache value for %s: %w", key, err)
	}
	if err := c.store.SetEX(ctx, key, string(payload), ttl); err != nil {
		return nil, err
	}
	return result, nil
}

// migrateLegacy performs the one-time read-triggered migration: if a legacy
// hash exists and its manual TTL has not lapsed, rewrite it under the
// current key with the remaining TTL and delete the legacy entry.
func (c *ResultCache) migrateLegacy(ctx context.Context, scope, id, currentKey string, ttl time.Duration) (string, bool, error) {
	legacyKey := legacyPrefix + scope + ":" + id
	exists, err := c.store.Exists(ctx, legacyKey)
	if err != nil {
		return "", false, err
	}
	if !exists {
		return "", false, nil
	}

	tsRaw, found, err := c.store.HGet(ctx, legacyKey, "ts")
	if err != nil {
		return "", false, err
	}
	writtenAt, parseErr := strconv.ParseInt(tsRaw, 10, 64)
	if !found || parseErr != nil {
		c.logger.Error("legacy cache entry has no usable timestamp", zap.String("key", legacyKey))
		return "", false, nil
	}

	remaining := time.Duration(writtenAt+int64(ttl.Seconds())-c.now().Unix()) * time.Second
	if remaining <= 0 {
		// Expired under the old accounting; treat as a miss.
		return "", false, nil
	}

	object, found, err := c.store.HGet(ctx, legacyKey, "object")
	if err != nil {
		return "", false, err
	}
	if !found || object == "" {
		c.logger.Error("legacy cache entry has no object payload", zap.String("key", legacyKey))
		return "", false, nil
	}

	if err := c.store.SetEX(ctx, currentKey, object, remaining); err != nil {
		return "", false, err
	}
	if err := c.store.Del(ctx, legacyKey); err != nil {
		return "", false, err
	}
	c.logger.Info("migrated legacy cache entry",
		zap.String("key", currentKey),
		zap.Duration("remaining_ttl", remaining))
	return object, true, nil
}

func decode[T any](c *ResultCache, key, raw string) (*T, error) {
	out := new(T)
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		c.logger.Error("cached value does not decode; dropping",
			zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("decode cached value for %s: %w", key, err)
	}
	return out, nil
}
