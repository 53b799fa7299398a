package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/link-scanner/internal/metrics"
)

// CacheService provides JSON get/set over Redis with hit-ratio and
// staleness accounting. Counters are process-local and reset on restart.
type CacheService struct {
	redis    *RedisCache
	registry *metrics.Registry
}

// NewCacheService creates a new cache service
func NewCacheService(redis *RedisCache, registry *metrics.Registry) *CacheService {
	return &CacheService{
		redis:    redis,
		registry: registry,
	}
}

// Cache key builders. Format: <namespace>:<param1>:<param2>.

// AnalysisKey caches one provider's result for a URL hash.
// Format: url:analysis:<hash>:<provider>
func AnalysisKey(urlHash, provider string) string {
	return fmt.Sprintf("url:analysis:%s:%s", urlHash, strings.ToLower(provider))
}

// VerdictKey caches the final verdict for a URL hash.
// Format: scan:<hash>
func VerdictKey(urlHash string) string {
	return fmt.Sprintf("scan:%s", urlHash)
}

// ShortenerKey caches shortener expansion for a URL hash.
// Format: url:shortener:<hash>
func ShortenerKey(urlHash string) string {
	return fmt.Sprintf("url:shortener:%s", urlHash)
}

// SandboxQueuedKey is the at-most-once submission flag for a URL hash.
// Format: urlscan:queued:<hash>
func SandboxQueuedKey(urlHash string) string {
	return fmt.Sprintf("urlscan:queued:%s", urlHash)
}

// SandboxUUIDKey maps a sandbox scan id back to a URL hash.
// Format: urlscan:uuid:<uuid>
func SandboxUUIDKey(scanUUID string) string {
	return fmt.Sprintf("urlscan:uuid:%s", strings.ToLower(scanUUID))
}

// SandboxSubmittedKey records an in-flight submission for a URL hash.
// Format: urlscan:submitted:<hash>
func SandboxSubmittedKey(urlHash string) string {
	return fmt.Sprintf("urlscan:submitted:%s", urlHash)
}

// SandboxResultKey caches the raw sandbox result payload for a URL hash.
// Format: urlscan:result:<hash>
func SandboxResultKey(urlHash string) string {
	return fmt.Sprintf("urlscan:result:%s", urlHash)
}

// keyType extracts the namespace used as the metric label, so every hash
// does not mint a new series.
func keyType(key string) string {
	if i := strings.Index(key, ":"); i > 0 {
		prefix := key[:i]
		if prefix == "url" || prefix == "urlscan" {
			if j := strings.Index(key[i+1:], ":"); j > 0 {
				return key[:i+1+j]
			}
		}
		return prefix
	}
	return key
}

// Set stores a JSON-serialized value with the given TTL.
func (c *CacheService) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	if c.registry != nil {
		c.registry.Observe(metrics.CacheEntryBytes, metrics.Labels{"type": keyType(key)}, float64(len(data)))
	}

	return c.redis.Set(ctx, key, data, ttl)
}

// Get retrieves a JSON value from cache. A miss returns (false, nil).
// configuredTTL is the TTL the entry was written with; when the remaining
// TTL drops under 20% of it the entry is counted stale (still returned).
func (c *CacheService) Get(ctx context.Context, key string, configuredTTL time.Duration, dest interface{}) (bool, error) {
	data, err := c.redis.Get(ctx, key)
	if err != nil {
		if err == redis.Nil {
			c.recordMiss(key)
			return false, nil
		}
		c.recordMiss(key)
		return false, fmt.Errorf("failed to get from cache: %w", err)
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		c.recordMiss(key)
		return false, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}

	c.recordHit(key)
	if configuredTTL > 0 {
		if remaining, err := c.redis.TTL(ctx, key); err == nil && remaining > 0 {
			if float64(remaining) < float64(configuredTTL)*0.2 {
				if c.registry != nil {
					c.registry.IncCounter(metrics.CacheStaleTotal, metrics.Labels{"type": keyType(key)})
				}
			}
		}
	}

	return true, nil
}

// SetNX sets a key only when absent, returning whether this call won.
func (c *CacheService) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("failed to marshal value: %w", err)
	}
	return c.redis.SetNX(ctx, key, data, ttl)
}

// RemainingTTL reports the remaining lifetime of a key.
func (c *CacheService) RemainingTTL(ctx context.Context, key string) (time.Duration, error) {
	return c.redis.TTL(ctx, key)
}

// Invalidate removes one or more keys from cache
func (c *CacheService) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.redis.Del(ctx, keys...)
}

// Ping checks cache reachability for health reporting.
func (c *CacheService) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx)
}

// Redis exposes the underlying cache for callers needing raw access.
func (c *CacheService) Redis() *RedisCache {
	return c.redis
}

func (c *CacheService) recordHit(key string) {
	if c.registry == nil {
		return
	}
	t := keyType(key)
	c.registry.IncCounter(metrics.CacheHitsTotal, metrics.Labels{"type": t})
	c.updateHitRatio(t)
}

func (c *CacheService) recordMiss(key string) {
	if c.registry == nil {
		return
	}
	t := keyType(key)
	c.registry.IncCounter(metrics.CacheMissesTotal, metrics.Labels{"type": t})
	c.updateHitRatio(t)
}

func (c *CacheService) updateHitRatio(t string) {
	hits := c.registry.CounterValue(metrics.CacheHitsTotal, metrics.Labels{"type": t})
	misses := c.registry.CounterValue(metrics.CacheMissesTotal, metrics.Labels{"type": t})
	if total := hits + misses; total > 0 {
		c.registry.SetGauge(metrics.CacheHitRatio, metrics.Labels{"type": t}, hits/total)
	}
}
