package providers

import (
	"context"
	"time"

	"github.com/link-scanner/internal/circuitbreaker"
	"github.com/link-scanner/internal/logging"
	"github.com/link-scanner/internal/metrics"
	"github.com/link-scanner/internal/retry"
	"github.com/link-scanner/internal/storage"
)

// Wrapper applies the uniform outbound-call discipline: cache lookup
// first, then circuit breaker, then retry with the class-based
// predicate. Cache hits skip the breaker and retry entirely and never
// count toward circuit health.
type Wrapper struct {
	cache    *storage.CacheService
	breakers *circuitbreaker.Registry
	retryCfg *retry.Config
	registry *metrics.Registry
}

// NewWrapper builds the shared call wrapper.
func NewWrapper(cache *storage.CacheService, breakers *circuitbreaker.Registry, retryCfg *retry.Config, registry *metrics.Registry) *Wrapper {
	cfg := *retryCfg
	cfg.Retryable = ShouldRetry
	return &Wrapper{
		cache:    cache,
		breakers: breakers,
		retryCfg: &cfg,
		registry: registry,
	}
}

// FetchOptions configure one wrapped call.
type FetchOptions struct {
	Provider string        // breaker key and metric label
	CacheKey string        // empty disables caching
	CacheTTL time.Duration // TTL for the write-back
}

// Fetch runs fn under the full wrapper pipeline. fromCache reports
// whether the result was served without network I/O.
func Fetch[T any](ctx context.Context, w *Wrapper, opts FetchOptions, fn func(ctx context.Context) (T, error)) (result T, fromCache bool, durationMs int64, err error) {
	start := time.Now()

	if opts.CacheKey != "" && w.cache != nil {
		var cached T
		found, cacheErr := w.cache.Get(ctx, opts.CacheKey, opts.CacheTTL, &cached)
		if cacheErr != nil {
			logging.FromContext(ctx).WithFields(map[string]interface{}{
				"provider": opts.Provider,
				"error":    cacheErr.Error(),
			}).Warn("Cache read failed, falling through to live fetch")
		} else if found {
			return cached, true, time.Since(start).Milliseconds(), nil
		}
	}

	breaker := w.breakers.GetOrCreate(opts.Provider)

	retryResult := retry.WithBackoff(ctx, w.retryCfg, func(ctx context.Context, attempt int) error {
		execErr := breaker.Execute(ctx, func() error {
			value, callErr := fn(ctx)
			if callErr != nil {
				return callErr
			}
			result = value
			return nil
		})
		return execErr
	})

	durationMs = time.Since(start).Milliseconds()

	if w.registry != nil {
		w.registry.Observe(metrics.ProviderLatencySeconds,
			metrics.Labels{"provider": opts.Provider}, time.Since(start).Seconds())
	}

	if !retryResult.Success {
		err = retryResult.LastError
		w.countError(opts.Provider, err)
		var zero T
		return zero, false, durationMs, err
	}

	if opts.CacheKey != "" && w.cache != nil {
		if setErr := w.cache.Set(ctx, opts.CacheKey, result, opts.CacheTTL); setErr != nil {
			logging.FromContext(ctx).WithFields(map[string]interface{}{
				"provider": opts.Provider,
				"error":    setErr.Error(),
			}).Warn("Cache write-back failed")
		}
	}

	return result, false, durationMs, nil
}

func (w *Wrapper) countError(provider string, err error) {
	if w.registry == nil {
		return
	}
	w.registry.IncCounter(metrics.ProviderErrorsTotal, metrics.Labels{
		"provider": provider,
		"class":    string(Classify(err)),
	})
	if Classify(err) == ClassCircuitOpen {
		w.registry.IncCounter(metrics.CircuitRejectionsTotal, metrics.Labels{"provider": provider})
	}
}

// Breakers exposes the registry, mainly for stats endpoints.
func (w *Wrapper) Breakers() *circuitbreaker.Registry {
	return w.breakers
}
