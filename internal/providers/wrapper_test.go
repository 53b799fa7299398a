package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/link-scanner/internal/circuitbreaker"
	"github.com/link-scanner/internal/metrics"
	"github.com/link-scanner/internal/retry"
	"github.com/link-scanner/internal/storage"
)

func newTestWrapper(t *testing.T) (*Wrapper, *storage.CacheService, *metrics.Registry) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	registry := metrics.NewRegistry()
	cache := storage.NewCacheService(storage.NewRedisCacheFromClient(client), registry)

	breakers := circuitbreaker.NewRegistry(&circuitbreaker.Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		Window:           60 * time.Second,
	})
	retryCfg := &retry.Config{Retries: 1, BaseDelay: time.Millisecond, Factor: 2.0}

	return NewWrapper(cache, breakers, retryCfg, registry), cache, registry
}

func TestFetchCacheHitSkipsLiveCall(t *testing.T) {
	w, cache, _ := newTestWrapper(t)
	ctx := context.Background()

	key := storage.AnalysisKey("abc123", "testprov")
	require.NoError(t, cache.Set(ctx, key, "cached-value", time.Hour))

	calls := 0
	result, fromCache, _, err := Fetch(ctx, w, FetchOptions{
		Provider: "testprov",
		CacheKey: key,
		CacheTTL: time.Hour,
	}, func(ctx context.Context) (string, error) {
		calls++
		return "live-value", nil
	})

	require.NoError(t, err)
	assert.True(t, fromCache)
	assert.Equal(t, "cached-value", result)
	assert.Zero(t, calls, "cache hit must not invoke the live call")
}

func TestFetchWritesBackOnSuccess(t *testing.T) {
	w, _, _ := newTestWrapper(t)
	ctx := context.Background()

	key := storage.AnalysisKey("def456", "testprov")
	opts := FetchOptions{Provider: "testprov", CacheKey: key, CacheTTL: time.Hour}

	calls := 0
	fn := func(ctx context.Context) (string, error) {
		calls++
		return "live-value", nil
	}

	result, fromCache, _, err := Fetch(ctx, w, opts, fn)
	require.NoError(t, err)
	assert.False(t, fromCache)
	assert.Equal(t, "live-value", result)

	result, fromCache, _, err = Fetch(ctx, w, opts, fn)
	require.NoError(t, err)
	assert.True(t, fromCache)
	assert.Equal(t, "live-value", result)
	assert.Equal(t, 1, calls)
}

func TestFetchDoesNotCacheFailures(t *testing.T) {
	w, _, registry := newTestWrapper(t)
	ctx := context.Background()

	key := storage.AnalysisKey("ghi789", "testprov")
	opts := FetchOptions{Provider: "testprov", CacheKey: key, CacheTTL: time.Hour}

	calls := 0
	_, _, _, err := Fetch(ctx, w, opts, func(ctx context.Context) (string, error) {
		calls++
		return "", NewHTTPError("testprov", 400, "bad request")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "client errors must not be retried")

	errCount := registry.CounterValue(metrics.ProviderErrorsTotal, metrics.Labels{
		"provider": "testprov",
		"class":    string(ClassClientError),
	})
	assert.Equal(t, float64(1), errCount)

	result, fromCache, _, err := Fetch(ctx, w, opts, func(ctx context.Context) (string, error) {
		calls++
		return "recovered", nil
	})
	require.NoError(t, err)
	assert.False(t, fromCache)
	assert.Equal(t, "recovered", result)
}

func TestFetchRetriesServerErrors(t *testing.T) {
	w, _, _ := newTestWrapper(t)
	ctx := context.Background()

	calls := 0
	result, _, _, err := Fetch(ctx, w, FetchOptions{Provider: "flaky"}, func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", NewHTTPError("flaky", 503, "unavailable")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 2, calls)
}

func TestFetchOpenCircuitRejects(t *testing.T) {
	w, _, registry := newTestWrapper(t)
	ctx := context.Background()

	failing := func(ctx context.Context) (string, error) {
		return "", NewHTTPError("broken", 400, "nope")
	}
	for i := 0; i < 3; i++ {
		_, _, _, err := Fetch(ctx, w, FetchOptions{Provider: "broken"}, failing)
		require.Error(t, err)
	}

	calls := 0
	_, _, _, err := Fetch(ctx, w, FetchOptions{Provider: "broken"}, func(ctx context.Context) (string, error) {
		calls++
		return "unreachable", nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, circuitbreaker.ErrCircuitOpen))
	assert.Zero(t, calls, "open circuit must reject without invoking the call")

	rejections := registry.CounterValue(metrics.CircuitRejectionsTotal, metrics.Labels{"provider": "broken"})
	assert.Equal(t, float64(1), rejections)
}

func TestFetchWithoutCacheKey(t *testing.T) {
	w, cache, _ := newTestWrapper(t)
	ctx := context.Background()

	calls := 0
	fn := func(ctx context.Context) (string, error) {
		calls++
		return "fresh", nil
	}

	for i := 0; i < 2; i++ {
		result, fromCache, _, err := Fetch(ctx, w, FetchOptions{Provider: "uncached"}, fn)
		require.NoError(t, err)
		assert.False(t, fromCache)
		assert.Equal(t, "fresh", result)
	}
	assert.Equal(t, 2, calls)

	keys, err := cache.Redis().Client().Keys(ctx, "*").Result()
	require.NoError(t, err)
	assert.Empty(t, keys)
}
