package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/link-scanner/internal/circuitbreaker"
	"github.com/link-scanner/internal/config"
	"github.com/link-scanner/internal/metrics"
	"github.com/link-scanner/internal/providers"
	"github.com/link-scanner/internal/retry"
	"github.com/link-scanner/internal/storage"
	"github.com/link-scanner/internal/urlutil"
)

type allowAllGuard struct{}

func (allowAllGuard) ValidateOutboundURL(ctx context.Context, rawURL string) error { return nil }

type denyAllGuard struct{}

func (denyAllGuard) ValidateOutboundURL(ctx context.Context, rawURL string) error {
	return errors.New("blocked host")
}

func newTestResolver(t *testing.T, cfg config.ResolverConfig, guard OutboundGuard) (*Resolver, *storage.CacheService) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	registry := metrics.NewRegistry()
	cache := storage.NewCacheService(storage.NewRedisCacheFromClient(client), registry)

	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig("resolver"))
	wrapper := providers.NewWrapper(cache, breakers, &retry.Config{
		Retries:   0,
		BaseDelay: time.Millisecond,
		Factor:    2.0,
	}, registry)

	if cfg.MaxRedirects == 0 {
		cfg.MaxRedirects = 5
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.ShortenerCacheTTL == 0 {
		cfg.ShortenerCacheTTL = time.Hour
	}
	return New(cfg, cache, wrapper, guard), cache
}

func TestResolveFollowsRedirectChain(t *testing.T) {
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+"/middle", http.StatusFound)
	})
	mux.HandleFunc("/middle", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+"/final", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	res, _ := newTestResolver(t, config.ResolverConfig{}, allowAllGuard{})

	start := srv.URL + "/start"
	analysis := res.Resolve(context.Background(), start, urlutil.HashURL(start))

	assert.Equal(t, srv.URL+"/final", analysis.FinalURL)
	assert.Len(t, analysis.RedirectChain, 3)
	assert.False(t, analysis.WasShortened)
	assert.False(t, analysis.FinalURLMismatch)
}

func TestResolveRedirectBudget(t *testing.T) {
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		// Endless self-redirect with a changing path
		http.Redirect(w, r, srv.URL+r.URL.Path+"x", http.StatusFound)
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	res, _ := newTestResolver(t, config.ResolverConfig{MaxRedirects: 3}, allowAllGuard{})

	start := srv.URL + "/a"
	analysis := res.Resolve(context.Background(), start, urlutil.HashURL(start))

	assert.Len(t, analysis.RedirectChain, 3)
	assert.Equal(t, analysis.RedirectChain[2], analysis.FinalURL)
}

func TestResolveNetworkFailureDegrades(t *testing.T) {
	res, _ := newTestResolver(t, config.ResolverConfig{}, allowAllGuard{})

	// Unroutable address: the walk stops at the last known hop
	start := "http://192.0.2.1:8080/login"
	analysis := res.Resolve(context.Background(), start, urlutil.HashURL(start))

	assert.Equal(t, start, analysis.FinalURL)
	assert.Equal(t, []string{start}, analysis.RedirectChain)
}

func TestResolveGuardBlocksHop(t *testing.T) {
	res, _ := newTestResolver(t, config.ResolverConfig{}, denyAllGuard{})

	start := "http://blocked.test/path"
	analysis := res.Resolve(context.Background(), start, urlutil.HashURL(start))

	assert.Equal(t, start, analysis.FinalURL)
	assert.Empty(t, analysis.RedirectChain)
}

func TestResolveShortenerViaUnshortenService(t *testing.T) {
	mux := http.NewServeMux()
	var srv *httptest.Server
	unshortenCalls := 0
	mux.HandleFunc("/unshorten/", func(w http.ResponseWriter, r *http.Request) {
		unshortenCalls++
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"requested_url": "https://bit.ly/abc",
			"resolved_url":  srv.URL + "/landing",
			"success":       true,
		})
	})
	mux.HandleFunc("/landing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	res, _ := newTestResolver(t, config.ResolverConfig{
		UnshortenEndpoint: srv.URL + "/unshorten",
	}, allowAllGuard{})

	short := "https://bit.ly/abc"
	hash := urlutil.HashURL(short)
	analysis := res.Resolve(context.Background(), short, hash)

	require.NotNil(t, analysis.Shortener)
	assert.Equal(t, "bit.ly", analysis.Shortener.Service)
	assert.Equal(t, "unshorten", analysis.Shortener.Method)
	assert.True(t, analysis.Shortener.Expanded)
	assert.True(t, analysis.WasShortened)
	assert.Equal(t, srv.URL+"/landing", analysis.FinalURL)
	assert.True(t, analysis.FinalURLMismatch, "shortener landed on an unrelated host")
	assert.Contains(t, analysis.RedirectChain, short)
	assert.Equal(t, 1, unshortenCalls)

	// Second resolve of the same hash is served from the shortener cache
	analysis = res.Resolve(context.Background(), short, hash)
	require.NotNil(t, analysis.Shortener)
	assert.Equal(t, srv.URL+"/landing", analysis.FinalURL)
	assert.Equal(t, 1, unshortenCalls)
}

func TestResolveShortenerDirectFallback(t *testing.T) {
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/unshorten/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/landing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	// The guard rejects every hop, so the direct walk fails too and the
	// failure reason lands on the shortener info.
	res, _ := newTestResolver(t, config.ResolverConfig{
		UnshortenEndpoint: srv.URL + "/unshorten",
	}, denyAllGuard{})

	short := "https://tinyurl.com/xyz"
	analysis := res.Resolve(context.Background(), short, urlutil.HashURL(short))

	require.NotNil(t, analysis.Shortener)
	assert.Equal(t, "tinyurl.com", analysis.Shortener.Service)
	assert.Equal(t, "direct", analysis.Shortener.Method)
	assert.False(t, analysis.Shortener.Expanded)
	assert.NotEmpty(t, analysis.Shortener.FailureReason)
	assert.True(t, analysis.WasShortened)
	assert.Equal(t, short, analysis.FinalURL)
}

func TestResolveComputesFinalURLHeuristics(t *testing.T) {
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+"/payload.exe", http.StatusFound)
	})
	mux.HandleFunc("/payload.exe", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	res, _ := newTestResolver(t, config.ResolverConfig{}, allowAllGuard{})

	start := srv.URL + "/start"
	analysis := res.Resolve(context.Background(), start, urlutil.HashURL(start))

	assert.True(t, analysis.Heuristics.ExecutableExtension)
	assert.True(t, analysis.Heuristics.IPLiteralHost)
	assert.True(t, analysis.Heuristics.UncommonPort)
}

func TestMergeChains(t *testing.T) {
	merged := mergeChains(
		[]string{"http://a.test/", "http://b.test/"},
		[]string{"http://b.test/", "http://c.test/"},
	)
	assert.Equal(t, []string{"http://a.test/", "http://b.test/", "http://c.test/"}, merged)
}
