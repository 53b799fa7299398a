package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/link-scanner/internal/config"
)

func providerCfg(baseURL string) config.ProviderConfig {
	return config.ProviderConfig{
		Enabled:  true,
		BaseURL:  baseURL,
		APIKey:   "test-key",
		Timeout:  2 * time.Second,
		CacheTTL: time.Hour,
	}
}

func TestSafeBrowsingCheck(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v4/threatMatches:find", r.URL.Path)
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"matches": []map[string]interface{}{
				{
					"threatType":   "SOCIAL_ENGINEERING",
					"platformType": "ANY_PLATFORM",
					"threat":       map[string]string{"url": "http://evil.test/login"},
				},
			},
		})
	}))
	defer srv.Close()

	w, _, _ := newTestWrapper(t)
	sb := NewSafeBrowsing(providerCfg(srv.URL), w)

	result := sb.Check(context.Background(), "http://evil.test/login", "hash-sb-1")
	require.Empty(t, result.Error)
	require.Len(t, result.Matches, 1)
	assert.Equal(t, "safebrowsing", result.Matches[0].Source)
	assert.Equal(t, "SOCIAL_ENGINEERING", result.Matches[0].ThreatType)
	assert.True(t, result.Matches[0].Verified)
	assert.True(t, result.Hit())
	assert.False(t, result.FromCache)

	// Second check for the same hash is served from cache
	result = sb.Check(context.Background(), "http://evil.test/login", "hash-sb-1")
	require.Empty(t, result.Error)
	assert.True(t, result.FromCache)
	assert.Equal(t, 1, hits)
}

func TestSafeBrowsingCheckServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal", http.StatusInternalServerError)
	}))
	defer srv.Close()

	w, _, _ := newTestWrapper(t)
	sb := NewSafeBrowsing(providerCfg(srv.URL), w)

	result := sb.Check(context.Background(), "http://example.test/", "hash-sb-2")
	assert.NotEmpty(t, result.Error)
	assert.Empty(t, result.Matches)
	assert.False(t, result.Hit())
}

func TestPhishReportCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/checkurl/", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "test-key", r.PostFormValue("app_key"))

		listed := r.PostFormValue("url") == "http://phish.test/login"
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"results": map[string]interface{}{
				"in_database":       listed,
				"verified":          listed,
				"phish_id":          12345,
				"phish_detail_page": "http://db.test/phish/12345",
			},
		})
	}))
	defer srv.Close()

	w, _, _ := newTestWrapper(t)
	pr := NewPhishReport(providerCfg(srv.URL), w)

	result := pr.Check(context.Background(), "http://phish.test/login", "hash-pr-1")
	require.Empty(t, result.Error)
	require.Len(t, result.Matches, 1)
	assert.Equal(t, "PHISHING", result.Matches[0].ThreatType)
	assert.True(t, result.Matches[0].Verified)
	assert.True(t, result.VerifiedHit())

	result = pr.Check(context.Background(), "http://clean.test/", "hash-pr-2")
	require.Empty(t, result.Error)
	assert.Empty(t, result.Matches)
	assert.False(t, result.Hit())
}

func TestMalwareListCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/url/", r.URL.Path)
		require.NoError(t, r.ParseForm())

		if r.PostFormValue("url") == "http://dropper.test/a.exe" {
			_ = json.NewEncoder(w).Encode(map[string]string{
				"query_status":      "ok",
				"threat":            "malware_download",
				"url_status":        "online",
				"urlhaus_reference": "http://db.test/url/99",
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"query_status": "no_results"})
	}))
	defer srv.Close()

	w, _, _ := newTestWrapper(t)
	ml := NewMalwareList(providerCfg(srv.URL), w)

	result := ml.Check(context.Background(), "http://dropper.test/a.exe", "hash-ml-1")
	require.Empty(t, result.Error)
	require.Len(t, result.Matches, 1)
	assert.Equal(t, "MALWARE_DOWNLOAD", result.Matches[0].ThreatType)
	assert.True(t, result.Matches[0].Verified)

	result = ml.Check(context.Background(), "http://clean.test/", "hash-ml-2")
	require.Empty(t, result.Error)
	assert.Empty(t, result.Matches)
}

func TestReputationCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-apikey"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"attributes": map[string]interface{}{
					"last_analysis_stats": map[string]int{
						"malicious":  7,
						"suspicious": 2,
						"harmless":   60,
						"undetected": 10,
					},
				},
			},
		})
	}))
	defer srv.Close()

	w, _, _ := newTestWrapper(t)
	rep := NewReputation(providerCfg(srv.URL), w)

	result := rep.Check(context.Background(), "http://shady.test/", "hash-rep-1")
	require.Empty(t, result.Error)
	assert.True(t, result.Stats.Found)
	assert.Equal(t, 7, result.Stats.Malicious)
	assert.Equal(t, 2, result.Stats.Suspicious)
	assert.Equal(t, 60, result.Stats.Harmless)
}

func TestReputationCheckUnknownURLIsClean(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	w, _, _ := newTestWrapper(t)
	rep := NewReputation(providerCfg(srv.URL), w)

	result := rep.Check(context.Background(), "http://never-scanned.test/", "hash-rep-2")
	assert.Empty(t, result.Error)
	assert.False(t, result.Stats.Found)
	assert.Zero(t, result.Stats.Malicious)
}

func TestReputationCheckQuotaExceeded(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Error(w, `{"error":"daily quota exceeded"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	w, _, _ := newTestWrapper(t)
	rep := NewReputation(providerCfg(srv.URL), w)

	result := rep.Check(context.Background(), "http://shady.test/", "hash-rep-3")
	assert.NotEmpty(t, result.Error)
	assert.Contains(t, result.Error, "quota")
	assert.Equal(t, 1, hits, "quota errors must not be retried")
}

func TestDomainIntelRDAP(t *testing.T) {
	registered := time.Now().AddDate(0, 0, -10).UTC()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/domain/fresh-site.test", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"events": []map[string]interface{}{
				{"eventAction": "last changed", "eventDate": registered.AddDate(0, 0, 3)},
				{"eventAction": "registration", "eventDate": registered},
			},
		})
	}))
	defer srv.Close()

	w, _, _ := newTestWrapper(t)
	di := NewDomainIntel(config.DomainIntelConfig{
		Enabled:     true,
		RDAPBaseURL: srv.URL,
		Timeout:     2 * time.Second,
		CacheTTL:    time.Hour,
	}, w)

	result := di.Check(context.Background(), "fresh-site.test")
	require.Empty(t, result.Error)
	assert.True(t, result.Intel.Found)
	assert.Equal(t, "rdap", result.Intel.Source)
	assert.Equal(t, 10, result.Intel.AgeDays)
}

func TestDomainIntelFallsBackToWhois(t *testing.T) {
	rdap := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no rdap data", http.StatusNotFound)
	}))
	defer rdap.Close()

	whois := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "old-site.test", r.URL.Query().Get("domain"))
		assert.Equal(t, "Bearer whois-key", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]string{
			"created_date": time.Now().AddDate(-2, 0, 0).UTC().Format(time.RFC3339),
		})
	}))
	defer whois.Close()

	w, _, _ := newTestWrapper(t)
	di := NewDomainIntel(config.DomainIntelConfig{
		Enabled:      true,
		RDAPBaseURL:  rdap.URL,
		WhoisBaseURL: whois.URL,
		WhoisAPIKey:  "whois-key",
		Timeout:      2 * time.Second,
		CacheTTL:     time.Hour,
	}, w)

	result := di.Check(context.Background(), "old-site.test")
	require.Empty(t, result.Error)
	assert.Equal(t, "whois", result.Intel.Source)
	assert.GreaterOrEqual(t, result.Intel.AgeDays, 729)
}

func TestDomainIntelWhoisQuotaCooldown(t *testing.T) {
	hits := 0
	whois := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Error(w, "monthly quota used up", http.StatusPaymentRequired)
	}))
	defer whois.Close()

	w, _, _ := newTestWrapper(t)
	di := NewDomainIntel(config.DomainIntelConfig{
		Enabled:      true,
		WhoisBaseURL: whois.URL,
		Timeout:      2 * time.Second,
		CacheTTL:     time.Hour,
	}, w)

	result := di.Check(context.Background(), "one.test")
	assert.NotEmpty(t, result.Error)
	assert.Equal(t, 1, hits)

	// The metered provider is skipped without touching the network
	result = di.Check(context.Background(), "two.test")
	assert.NotEmpty(t, result.Error)
	assert.Contains(t, result.Error, "quota")
	assert.Equal(t, 1, hits)
}

func TestSandboxSubmit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/scan/", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("API-Key"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "http://suspect.test/", body["url"])

		_ = json.NewEncoder(w).Encode(map[string]string{
			"uuid": "0e5a3bd1-66b4-4b2f-8a1e-1c2d3e4f5a6b",
		})
	}))
	defer srv.Close()

	w, _, _ := newTestWrapper(t)
	sandbox := NewSandbox(config.SandboxConfig{
		Enabled: true,
		BaseURL: srv.URL,
		APIKey:  "test-key",
		Timeout: 2 * time.Second,
	}, w)

	uuid, err := sandbox.Submit(context.Background(), "http://suspect.test/")
	require.NoError(t, err)
	assert.Equal(t, "0e5a3bd1-66b4-4b2f-8a1e-1c2d3e4f5a6b", uuid)
}

func TestSandboxSubmitMissingUUID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "queued"})
	}))
	defer srv.Close()

	w, _, _ := newTestWrapper(t)
	sandbox := NewSandbox(config.SandboxConfig{
		Enabled: true,
		BaseURL: srv.URL,
		APIKey:  "test-key",
		Timeout: 2 * time.Second,
	}, w)

	_, err := sandbox.Submit(context.Background(), "http://suspect.test/")
	require.Error(t, err)
}
