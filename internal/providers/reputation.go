package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/link-scanner/internal/config"
	"github.com/link-scanner/internal/storage"
	"github.com/link-scanner/internal/types"
)

// Reputation is the AV-engine aggregator adapter, consulted in the
// deep-scan phase.
type Reputation struct {
	cfg     config.ProviderConfig
	client  *http.Client
	wrapper *Wrapper
}

// NewReputation creates the reputation aggregator adapter.
func NewReputation(cfg config.ProviderConfig, wrapper *Wrapper) *Reputation {
	return &Reputation{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		wrapper: wrapper,
	}
}

// Name returns the provider key.
func (r *Reputation) Name() string { return "reputation" }

// Enabled reports whether the provider is configured on.
func (r *Reputation) Enabled() bool { return r.cfg.Enabled }

// HasAPIKey reports whether an API key is present.
func (r *Reputation) HasAPIKey() bool { return r.cfg.APIKey != "" }

// ReputationResult is the aggregator's answer for a URL.
type ReputationResult struct {
	Stats      types.ReputationStats `json:"stats"`
	FromCache  bool                  `json:"fromCache"`
	DurationMs int64                 `json:"durationMs"`
	Error      string                `json:"error,omitempty"`
}

type vtResponse struct {
	Data struct {
		Attributes struct {
			LastAnalysisStats struct {
				Malicious  int `json:"malicious"`
				Suspicious int `json:"suspicious"`
				Harmless   int `json:"harmless"`
				Undetected int `json:"undetected"`
			} `json:"last_analysis_stats"`
		} `json:"attributes"`
	} `json:"data"`
}

// Check fetches engine stats for a URL. An unknown URL is a clean
// result, not an error; quota exhaustion surfaces as quota_exceeded.
func (r *Reputation) Check(ctx context.Context, target, urlHash string) *ReputationResult {
	result := &ReputationResult{}

	stats, fromCache, durationMs, err := Fetch(ctx, r.wrapper, FetchOptions{
		Provider: r.Name(),
		CacheKey: storage.AnalysisKey(urlHash, r.Name()),
		CacheTTL: r.cfg.CacheTTL,
	}, func(ctx context.Context) (types.ReputationStats, error) {
		return r.lookup(ctx, target)
	})

	result.FromCache = fromCache
	result.DurationMs = durationMs
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Stats = stats
	return result
}

func (r *Reputation) lookup(ctx context.Context, target string) (types.ReputationStats, error) {
	var stats types.ReputationStats

	// URL identity is the unpadded url-safe base64 of the raw URL
	id := strings.TrimRight(base64.URLEncoding.EncodeToString([]byte(target)), "=")
	endpoint := r.cfg.BaseURL + "/api/v3/urls/" + id

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return stats, WrapError(r.Name(), err)
	}
	req.Header.Set("x-apikey", r.cfg.APIKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return stats, WrapError(r.Name(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		// Never scanned by the aggregator: clean, cacheable
		return stats, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if strings.Contains(strings.ToLower(string(msg)), "quota") {
			return stats, NewQuotaError(r.Name(), string(msg))
		}
		return stats, NewHTTPError(r.Name(), resp.StatusCode, string(msg))
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return stats, NewHTTPError(r.Name(), resp.StatusCode, string(msg))
	}

	var parsed vtResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return stats, WrapError(r.Name(), err)
	}

	s := parsed.Data.Attributes.LastAnalysisStats
	return types.ReputationStats{
		Malicious:  s.Malicious,
		Suspicious: s.Suspicious,
		Harmless:   s.Harmless,
		Undetected: s.Undetected,
		Found:      true,
	}, nil
}
