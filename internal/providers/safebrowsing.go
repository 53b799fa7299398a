package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/link-scanner/internal/config"
	"github.com/link-scanner/internal/storage"
	"github.com/link-scanner/internal/types"
)

// SafeBrowsing is the primary blocklist adapter.
type SafeBrowsing struct {
	cfg     config.ProviderConfig
	client  *http.Client
	wrapper *Wrapper
}

// NewSafeBrowsing creates the primary blocklist adapter.
func NewSafeBrowsing(cfg config.ProviderConfig, wrapper *Wrapper) *SafeBrowsing {
	return &SafeBrowsing{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		wrapper: wrapper,
	}
}

// Name returns the provider key.
func (s *SafeBrowsing) Name() string { return "safebrowsing" }

// Enabled reports whether the provider is configured on.
func (s *SafeBrowsing) Enabled() bool { return s.cfg.Enabled }

// HasAPIKey reports whether an API key is present. A keyless primary
// cannot be trusted and always triggers the secondary list.
func (s *SafeBrowsing) HasAPIKey() bool { return s.cfg.APIKey != "" }

// LatencyBudgetMs is the fast-path latency budget for this provider.
func (s *SafeBrowsing) LatencyBudgetMs() int64 { return s.cfg.LatencyBudgetMs }

type sbThreatMatch struct {
	ThreatType   string `json:"threatType"`
	PlatformType string `json:"platformType"`
	Threat       struct {
		URL string `json:"url"`
	} `json:"threat"`
}

type sbResponse struct {
	Matches []sbThreatMatch `json:"matches"`
}

// Check looks a URL up against the threat-match API. Failures never
// propagate as errors; they land in the result's Error field with empty
// matches.
func (s *SafeBrowsing) Check(ctx context.Context, url, urlHash string) *types.BlocklistResult {
	result := &types.BlocklistResult{Provider: s.Name()}

	matches, fromCache, durationMs, err := Fetch(ctx, s.wrapper, FetchOptions{
		Provider: s.Name(),
		CacheKey: storage.AnalysisKey(urlHash, s.Name()),
		CacheTTL: s.cfg.CacheTTL,
	}, func(ctx context.Context) ([]types.BlocklistMatch, error) {
		return s.lookup(ctx, url)
	})

	result.FromCache = fromCache
	result.DurationMs = durationMs
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Matches = matches
	return result
}

func (s *SafeBrowsing) lookup(ctx context.Context, url string) ([]types.BlocklistMatch, error) {
	body := map[string]interface{}{
		"client": map[string]string{"clientId": "link-scanner", "clientVersion": "1.0"},
		"threatInfo": map[string]interface{}{
			"threatTypes":      []string{"MALWARE", "SOCIAL_ENGINEERING", "UNWANTED_SOFTWARE"},
			"platformTypes":    []string{"ANY_PLATFORM"},
			"threatEntryTypes": []string{"URL"},
			"threatEntries":    []map[string]string{{"url": url}},
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, WrapError(s.Name(), err)
	}

	endpoint := fmt.Sprintf("%s/v4/threatMatches:find?key=%s", s.cfg.BaseURL, s.cfg.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, WrapError(s.Name(), err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, WrapError(s.Name(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, NewHTTPError(s.Name(), resp.StatusCode, string(msg))
	}

	var parsed sbResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, WrapError(s.Name(), err)
	}

	// Normalize the provider shape into the canonical match record
	matches := make([]types.BlocklistMatch, 0, len(parsed.Matches))
	for _, m := range parsed.Matches {
		matches = append(matches, types.BlocklistMatch{
			Source:     s.Name(),
			ThreatType: m.ThreatType,
			Platform:   m.PlatformType,
			Verified:   true,
		})
	}
	return matches, nil
}
