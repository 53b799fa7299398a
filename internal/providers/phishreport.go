package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/link-scanner/internal/config"
	"github.com/link-scanner/internal/storage"
	"github.com/link-scanner/internal/types"
)

// PhishReport is the secondary blocklist adapter, a community phishing
// database with analyst verification flags.
type PhishReport struct {
	cfg     config.ProviderConfig
	client  *http.Client
	wrapper *Wrapper
}

// NewPhishReport creates the secondary blocklist adapter.
func NewPhishReport(cfg config.ProviderConfig, wrapper *Wrapper) *PhishReport {
	return &PhishReport{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		wrapper: wrapper,
	}
}

// Name returns the provider key.
func (p *PhishReport) Name() string { return "phishreport" }

// Enabled reports whether the provider is configured on.
func (p *PhishReport) Enabled() bool { return p.cfg.Enabled }

type phishReportResponse struct {
	Results struct {
		InDatabase bool   `json:"in_database"`
		Verified   bool   `json:"verified"`
		PhishID    int64  `json:"phish_id"`
		DetailPage string `json:"phish_detail_page"`
	} `json:"results"`
}

// Check queries the phishing database for a URL.
func (p *PhishReport) Check(ctx context.Context, target, urlHash string) *types.BlocklistResult {
	result := &types.BlocklistResult{Provider: p.Name()}

	matches, fromCache, durationMs, err := Fetch(ctx, p.wrapper, FetchOptions{
		Provider: p.Name(),
		CacheKey: storage.AnalysisKey(urlHash, p.Name()),
		CacheTTL: p.cfg.CacheTTL,
	}, func(ctx context.Context) ([]types.BlocklistMatch, error) {
		return p.lookup(ctx, target)
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

func (p *PhishReport) lookup(ctx context.Context, target string) ([]types.BlocklistMatch, error) {
	form := url.Values{}
	form.Set("url", target)
	form.Set("format", "json")
	if p.cfg.APIKey != "" {
		form.Set("app_key", p.cfg.APIKey)
	}

	endpoint := p.cfg.BaseURL + "/checkurl/"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, WrapError(p.Name(), err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, WrapError(p.Name(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, NewHTTPError(p.Name(), resp.StatusCode, string(msg))
	}

	var parsed phishReportResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, WrapError(p.Name(), err)
	}

	if !parsed.Results.InDatabase {
		return nil, nil
	}
	return []types.BlocklistMatch{{
		Source:     p.Name(),
		ThreatType: "PHISHING",
		Verified:   parsed.Results.Verified,
		Detail:     parsed.Results.DetailPage,
	}}, nil
}
