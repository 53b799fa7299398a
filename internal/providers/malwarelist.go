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

// MalwareList is the third, independent malware-URL list consulted when
// neither the primary nor the secondary blocklist produced a verified
// hit.
type MalwareList struct {
	cfg     config.ProviderConfig
	client  *http.Client
	wrapper *Wrapper
}

// NewMalwareList creates the malware-URL list adapter.
func NewMalwareList(cfg config.ProviderConfig, wrapper *Wrapper) *MalwareList {
	return &MalwareList{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		wrapper: wrapper,
	}
}

// Name returns the provider key.
func (m *MalwareList) Name() string { return "malwarelist" }

// Enabled reports whether the provider is configured on.
func (m *MalwareList) Enabled() bool { return m.cfg.Enabled }

type malwareListResponse struct {
	QueryStatus string `json:"query_status"`
	Threat      string `json:"threat"`
	URLStatus   string `json:"url_status"`
	Reference   string `json:"urlhaus_reference"`
}

// Check queries the malware-URL list for a URL.
func (m *MalwareList) Check(ctx context.Context, target, urlHash string) *types.BlocklistResult {
	result := &types.BlocklistResult{Provider: m.Name()}

	matches, fromCache, durationMs, err := Fetch(ctx, m.wrapper, FetchOptions{
		Provider: m.Name(),
		CacheKey: storage.AnalysisKey(urlHash, m.Name()),
		CacheTTL: m.cfg.CacheTTL,
	}, func(ctx context.Context) ([]types.BlocklistMatch, error) {
		return m.lookup(ctx, target)
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

func (m *MalwareList) lookup(ctx context.Context, target string) ([]types.BlocklistMatch, error) {
	form := url.Values{}
	form.Set("url", target)

	endpoint := m.cfg.BaseURL + "/v1/url/"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, WrapError(m.Name(), err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, WrapError(m.Name(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, NewHTTPError(m.Name(), resp.StatusCode, string(msg))
	}

	var parsed malwareListResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, WrapError(m.Name(), err)
	}

	if parsed.QueryStatus != "ok" {
		// no_results and invalid_url both mean "not listed"
		return nil, nil
	}
	threat := parsed.Threat
	if threat == "" {
		threat = "MALWARE"
	}
	return []types.BlocklistMatch{{
		Source:     m.Name(),
		ThreatType: strings.ToUpper(threat),
		Verified:   parsed.URLStatus == "online",
		Detail:     parsed.Reference,
	}}, nil
}
