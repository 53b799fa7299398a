package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/link-scanner/internal/config"
	"github.com/link-scanner/internal/logging"
	"github.com/link-scanner/internal/storage"
	"github.com/link-scanner/internal/types"
)

// DomainIntelProvider resolves domain registration age. The chain is
// RDAP first, then a self-hosted whois service, then a metered WHOIS
// API. When the metered provider reports quota exhaustion it is skipped
// until the start of the next month.
type DomainIntelProvider struct {
	cfg     config.DomainIntelConfig
	client  *http.Client
	wrapper *Wrapper

	quotaMu        sync.Mutex
	quotaResumesAt time.Time
}

// NewDomainIntel creates the domain intelligence adapter.
func NewDomainIntel(cfg config.DomainIntelConfig, wrapper *Wrapper) *DomainIntelProvider {
	return &DomainIntelProvider{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		wrapper: wrapper,
	}
}

// Name returns the provider key.
func (d *DomainIntelProvider) Name() string { return "domainintel" }

// Enabled reports whether the provider is configured on.
func (d *DomainIntelProvider) Enabled() bool { return d.cfg.Enabled }

// DomainIntelResult is the provider's answer for a domain.
type DomainIntelResult struct {
	Intel      types.DomainIntel `json:"intel"`
	FromCache  bool              `json:"fromCache"`
	DurationMs int64             `json:"durationMs"`
	Error      string            `json:"error,omitempty"`
}

// Check resolves registration age for a domain.
func (d *DomainIntelProvider) Check(ctx context.Context, domain string) *DomainIntelResult {
	result := &DomainIntelResult{}

	intel, fromCache, durationMs, err := Fetch(ctx, d.wrapper, FetchOptions{
		Provider: d.Name(),
		CacheKey: storage.AnalysisKey(urlHashForDomain(domain), d.Name()),
		CacheTTL: d.cfg.CacheTTL,
	}, func(ctx context.Context) (types.DomainIntel, error) {
		return d.lookup(ctx, domain)
	})

	result.FromCache = fromCache
	result.DurationMs = durationMs
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Intel = intel
	return result
}

// urlHashForDomain keys the domain cache without colliding with URL
// hashes; domains are already normalized lowercase hostnames.
func urlHashForDomain(domain string) string {
	return "domain-" + domain
}

func (d *DomainIntelProvider) lookup(ctx context.Context, domain string) (types.DomainIntel, error) {
	intel := types.DomainIntel{Domain: domain}

	if d.cfg.RDAPBaseURL != "" {
		if registered, err := d.rdapLookup(ctx, domain); err == nil {
			return withAge(intel, registered, "rdap"), nil
		} else {
			logging.FromContext(ctx).WithFields(map[string]interface{}{
				"domain": domain,
				"error":  err.Error(),
			}).Debug("RDAP lookup failed, falling back to whois")
		}
	}

	if d.cfg.WhoisBaseURL != "" {
		if d.quotaExhausted() {
			return intel, NewQuotaError(d.Name(), "whois quota exhausted until next month")
		}
		registered, err := d.whoisLookup(ctx, domain)
		if err != nil {
			if pe, ok := err.(*Error); ok && pe.Quota {
				d.markQuotaExhausted()
			}
			return intel, err
		}
		return withAge(intel, registered, "whois"), nil
	}

	return intel, fmt.Errorf("no domain intel source answered for %q", domain)
}

func withAge(intel types.DomainIntel, registered time.Time, source string) types.DomainIntel {
	intel.RegisteredAt = &registered
	intel.AgeDays = int(time.Since(registered).Hours() / 24)
	intel.Source = source
	intel.Found = true
	return intel
}

type rdapResponse struct {
	Events []struct {
		EventAction string    `json:"eventAction"`
		EventDate   time.Time `json:"eventDate"`
	} `json:"events"`
}

func (d *DomainIntelProvider) rdapLookup(ctx context.Context, domain string) (time.Time, error) {
	endpoint := fmt.Sprintf("%s/domain/%s", d.cfg.RDAPBaseURL, domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return time.Time{}, WrapError(d.Name(), err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return time.Time{}, WrapError(d.Name(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return time.Time{}, NewHTTPError(d.Name(), resp.StatusCode, string(msg))
	}

	var parsed rdapResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return time.Time{}, WrapError(d.Name(), err)
	}

	for _, event := range parsed.Events {
		if event.EventAction == "registration" {
			return event.EventDate, nil
		}
	}
	return time.Time{}, fmt.Errorf("rdap response for %q has no registration event", domain)
}

type whoisResponse struct {
	CreatedDate time.Time `json:"created_date"`
}

func (d *DomainIntelProvider) whoisLookup(ctx context.Context, domain string) (time.Time, error) {
	endpoint := fmt.Sprintf("%s/whois?domain=%s", d.cfg.WhoisBaseURL, domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return time.Time{}, WrapError(d.Name(), err)
	}
	if d.cfg.WhoisAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.cfg.WhoisAPIKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return time.Time{}, WrapError(d.Name(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusForbidden {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return time.Time{}, NewQuotaError(d.Name(), string(msg))
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return time.Time{}, NewHTTPError(d.Name(), resp.StatusCode, string(msg))
	}

	var parsed whoisResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return time.Time{}, WrapError(d.Name(), err)
	}
	if parsed.CreatedDate.IsZero() {
		return time.Time{}, fmt.Errorf("whois response for %q has no created date", domain)
	}
	return parsed.CreatedDate, nil
}

func (d *DomainIntelProvider) quotaExhausted() bool {
	d.quotaMu.Lock()
	defer d.quotaMu.Unlock()
	return time.Now().Before(d.quotaResumesAt)
}

// markQuotaExhausted disables the metered provider until the first of
// the next month.
func (d *DomainIntelProvider) markQuotaExhausted() {
	now := time.Now().UTC()
	resume := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)

	d.quotaMu.Lock()
	d.quotaResumesAt = resume
	d.quotaMu.Unlock()

	logging.WithFields(map[string]interface{}{
		"provider":  d.Name(),
		"resumesAt": resume.Format(time.RFC3339),
	}).Warn("Metered WHOIS quota exhausted, disabling until next month")
}
