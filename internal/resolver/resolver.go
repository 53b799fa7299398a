// Package resolver expands shortener chains and HTTP redirects into a
// canonical final URL with heuristic signals attached.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/link-scanner/internal/config"
	"github.com/link-scanner/internal/logging"
	"github.com/link-scanner/internal/providers"
	"github.com/link-scanner/internal/storage"
	"github.com/link-scanner/internal/types"
	"github.com/link-scanner/internal/urlutil"
)

// Expansion failure reasons recorded on the shortener info.
const (
	ReasonTimeout         = "timeout"
	ReasonHTTPError       = "http-error"
	ReasonSSRFBlocked     = "ssrf-blocked"
	ReasonExpansionFailed = "expansion-failed"
)

// OutboundGuard validates a URL before the resolver dials it.
type OutboundGuard interface {
	ValidateOutboundURL(ctx context.Context, rawURL string) error
}

// Resolver turns a normalized URL into its final destination. Shortener
// expansion goes through a remote unshorten service first, falling back
// to walking redirects directly; both paths run under the shared
// provider call discipline.
type Resolver struct {
	cfg     config.ResolverConfig
	cache   *storage.CacheService
	wrapper *providers.Wrapper
	guard   OutboundGuard
	client  *http.Client
}

// New creates a resolver.
func New(cfg config.ResolverConfig, cache *storage.CacheService, wrapper *providers.Wrapper, guard OutboundGuard) *Resolver {
	return &Resolver{
		cfg:     cfg,
		cache:   cache,
		wrapper: wrapper,
		guard:   guard,
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// Redirects are walked manually so each hop is guarded
				return http.ErrUseLastResponse
			},
		},
	}
}

// shortenerResolution is the cached expansion of a shortened URL.
type shortenerResolution struct {
	FinalURL string              `json:"finalUrl"`
	Chain    []string            `json:"chain"`
	Info     types.ShortenerInfo `json:"info"`
}

// Resolve expands a normalized URL and computes heuristic signals on
// the final destination. Expansion failures degrade to "no further hops
// known" rather than failing the scan.
func (r *Resolver) Resolve(ctx context.Context, normalizedURL, urlHash string) *types.URLAnalysis {
	analysis := &types.URLAnalysis{
		OriginalURL: normalizedURL,
		FinalURL:    normalizedURL,
	}

	short := r.resolveShortener(ctx, normalizedURL, urlHash)
	preExpansion := normalizedURL
	var shortChain []string
	if short != nil {
		analysis.WasShortened = true
		analysis.Shortener = &short.Info
		preExpansion = short.FinalURL
		shortChain = short.Chain
	}

	finalURL, chain := r.expand(ctx, preExpansion)

	analysis.FinalURL = finalURL
	analysis.RedirectChain = mergeChains(shortChain, chain)
	analysis.FinalURLMismatch = analysis.WasShortened &&
		urlutil.Hostname(normalizedURL) != urlutil.Hostname(finalURL)
	analysis.Heuristics = urlutil.ComputeHeuristics(finalURL)
	return analysis
}

// resolveShortener expands a known-shortener URL, consulting the
// dedicated cache first. Returns nil when the URL is not shortened or
// nothing could be learned.
func (r *Resolver) resolveShortener(ctx context.Context, normalizedURL, urlHash string) *shortenerResolution {
	service, known := urlutil.ShortenerService(normalizedURL)
	if !known {
		return nil
	}

	cacheKey := storage.ShortenerKey(urlHash)
	var cached shortenerResolution
	found, err := r.cache.Get(ctx, cacheKey, r.cfg.ShortenerCacheTTL, &cached)
	if err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Shortener cache read failed")
	} else if found {
		return &cached
	}

	resolution := r.expandShortener(ctx, normalizedURL, service)
	if resolution == nil {
		return nil
	}

	if resolution.Info.Expanded {
		if err := r.cache.Set(ctx, cacheKey, resolution, r.cfg.ShortenerCacheTTL); err != nil {
			logging.FromContext(ctx).WithError(err).Warn("Shortener cache write failed")
		}
	}
	return resolution
}

type unshortenResponse struct {
	RequestedURL string `json:"requested_url"`
	ResolvedURL  string `json:"resolved_url"`
	Success      *bool  `json:"success"`
	Error        string `json:"error,omitempty"`
}

// expandShortener tries the remote unshorten service, then walks
// redirects directly. A failed expansion still reports the URL as
// shortened, with the failure reason attached.
func (r *Resolver) expandShortener(ctx context.Context, normalizedURL, service string) *shortenerResolution {
	if r.cfg.UnshortenEndpoint != "" {
		resolved, _, _, err := providers.Fetch(ctx, r.wrapper, providers.FetchOptions{
			Provider: "unshorten",
		}, func(ctx context.Context) (string, error) {
			return r.unshorten(ctx, normalizedURL)
		})
		if err == nil && resolved != "" {
			return &shortenerResolution{
				FinalURL: resolved,
				Chain:    []string{normalizedURL, resolved},
				Info: types.ShortenerInfo{
					Service:  service,
					Expanded: resolved != normalizedURL,
					Method:   "unshorten",
				},
			}
		}
		if err != nil {
			logging.FromContext(ctx).WithFields(map[string]interface{}{
				"service": service,
				"error":   err.Error(),
			}).Debug("Unshorten service failed, walking redirects directly")
		}
	}

	finalURL, chain, reason := r.walkRedirects(ctx, normalizedURL)
	if reason != "" {
		return &shortenerResolution{
			FinalURL: normalizedURL,
			Chain:    []string{normalizedURL},
			Info: types.ShortenerInfo{
				Service:       service,
				Expanded:      false,
				Method:        "direct",
				FailureReason: reason,
			},
		}
	}
	return &shortenerResolution{
		FinalURL: finalURL,
		Chain:    chain,
		Info: types.ShortenerInfo{
			Service:  service,
			Expanded: finalURL != normalizedURL,
			Method:   "direct",
		},
	}
}

func (r *Resolver) unshorten(ctx context.Context, target string) (string, error) {
	endpoint := strings.TrimRight(r.cfg.UnshortenEndpoint, "/") + "/" + url.QueryEscape(target)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", providers.WrapError("unshorten", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", providers.WrapError("unshorten", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", providers.NewHTTPError("unshorten", resp.StatusCode, string(msg))
	}

	var parsed unshortenResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", providers.WrapError("unshorten", err)
	}
	if parsed.ResolvedURL == "" || (parsed.Success != nil && !*parsed.Success) {
		return "", fmt.Errorf("unshorten service gave no resolution: %s", parsed.Error)
	}
	if normalized, err := urlutil.NormalizeURL(parsed.ResolvedURL); err == nil {
		return normalized, nil
	}
	return parsed.ResolvedURL, nil
}

// expand walks HTTP redirects from start. Failures stop the walk at the
// last known hop.
func (r *Resolver) expand(ctx context.Context, start string) (string, []string) {
	finalURL, chain, reason := r.walkRedirects(ctx, start)
	if reason != "" {
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"url":    start,
			"reason": reason,
		}).Debug("Redirect expansion stopped early")
	}
	return finalURL, chain
}

// walkRedirects follows redirects hop by hop, validating each hop
// against the outbound guard. It returns the last reachable URL, the
// hops visited, and a failure reason when the walk did not complete
// cleanly.
func (r *Resolver) walkRedirects(ctx context.Context, start string) (string, []string, string) {
	current := start
	var chain []string

	for i := 0; i < r.cfg.MaxRedirects; i++ {
		normalized, err := urlutil.NormalizeURL(current)
		if err != nil {
			return last(chain, start), chain, ReasonExpansionFailed
		}

		if r.guard != nil {
			if err := r.guard.ValidateOutboundURL(ctx, normalized); err != nil {
				return last(chain, start), chain, ReasonSSRFBlocked
			}
		}

		if len(chain) == 0 || chain[len(chain)-1] != normalized {
			chain = append(chain, normalized)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodHead, normalized, nil)
		if err != nil {
			return normalized, chain, ReasonExpansionFailed
		}
		req.Header.Set("User-Agent", "link-scanner/1.0")

		resp, err := r.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return normalized, chain, ReasonTimeout
			}
			return normalized, chain, ReasonHTTPError
		}
		_ = resp.Body.Close()

		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			location := resp.Header.Get("Location")
			if location == "" {
				return normalized, chain, ""
			}
			base, parseErr := url.Parse(normalized)
			if parseErr != nil {
				return normalized, chain, ReasonExpansionFailed
			}
			next, parseErr := base.Parse(location)
			if parseErr != nil {
				return normalized, chain, ReasonExpansionFailed
			}
			current = next.String()
			continue
		}

		if resp.StatusCode >= 500 {
			return normalized, chain, ReasonHTTPError
		}
		return normalized, chain, ""
	}

	// Redirect budget exhausted: the last hop reached is the answer
	return last(chain, start), chain, ""
}

func mergeChains(first, second []string) []string {
	seen := make(map[string]bool, len(first)+len(second))
	merged := make([]string, 0, len(first)+len(second))
	for _, hop := range first {
		if !seen[hop] {
			seen[hop] = true
			merged = append(merged, hop)
		}
	}
	for _, hop := range second {
		if !seen[hop] {
			seen[hop] = true
			merged = append(merged, hop)
		}
	}
	return merged
}

func last(chain []string, fallback string) string {
	if len(chain) == 0 {
		return fallback
	}
	return chain[len(chain)-1]
}
