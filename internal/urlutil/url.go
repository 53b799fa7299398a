// Package urlutil provides URL normalization, hashing and the cheap
// structural heuristics the fast path runs before any provider call.
package urlutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
)

var urlPattern = regexp.MustCompile(`https?://[^\s<>"']+`)

// ExtractURLs pulls http(s) URLs out of free-form message text.
func ExtractURLs(text string) []string {
	matches := urlPattern.FindAllString(text, -1)
	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		m = strings.TrimRight(m, ".,;:!?)")
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

// trackingParams are stripped during normalization so they never affect
// the URL hash.
var trackingParams = map[string]struct{}{
	"utm_source":   {},
	"utm_medium":   {},
	"utm_campaign": {},
	"utm_term":     {},
	"utm_content":  {},
	"fbclid":       {},
	"gclid":        {},
	"msclkid":      {},
	"mc_eid":       {},
	"igshid":       {},
}

var duplicateSlashes = regexp.MustCompile(`/{2,}`)

// NormalizeURL canonicalizes a URL for hashing and comparison: scheme
// check, lowercased IDN-to-ASCII host, default ports and fragments
// stripped, tracking parameters removed, duplicate path slashes
// collapsed. Returns an error for anything that is not absolute http(s).
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("unparsable url: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("unsupported scheme: %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url has no host: %s", raw)
	}

	host := strings.ToLower(u.Hostname())
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		host = ascii
	}

	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = host + ":" + port
	}

	path := duplicateSlashes.ReplaceAllString(u.EscapedPath(), "/")

	query := u.Query()
	for param := range query {
		if _, tracked := trackingParams[strings.ToLower(param)]; tracked {
			query.Del(param)
		}
	}

	normalized := url.URL{
		Scheme:   scheme,
		Host:     host,
		Path:     path,
		RawQuery: query.Encode(),
	}
	return normalized.String(), nil
}

// HashURL returns the sha256 hex digest of a normalized URL. This hash
// is the identity used for deduplication and every cache key.
func HashURL(normalizedURL string) string {
	sum := sha256.Sum256([]byte(normalizedURL))
	return hex.EncodeToString(sum[:])
}

// Hostname extracts the lowercased hostname, empty on parse failure.
func Hostname(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// Port extracts the explicit port, empty when the URL uses the
// scheme's default.
func Port(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Port()
}

// RegistrableDomain trims the hostname down to its last two labels.
// Good enough for the brand comparisons and the threat DB domain index;
// multi-label public suffixes are an accepted blind spot.
func RegistrableDomain(hostname string) string {
	parts := strings.Split(strings.Trim(hostname, "."), ".")
	if len(parts) <= 2 {
		return strings.Join(parts, ".")
	}
	return strings.Join(parts[len(parts)-2:], ".")
}
