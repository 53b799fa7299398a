package analyzer

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// CertAnalysis is the outcome of inspecting a host's TLS certificate.
type CertAnalysis struct {
	Fetched    bool     `json:"fetched"`
	SelfSigned bool     `json:"selfSigned"`
	Issuer     string   `json:"issuer,omitempty"`
	AgeDays    int      `json:"ageDays"`
	ExpiryDays int      `json:"expiryDays"`
	SANCount   int      `json:"sanCount"`
	Score      float64  `json:"score"`
	Reasons    []string `json:"reasons,omitempty"`
}

// InspectCertificate dials the host and scores its leaf certificate.
// Connection failures score 0.5; they are a weak signal on their own.
func InspectCertificate(ctx context.Context, host string, port string, timeout time.Duration) CertAnalysis {
	var analysis CertAnalysis
	if port == "" {
		port = "443"
	}

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", net.JoinHostPort(host, port), &tls.Config{
		ServerName: host,
		// Bad certificates are exactly what we want to look at
		InsecureSkipVerify: true,
	})
	if err != nil {
		analysis.Score = 0.5
		analysis.Reasons = append(analysis.Reasons, "Unable to fetch certificate")
		return analysis
	}
	defer func() { _ = conn.Close() }()

	certs := conn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		analysis.Score = 0.5
		analysis.Reasons = append(analysis.Reasons, "Unable to fetch certificate")
		return analysis
	}
	leaf := certs[0]

	analysis.Fetched = true
	analysis.Issuer = leaf.Issuer.CommonName
	analysis.SelfSigned = leaf.Issuer.String() == leaf.Subject.String()
	analysis.AgeDays = int(time.Since(leaf.NotBefore).Hours() / 24)
	analysis.ExpiryDays = int(time.Until(leaf.NotAfter).Hours() / 24)
	analysis.SANCount = len(leaf.DNSNames) + len(leaf.IPAddresses)

	if analysis.SelfSigned {
		analysis.Score += 0.8
		analysis.Reasons = append(analysis.Reasons, "Self-signed certificate")
	}
	switch {
	case analysis.AgeDays < 7:
		analysis.Score += 0.4
		analysis.Reasons = append(analysis.Reasons,
			fmt.Sprintf("Certificate age < 7 days (%d days)", analysis.AgeDays))
	case analysis.AgeDays < 30:
		analysis.Score += 0.2
		analysis.Reasons = append(analysis.Reasons,
			fmt.Sprintf("Certificate age < 30 days (%d days)", analysis.AgeDays))
	}
	if analysis.SANCount > 10 {
		analysis.Score += 0.3
		analysis.Reasons = append(analysis.Reasons,
			fmt.Sprintf("Excessive SAN count (%d)", analysis.SANCount))
	}
	if analysis.ExpiryDays < 0 {
		analysis.Score += 0.9
		analysis.Reasons = append(analysis.Reasons, "Certificate expired")
	}

	return analysis
}

// Fingerprint is the outcome of the HTTP response inspection.
type Fingerprint struct {
	StatusCode   int      `json:"statusCode"`
	ServerHeader string   `json:"serverHeader,omitempty"`
	Score        float64  `json:"score"`
	Reasons      []string `json:"reasons,omitempty"`
}

var staleServerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)apache.*\(ubuntu\)`),
	regexp.MustCompile(`(?i)nginx/1\.[0-9]+\.[0-9]+`),
	regexp.MustCompile(`(?i)microsoft-iis/[5-7]\.`),
}

var securityHeaders = []string{
	"Strict-Transport-Security",
	"Content-Security-Policy",
	"X-Frame-Options",
	"X-Content-Type-Options",
}

// FingerprintHTTP sends a single HEAD request and scores the response
// headers. The guard is consulted before dialing; a blocked URL scores
// zero.
func FingerprintHTTP(ctx context.Context, client *http.Client, guard interface {
	ValidateOutboundURL(ctx context.Context, rawURL string) error
}, targetURL string) Fingerprint {
	var fp Fingerprint

	if guard != nil {
		if err := guard.ValidateOutboundURL(ctx, targetURL); err != nil {
			return fp
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, targetURL, nil)
	if err != nil {
		return fp
	}
	req.Header.Set("User-Agent", "link-scanner/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return fp
	}
	_ = resp.Body.Close()

	fp.StatusCode = resp.StatusCode
	fp.ServerHeader = resp.Header.Get("Server")

	missing := 0
	for _, h := range securityHeaders {
		if resp.Header.Get(h) == "" {
			missing++
		}
	}
	if missing == len(securityHeaders) {
		fp.Score += 0.2
		fp.Reasons = append(fp.Reasons, "All security headers missing")
	}

	if fp.ServerHeader != "" {
		for _, p := range staleServerPatterns {
			if p.MatchString(fp.ServerHeader) {
				fp.Score += 0.3
				fp.Reasons = append(fp.Reasons, "Potentially compromised server: "+fp.ServerHeader)
				break
			}
		}
	}

	location := resp.Header.Get("Location")
	if location != "" && resp.StatusCode >= 300 && resp.StatusCode < 400 {
		if crossDomainRedirect(targetURL, location) {
			fp.Score += 0.4
			fp.Reasons = append(fp.Reasons, "Redirect to different domain")
		}
	}
	if resp.StatusCode == http.StatusNotFound && location != "" {
		fp.Score += 0.5
		fp.Reasons = append(fp.Reasons, "404 status with redirect")
	}

	return fp
}

func crossDomainRedirect(from, location string) bool {
	base, err := url.Parse(from)
	if err != nil {
		return false
	}
	target, err := base.Parse(location)
	if err != nil {
		return false
	}
	return !strings.EqualFold(base.Hostname(), target.Hostname())
}
