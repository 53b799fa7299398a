// Package artifacts downloads sandbox scan artifacts (screenshot and
// DOM snapshot) into a sandboxed directory. Every candidate URL is
// validated against the trusted scan-service host and the SSRF guard
// before any request is made.
package artifacts

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/link-scanner/internal/config"
	"github.com/link-scanner/internal/logging"
	"github.com/link-scanner/internal/metrics"
)

var (
	scanUUIDPattern = regexp.MustCompile(`^[a-fA-F0-9-]{36}$`)
	urlHashPattern  = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)
)

// ValidScanUUID reports whether a scan identifier has the strict
// hex-and-dash fixed-length shape. Anything else is rejected before it
// reaches the filesystem or network.
func ValidScanUUID(s string) bool {
	return scanUUIDPattern.MatchString(s)
}

// ValidURLHash reports whether a string is a sha256 hex digest.
func ValidURLHash(s string) bool {
	return urlHashPattern.MatchString(s)
}

// AllowedArtifactURL reports whether an artifact URL points at the
// trusted scan-service host or one of its subdomains. A blank URL is
// valid-but-absent: the payload's artifact fields are optional.
func AllowedArtifactURL(rawURL, trustedHost string) bool {
	if rawURL == "" {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	trusted := strings.ToLower(trustedHost)
	if host == "" || trusted == "" {
		return false
	}
	return host == trusted || strings.HasSuffix(host, "."+trusted)
}

// Guard is the live SSRF check run after the static allowlist.
type Guard interface {
	ValidateOutboundURL(ctx context.Context, rawURL string) error
}

// Result carries whichever artifact paths were stored. Partial success
// is normal; a failed screenshot never blocks the DOM snapshot.
type Result struct {
	ScreenshotPath string
	DOMPath        string
}

// Downloader fetches validated artifacts into the artifact root.
type Downloader struct {
	cfg         config.ArtifactsConfig
	trustedHost string
	guard       Guard
	client      *http.Client
	registry    *metrics.Registry
}

// NewDownloader creates the artifact downloader.
func NewDownloader(cfg config.ArtifactsConfig, trustedHost string, guard Guard, registry *metrics.Registry) *Downloader {
	timeout := cfg.DownloadTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Downloader{
		cfg:         cfg,
		trustedHost: trustedHost,
		guard:       guard,
		client:      &http.Client{Timeout: timeout},
		registry:    registry,
	}
}

// Fetch downloads the screenshot and DOM snapshot independently. Each
// failure is counted and logged; the other artifact still proceeds.
func (d *Downloader) Fetch(ctx context.Context, urlHash, screenshotURL, domURL string) Result {
	var res Result
	res.ScreenshotPath = d.download(ctx, urlHash, "screenshot", screenshotURL, ".png")
	res.DOMPath = d.download(ctx, urlHash, "dom", domURL, ".html")
	return res
}

func (d *Downloader) download(ctx context.Context, urlHash, kind, rawURL, ext string) string {
	if rawURL == "" {
		return ""
	}
	log := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"urlHash":  urlHash,
		"artifact": kind,
	})

	if !AllowedArtifactURL(rawURL, d.trustedHost) {
		d.countFailure(kind, "untrusted_host")
		log.Warn("Artifact URL host not on the allowlist")
		return ""
	}
	if err := d.guard.ValidateOutboundURL(ctx, rawURL); err != nil {
		d.countFailure(kind, "ssrf_blocked")
		log.WithError(err).Warn("Artifact URL failed outbound validation")
		return ""
	}

	dest, err := d.destPath(urlHash, kind+ext)
	if err != nil {
		d.countFailure(kind, "path_escape")
		log.WithError(err).Error("Artifact destination escapes the artifact root")
		return ""
	}

	ctx, cancel := context.WithTimeout(ctx, d.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		d.countFailure(kind, "request")
		return ""
	}
	resp, err := d.client.Do(req)
	if err != nil {
		d.countFailure(kind, "network")
		log.WithError(err).Warn("Artifact download failed")
		return ""
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		d.countFailure(kind, "http_status")
		log.WithField("status", resp.StatusCode).Warn("Artifact download returned non-200")
		return ""
	}

	if err := d.writeFile(dest, resp.Body); err != nil {
		d.countFailure(kind, "filesystem")
		log.WithError(err).Error("Failed to store artifact")
		return ""
	}

	if d.registry != nil {
		d.registry.IncCounter(metrics.ArtifactDownloadsTotal, metrics.Labels{"type": kind})
	}
	log.WithField("path", dest).Info("Artifact stored")
	return dest
}

// destPath resolves the destination and verifies it stays inside the
// configured artifact root.
func (d *Downloader) destPath(urlHash, filename string) (string, error) {
	root := filepath.Clean(d.cfg.Dir)
	dest := filepath.Clean(filepath.Join(root, urlHash, filename))
	if !strings.HasPrefix(dest, root+string(filepath.Separator)) {
		return "", fmt.Errorf("destination %q outside artifact root %q", dest, root)
	}
	return dest, nil
}

func (d *Downloader) writeFile(dest string, body io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	reader := body
	if d.cfg.MaxBytes > 0 {
		reader = io.LimitReader(body, d.cfg.MaxBytes)
	}
	if _, err := io.Copy(f, reader); err != nil {
		_ = os.Remove(dest)
		return err
	}
	return nil
}

func (d *Downloader) countFailure(kind, reason string) {
	if d.registry != nil {
		d.registry.IncCounter(metrics.ArtifactDownloadFailuresTotal,
			metrics.Labels{"type": kind, "reason": reason})
	}
}
