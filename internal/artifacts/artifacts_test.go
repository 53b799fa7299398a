package artifacts

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/link-scanner/internal/config"
	"github.com/link-scanner/internal/metrics"
)

type allowAllGuard struct{}

func (allowAllGuard) ValidateOutboundURL(ctx context.Context, rawURL string) error { return nil }

type denyAllGuard struct{}

func (denyAllGuard) ValidateOutboundURL(ctx context.Context, rawURL string) error {
	return errors.New("resolves to private address")
}

const testHash = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func newDownloader(t *testing.T, trustedHost string, guard Guard) (*Downloader, *metrics.Registry) {
	t.Helper()
	registry := metrics.NewRegistry()
	cfg := config.ArtifactsConfig{
		Dir:             t.TempDir(),
		DownloadTimeout: 5 * time.Second,
		MaxBytes:        1 << 20,
	}
	return NewDownloader(cfg, trustedHost, guard, registry), registry
}

func TestValidScanUUID(t *testing.T) {
	assert.True(t, ValidScanUUID("0196c7e2-aaaa-bbbb-cccc-1234567890ab"))
	assert.False(t, ValidScanUUID("0196c7e2"))
	assert.False(t, ValidScanUUID("0196c7e2-aaaa-bbbb-cccc-1234567890zz"))
	assert.False(t, ValidScanUUID("../../etc/passwd-0196c7e2-aaaa-bbbb"))
	assert.False(t, ValidScanUUID(""))
}

func TestValidURLHash(t *testing.T) {
	assert.True(t, ValidURLHash(testHash))
	assert.False(t, ValidURLHash("short"))
	assert.False(t, ValidURLHash(strings.Repeat("g", 64)))
}

func TestAllowedArtifactURL(t *testing.T) {
	assert.True(t, AllowedArtifactURL("https://urlscan.io/screenshots/x.png", "urlscan.io"))
	assert.True(t, AllowedArtifactURL("https://cdn.urlscan.io/screenshots/x.png", "urlscan.io"))
	assert.False(t, AllowedArtifactURL("https://evilurlscan.io/x.png", "urlscan.io"))
	assert.False(t, AllowedArtifactURL("https://urlscan.io.evil.example/x.png", "urlscan.io"))
	assert.False(t, AllowedArtifactURL("https://attacker.example/x.png", "urlscan.io"))
	// Optional artifact fields may be blank
	assert.True(t, AllowedArtifactURL("", "urlscan.io"))
}

func TestFetchStoresBothArtifacts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".png") {
			_, _ = w.Write([]byte("png-bytes"))
			return
		}
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()
	host := hostOf(t, srv.URL)

	d, registry := newDownloader(t, host, allowAllGuard{})
	res := d.Fetch(context.Background(), testHash, srv.URL+"/shot.png", srv.URL+"/dom")

	require.NotEmpty(t, res.ScreenshotPath)
	require.NotEmpty(t, res.DOMPath)

	data, err := os.ReadFile(res.ScreenshotPath)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))

	assert.Equal(t, float64(1), registry.CounterValue(metrics.ArtifactDownloadsTotal, metrics.Labels{"type": "screenshot"}))
	assert.Equal(t, float64(1), registry.CounterValue(metrics.ArtifactDownloadsTotal, metrics.Labels{"type": "dom"}))
}

func TestFetchPartialSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".png") {
			http.Error(w, "gone", http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()
	host := hostOf(t, srv.URL)

	d, registry := newDownloader(t, host, allowAllGuard{})
	res := d.Fetch(context.Background(), testHash, srv.URL+"/shot.png", srv.URL+"/dom")

	assert.Empty(t, res.ScreenshotPath)
	assert.NotEmpty(t, res.DOMPath)
	assert.Equal(t, float64(1), registry.CounterValue(metrics.ArtifactDownloadFailuresTotal,
		metrics.Labels{"type": "screenshot", "reason": "http_status"}))
}

func TestFetchRejectsUntrustedHostWithoutRequest(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
	}))
	defer srv.Close()

	d, registry := newDownloader(t, "urlscan.io", allowAllGuard{})
	res := d.Fetch(context.Background(), testHash, srv.URL+"/shot.png", "")

	assert.Empty(t, res.ScreenshotPath)
	assert.Zero(t, requests)
	assert.Equal(t, float64(1), registry.CounterValue(metrics.ArtifactDownloadFailuresTotal,
		metrics.Labels{"type": "screenshot", "reason": "untrusted_host"}))
}

func TestFetchRejectsGuardBlockedURLWithoutRequest(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
	}))
	defer srv.Close()
	host := hostOf(t, srv.URL)

	d, registry := newDownloader(t, host, denyAllGuard{})
	res := d.Fetch(context.Background(), testHash, srv.URL+"/shot.png", "")

	assert.Empty(t, res.ScreenshotPath)
	assert.Zero(t, requests)
	assert.Equal(t, float64(1), registry.CounterValue(metrics.ArtifactDownloadFailuresTotal,
		metrics.Labels{"type": "screenshot", "reason": "ssrf_blocked"}))
}

func TestFetchBlankURLsAreAbsentNotErrors(t *testing.T) {
	d, registry := newDownloader(t, "urlscan.io", allowAllGuard{})
	res := d.Fetch(context.Background(), testHash, "", "")
	assert.Empty(t, res.ScreenshotPath)
	assert.Empty(t, res.DOMPath)
	assert.Zero(t, registry.CounterValue(metrics.ArtifactDownloadFailuresTotal,
		metrics.Labels{"type": "screenshot", "reason": "untrusted_host"}))
}

func TestDestPathRejectsTraversal(t *testing.T) {
	d, _ := newDownloader(t, "urlscan.io", allowAllGuard{})

	_, err := d.destPath("../../etc", "passwd.png")
	assert.Error(t, err)

	dest, err := d.destPath(testHash, "screenshot.png")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(dest, filepath.Clean(d.cfg.Dir)+string(filepath.Separator)))
}

func hostOf(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return u.Hostname()
}
