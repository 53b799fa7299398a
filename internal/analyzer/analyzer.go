// Package analyzer is the tiered local security gate that runs before
// any external blocklist or reputation provider is consulted.
package analyzer

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/link-scanner/internal/config"
	"github.com/link-scanner/internal/logging"
	"github.com/link-scanner/internal/metrics"
	"github.com/link-scanner/internal/storage"
	"github.com/link-scanner/internal/types"
	"github.com/link-scanner/internal/urlutil"
)

// OutboundGuard validates a URL before the analyzer dials it.
type OutboundGuard interface {
	ValidateOutboundURL(ctx context.Context, rawURL string) error
}

// Analyzer runs the two-tier local security analysis. Tier 1 is cheap
// and can short-circuit all external providers; tier 2 adds certificate
// and HTTP response inspection for corroboration.
type Analyzer struct {
	cfg      config.AnalyzerConfig
	threatDB *ThreatDB
	dnsbl    *DNSBLChecker
	guard    OutboundGuard
	client   *http.Client
	registry *metrics.Registry
}

// New creates the analyzer. redis may be nil when the local threat
// database is disabled.
func New(cfg config.AnalyzerConfig, redis *storage.RedisCache, guard OutboundGuard, registry *metrics.Registry) *Analyzer {
	a := &Analyzer{
		cfg:      cfg,
		guard:    guard,
		client:   &http.Client{Timeout: 3 * time.Second},
		registry: registry,
	}
	if cfg.ThreatDBEnabled && redis != nil {
		a.threatDB = NewThreatDB(redis, cfg, registry)
	}
	if cfg.DNSBLEnabled {
		a.dnsbl = NewDNSBLChecker(cfg)
	}
	return a
}

// Analyze runs both tiers against the final URL. A disabled analyzer
// returns a neutral zero-score result.
func (a *Analyzer) Analyze(ctx context.Context, finalURL, urlHash string) *types.SecurityAnalysis {
	if !a.cfg.Enabled {
		return &types.SecurityAnalysis{Confidence: "none"}
	}

	result := &types.SecurityAnalysis{Confidence: "none", TierReached: 1}
	result.Score, result.Reasons = a.runTier1(ctx, finalURL, urlHash)

	tier1Threshold := a.cfg.Tier1Threshold
	if tier1Threshold <= 0 {
		tier1Threshold = 2.0
	}
	if result.Score >= tier1Threshold {
		result.Verdict = string(types.VerdictMalicious)
		result.Confidence = "high"
		result.SkipExternalAPIs = true
		if a.registry != nil {
			a.registry.IncCounter(metrics.Tier1BlocksTotal, nil)
		}
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"url":     finalURL,
			"score":   result.Score,
			"reasons": strings.Join(result.Reasons, "; "),
		}).Info("Tier 1 high-confidence threat detected, skipping external APIs")
		return result
	}

	tier2Score, tier2Reasons := a.runTier2(ctx, finalURL)
	if tier2Score > 0 {
		result.TierReached = 2
		result.Score += tier2Score
		result.Reasons = append(result.Reasons, tier2Reasons...)
	}

	tier2Threshold := a.cfg.Tier2Threshold
	if tier2Threshold <= 0 {
		tier2Threshold = 1.5
	}
	if result.Score > tier2Threshold {
		result.Verdict = string(types.VerdictSuspicious)
		result.Confidence = "medium"
	}
	return result
}

// runTier1 executes the cheap checks in parallel. A failed sub-check
// contributes zero and is logged, never aborts the tier.
func (a *Analyzer) runTier1(ctx context.Context, finalURL, urlHash string) (float64, []string) {
	var (
		wg            sync.WaitGroup
		lexical       LexicalResult
		dnsblScore    float64
		dnsblReasons  []string
		threatResult  ThreatResult
		threatDBError error
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		lexical = AnalyzeLexical(finalURL)
	}()

	if a.dnsbl != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dnsblScore, dnsblReasons, _ = a.dnsbl.Check(ctx, urlutil.Hostname(finalURL))
		}()
	}

	if a.threatDB != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			threatResult, threatDBError = a.threatDB.Check(ctx, finalURL, urlHash)
		}()
	}
	wg.Wait()

	if threatDBError != nil {
		logging.FromContext(ctx).WithError(threatDBError).Warn("Local threat DB check failed")
	}

	score := lexical.Score + dnsblScore + threatResult.Score
	reasons := append([]string{}, lexical.Reasons...)
	reasons = append(reasons, dnsblReasons...)
	reasons = append(reasons, threatResult.Reasons...)
	return score, reasons
}

// runTier2 executes certificate and HTTP inspection in parallel.
// Certificate inspection only applies to HTTPS URLs.
func (a *Analyzer) runTier2(ctx context.Context, finalURL string) (float64, []string) {
	var (
		wg   sync.WaitGroup
		cert CertAnalysis
		fp   Fingerprint
	)

	if a.cfg.CertEnabled && strings.HasPrefix(finalURL, "https://") {
		wg.Add(1)
		go func() {
			defer wg.Done()
			host := urlutil.Hostname(finalURL)
			cert = InspectCertificate(ctx, host, urlutil.Port(finalURL), 3*time.Second)
		}()
	}

	if a.cfg.HTTPEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fp = FingerprintHTTP(ctx, a.client, a.guard, finalURL)
		}()
	}
	wg.Wait()

	score := cert.Score + fp.Score
	reasons := append([]string{}, cert.Reasons...)
	reasons = append(reasons, fp.Reasons...)
	return score, reasons
}

// RecordVerdict feeds the collaborative threat history after a final
// verdict. Best-effort: failures are logged, never propagated.
func (a *Analyzer) RecordVerdict(ctx context.Context, finalURL string, level types.VerdictLevel, confidence float64) {
	if a.threatDB == nil {
		return
	}
	if err := a.threatDB.RecordVerdict(ctx, finalURL, string(level), confidence); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Collaborative verdict record failed")
	}
}

// Stats reports threat database entry counts; empty when disabled.
func (a *Analyzer) Stats(ctx context.Context) map[string]int {
	if a.threatDB == nil {
		return map[string]int{}
	}
	stats, err := a.threatDB.Stats(ctx)
	if err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Threat DB stats failed")
		return map[string]int{}
	}
	return stats
}

// UpdateFeeds refreshes the local threat feed; a no-op when disabled.
func (a *Analyzer) UpdateFeeds(ctx context.Context) error {
	if a.threatDB == nil {
		return nil
	}
	_, err := a.threatDB.UpdateFeed(ctx)
	return err
}
