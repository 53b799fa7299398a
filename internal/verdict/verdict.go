// Package verdict turns collected provider and analyzer results into a
// final verdict, persists it and dispatches it downstream.
package verdict

import (
	"context"
	"strings"
	"time"

	"github.com/link-scanner/internal/config"
	"github.com/link-scanner/internal/logging"
	"github.com/link-scanner/internal/metrics"
	"github.com/link-scanner/internal/providers"
	"github.com/link-scanner/internal/queue"
	"github.com/link-scanner/internal/scoring"
	"github.com/link-scanner/internal/storage"
	"github.com/link-scanner/internal/types"
)

const maxProviderReasonLen = 80

// ScanStore is the audit-trail surface the generator needs. Failures
// here are logged and never block cache writes or dispatch.
type ScanStore interface {
	StoreVerdict(ctx context.Context, rec *storage.ScanRecord, msg *storage.MessageRecord) error
}

// Input bundles everything the pipeline has learned about one URL.
// Nil fields mean the corresponding stage did not run.
type Input struct {
	Job           *types.ScanJob
	NormalizedURL string
	URLHash       string
	Analysis      *types.URLAnalysis
	Homoglyph     *types.HomoglyphResult
	Security      *types.SecurityAnalysis
	Blocklists    *types.BlocklistCheckResult
	Reputation    *providers.ReputationResult
	DomainIntel   *providers.DomainIntelResult
	Override      *types.ManualOverride
}

// Decision is one generated verdict plus the provider states that
// backed it, kept together for persistence and dispatch.
type Decision struct {
	Verdict   *types.VerdictResult
	Providers []types.ProviderState
}

// Generator applies the scorer to an Input, handles degraded mode and
// sandbox enqueuing, and owns verdict persistence.
type Generator struct {
	cacheCfg     config.CacheConfig
	sandboxCfg   config.SandboxConfig
	cache        *storage.CacheService
	store        ScanStore
	verdictQueue *queue.Queue
	sandboxQueue *queue.Queue
	registry     *metrics.Registry
}

// VerdictScoreBuckets match the 0..15 score range, not latencies.
var VerdictScoreBuckets = []float64{0, 1, 2, 3, 4, 5, 7, 9, 11, 13, 15}

// NewGenerator wires the verdict generator.
func NewGenerator(cacheCfg config.CacheConfig, sandboxCfg config.SandboxConfig, cache *storage.CacheService, store ScanStore, verdictQueue, sandboxQueue *queue.Queue, registry *metrics.Registry) *Generator {
	registry.RegisterHistogramBuckets(metrics.VerdictScore, VerdictScoreBuckets)
	return &Generator{
		cacheCfg:     cacheCfg,
		sandboxCfg:   sandboxCfg,
		cache:        cache,
		store:        store,
		verdictQueue: verdictQueue,
		sandboxQueue: sandboxQueue,
		registry:     registry,
	}
}

// Generate computes the verdict for one URL. It never fails; missing
// or errored provider results degrade the verdict instead.
func (g *Generator) Generate(ctx context.Context, in *Input) *Decision {
	states := providerStates(in)

	consulted, available := 0, 0
	for _, st := range states {
		if st.Consulted {
			consulted++
			if st.Available {
				available++
			}
		}
	}

	var degraded []types.DegradedProvider
	heuristicsOnly := false
	if consulted > 0 && available == 0 {
		heuristicsOnly = true
		for _, st := range states {
			if st.Consulted && !st.Available {
				degraded = append(degraded, types.DegradedProvider{Name: st.Name, Reason: st.Reason})
			}
		}
		g.registry.IncCounter(metrics.DegradedModeTotal, nil)
		g.registry.SetGauge(metrics.DegradedModeGauge, nil, 1)
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"urlHash":   in.URLHash,
			"providers": len(degraded),
		}).Warn("All consulted providers unavailable, falling back to local heuristics")
	} else {
		g.registry.SetGauge(metrics.DegradedModeGauge, nil, 0)
	}

	signals := buildSignals(in, heuristicsOnly)
	outcome := scoring.ScoreFromSignals(signals)
	applyAnalyzerVerdict(in, &outcome)

	// Baseline score with the override cleared, to measure how often a
	// manual override escalates a verdict.
	if signals.Override != nil {
		baseline := signals
		baseline.Override = nil
		if outcome.Score > scoring.ScoreFromSignals(baseline).Score {
			g.registry.IncCounter(metrics.OverrideEscalationsTotal, nil)
		}
	}

	result := &types.VerdictResult{
		Level:             outcome.Level,
		Score:             float64(outcome.Score),
		Reasons:           outcome.Reasons,
		DegradedProviders: degraded,
		HeuristicsOnly:    heuristicsOnly,
		DecidedAt:         time.Now().UTC(),
	}

	if ttl, ok := g.cacheCfg.TTLForLevel(string(outcome.Level)); ok {
		result.CacheTTLSeconds = int(ttl.Seconds())
	} else {
		result.CacheTTLSeconds = outcome.CacheTTLSeconds
	}

	if outcome.Level == types.VerdictSuspicious {
		g.maybeEnqueueSandbox(ctx, in, result)
	}

	g.registry.IncCounter(metrics.VerdictsTotal, metrics.Labels{"level": string(outcome.Level)})
	g.registry.Observe(metrics.VerdictScore, nil, float64(outcome.Score))
	for _, reason := range outcome.Reasons {
		g.registry.IncCounter(metrics.VerdictReasonsTotal, metrics.Labels{"reason": reasonLabel(reason)})
	}

	return &Decision{Verdict: result, Providers: states}
}

// maybeEnqueueSandbox submits a suspicious URL for sandbox scanning at
// most once per hash within the queued-flag TTL window.
func (g *Generator) maybeEnqueueSandbox(ctx context.Context, in *Input, result *types.VerdictResult) {
	if !g.sandboxCfg.Enabled || g.sandboxQueue == nil {
		return
	}
	log := logging.FromContext(ctx).WithField("urlHash", in.URLHash)

	won, err := g.cache.SetNX(ctx, storage.SandboxQueuedKey(in.URLHash), "queued", g.sandboxCfg.QueuedFlagTTL)
	if err != nil {
		log.WithError(err).Warn("Failed to set sandbox queued flag")
		return
	}
	if !won {
		log.Debug("Sandbox scan already queued for this URL")
		return
	}

	target := in.NormalizedURL
	if in.Analysis != nil && in.Analysis.FinalURL != "" {
		target = in.Analysis.FinalURL
	}
	if _, err := g.sandboxQueue.Enqueue(ctx, &types.SandboxSubmitJob{URL: target, URLHash: in.URLHash}); err != nil {
		log.WithError(err).Error("Failed to enqueue sandbox submission")
		return
	}
	result.EnqueuedSandbox = true
	g.registry.IncCounter(metrics.SandboxSubmissionsTotal, nil)
}

// StoreAndDispatch caches the verdict, upserts the audit row and
// publishes the downstream verdict job. The cache and queue are
// authoritative; a database failure is logged and does not block
// either.
func (g *Generator) StoreAndDispatch(ctx context.Context, in *Input, d *Decision) error {
	log := logging.FromContext(ctx).WithField("urlHash", in.URLHash)
	v := d.Verdict

	ttl := time.Duration(v.CacheTTLSeconds) * time.Second
	if err := g.cache.Set(ctx, storage.VerdictKey(in.URLHash), v, ttl); err != nil {
		log.WithError(err).Error("Failed to cache verdict")
	}

	if g.store != nil {
		rec := g.scanRecord(in, d)
		var msg *storage.MessageRecord
		if in.Job != nil && in.Job.HasChatContext() {
			msg = &storage.MessageRecord{
				ChatID:    in.Job.ChatID,
				MessageID: in.Job.MessageID,
				URLHash:   in.URLHash,
			}
		}
		if err := g.store.StoreVerdict(ctx, rec, msg); err != nil {
			log.WithError(err).Error("Failed to persist scan history")
		}
	}

	if in.Job == nil || !in.Job.HasChatContext() || v.SuppressDownstreamMessage || g.verdictQueue == nil {
		return nil
	}
	job := &types.VerdictJob{
		ChatID:        in.Job.ChatID,
		MessageID:     in.Job.MessageID,
		URL:           in.Job.URL,
		NormalizedURL: in.NormalizedURL,
		URLHash:       in.URLHash,
		Verdict:       v.Level,
		Score:         v.Score,
		Reasons:       v.Reasons,
		Providers:     d.Providers,
		TTLLevel:      string(v.Level),
		CacheTTL:      v.CacheTTLSeconds,
		IsCorrection:  v.IsCorrection,
		DecidedAt:     v.DecidedAt,
	}
	if _, err := g.verdictQueue.Enqueue(ctx, job); err != nil {
		log.WithError(err).Error("Failed to dispatch verdict job")
		return err
	}
	return nil
}

func (g *Generator) scanRecord(in *Input, d *Decision) *storage.ScanRecord {
	v := d.Verdict
	rec := &storage.ScanRecord{
		URLHash:         in.URLHash,
		NormalizedURL:   in.NormalizedURL,
		Verdict:         string(v.Level),
		Score:           v.Score,
		Reasons:         v.Reasons,
		Providers:       d.Providers,
		CacheTTLSeconds: v.CacheTTLSeconds,
	}
	if in.Job != nil {
		rec.URL = in.Job.URL
	}
	if rec.URL == "" {
		rec.URL = in.NormalizedURL
	}
	if in.Analysis != nil {
		rec.RedirectChain = in.Analysis.RedirectChain
		rec.WasShortened = in.Analysis.WasShortened
		rec.FinalURLMismatch = in.Analysis.FinalURLMismatch
	}
	if in.Homoglyph != nil {
		rec.HomoglyphDetected = in.Homoglyph.Detected
		rec.HomoglyphRisk = in.Homoglyph.RiskLevel
	}
	if v.EnqueuedSandbox {
		rec.SandboxStatus = "queued"
	}
	return rec
}

var providerDisplayNames = map[string]string{
	"safebrowsing": "Safe Browsing",
	"phishreport":  "PhishTank",
	"malwarelist":  "URLhaus",
	"reputation":   "VirusTotal",
	"domainintel":  "Domain Intel",
}

func displayName(key string) string {
	if name, ok := providerDisplayNames[key]; ok {
		return name
	}
	return key
}

// providerStates reports, per consulted provider, whether its answer
// can be trusted. Quota exhaustion counts as unavailable.
func providerStates(in *Input) []types.ProviderState {
	var states []types.ProviderState

	addBlocklist := func(res *types.BlocklistResult) {
		if res == nil {
			return
		}
		states = append(states, providerState(res.Provider, res.Error))
	}
	if in.Blocklists != nil {
		addBlocklist(in.Blocklists.Primary)
		addBlocklist(in.Blocklists.Secondary)
		addBlocklist(in.Blocklists.Tertiary)
	}
	if in.Reputation != nil {
		states = append(states, providerState("reputation", in.Reputation.Error))
	}
	if in.DomainIntel != nil {
		states = append(states, providerState("domainintel", in.DomainIntel.Error))
	}
	return states
}

func providerState(key, errMsg string) types.ProviderState {
	st := types.ProviderState{
		Key:       key,
		Name:      displayName(key),
		Consulted: true,
		Available: errMsg == "",
	}
	if errMsg != "" {
		if strings.Contains(strings.ToLower(errMsg), "quota") {
			st.Reason = "quota_exhausted"
		} else {
			st.Reason = truncateReason(errMsg)
		}
	}
	return st
}

func truncateReason(s string) string {
	if len(s) > maxProviderReasonLen {
		return s[:maxProviderReasonLen]
	}
	return s
}

// buildSignals flattens the Input into the scorer's signal bundle.
func buildSignals(in *Input, heuristicsOnly bool) scoring.Signals {
	s := scoring.Signals{
		Override:       in.Override,
		Homoglyph:      in.Homoglyph,
		HeuristicsOnly: heuristicsOnly,
		URLLength:      len(in.NormalizedURL),
	}

	if in.Blocklists != nil {
		if in.Blocklists.Primary.Hit() {
			for _, m := range in.Blocklists.Primary.Matches {
				s.PrimaryThreatTypes = append(s.PrimaryThreatTypes, m.ThreatType)
			}
		}
		s.PhishVerified = in.Blocklists.Secondary.VerifiedHit()
		s.MalwareListed = in.Blocklists.Tertiary.VerifiedHit()
		s.SuspiciousDomain = unverifiedHit(in.Blocklists.Primary) ||
			unverifiedHit(in.Blocklists.Secondary) ||
			unverifiedHit(in.Blocklists.Tertiary)
	}

	if in.Reputation != nil && in.Reputation.Error == "" && in.Reputation.Stats.Found {
		mal, susp := in.Reputation.Stats.Malicious, in.Reputation.Stats.Suspicious
		s.ReputationMalicious = &mal
		s.ReputationSuspicious = &susp
	}

	if in.DomainIntel != nil && in.DomainIntel.Error == "" && in.DomainIntel.Intel.Found {
		age := in.DomainIntel.Intel.AgeDays
		s.DomainAgeDays = &age
	}

	if in.Analysis != nil {
		s.Heuristics = in.Analysis.Heuristics
		s.RedirectCount = len(in.Analysis.RedirectChain)
		s.WasShortened = in.Analysis.WasShortened
		s.URLMismatch = in.Analysis.FinalURLMismatch
	}

	if in.Security != nil {
		s.SecurityReasons = in.Security.Reasons
	}
	return s
}

// Analyzer floor scores keep the level thresholds consistent when the
// analyzer verdict outranks what the weighted signals add up to.
const (
	analyzerBlockScore     = 12
	analyzerSuspicionScore = 4
)

// applyAnalyzerVerdict folds the tiered analyzer's own verdict into
// the scored outcome. A tier-1 block decides the level outright; a
// tier-2 suspicion sets a floor. Manual overrides still win.
func applyAnalyzerVerdict(in *Input, outcome *scoring.Outcome) {
	if in.Security == nil || in.Override != nil {
		return
	}
	switch {
	case in.Security.SkipExternalAPIs && in.Security.Verdict == "malicious":
		if outcome.Level != types.VerdictMalicious {
			outcome.Level = types.VerdictMalicious
			outcome.CacheTTLSeconds = 900
		}
		if outcome.Score < analyzerBlockScore {
			outcome.Score = analyzerBlockScore
		}
	case in.Security.Verdict == "suspicious" && outcome.Level == types.VerdictBenign:
		outcome.Level = types.VerdictSuspicious
		outcome.CacheTTLSeconds = 3600
		if outcome.Score < analyzerSuspicionScore {
			outcome.Score = analyzerSuspicionScore
		}
	}
}

func unverifiedHit(r *types.BlocklistResult) bool {
	return r.Hit() && !r.VerifiedHit()
}

// reasonLabel maps free-text verdict reasons onto a small stable label
// set so the reasons counter stays low-cardinality.
func reasonLabel(reason string) string {
	switch {
	case strings.HasPrefix(reason, "Primary blocklist:"):
		switch {
		case strings.Contains(reason, "MALWARE"):
			return "gsb_malware"
		case strings.Contains(reason, "SOCIAL_ENGINEERING"):
			return "gsb_social_engineering"
		default:
			return "gsb_hit"
		}
	case reason == "Verified phishing report":
		return "phishtank_verified"
	case reason == "Known malware distribution URL":
		return "malware_list"
	case strings.Contains(reason, "reputation engine"):
		return "reputation_flagged"
	case strings.Contains(reason, "(<7)"):
		return "domain_age_lt7"
	case strings.Contains(reason, "(<14)"):
		return "domain_age_lt14"
	case strings.Contains(reason, "(<30)"):
		return "domain_age_lt30"
	case reason == "High-risk homoglyph attack detected":
		return "homoglyph_high"
	case reason == "Suspicious homoglyph characters detected":
		return "homoglyph_medium"
	case strings.Contains(reason, "Punycode"), strings.Contains(reason, "Internationalized"):
		return "idn_hostname"
	case reason == "URL uses IP address":
		return "ip_literal"
	case reason == "Suspicious TLD":
		return "suspicious_tld"
	case strings.HasPrefix(reason, "Multiple redirects"):
		return "redirects"
	case reason == "Uncommon port":
		return "uncommon_port"
	case strings.HasPrefix(reason, "Long URL"):
		return "long_url"
	case reason == "Executable file extension":
		return "executable_extension"
	case reason == "Shortened URL expanded":
		return "shortened"
	case reason == "URL contains embedded credentials":
		return "embedded_credentials"
	case reason == "Domain listed in suspicious activity feed":
		return "suspicious_feed"
	case reason == "Redirect leads to mismatched domain/brand":
		return "url_mismatch"
	case reason == "Manually allowed", reason == "Manually blocked":
		return "manual_override"
	case strings.HasPrefix(reason, "Heuristics-only"):
		return "heuristics_only"
	default:
		return "other"
	}
}
