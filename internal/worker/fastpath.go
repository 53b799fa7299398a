package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/link-scanner/internal/logging"
	"github.com/link-scanner/internal/metrics"
	"github.com/link-scanner/internal/queue"
	"github.com/link-scanner/internal/storage"
	"github.com/link-scanner/internal/types"
	"github.com/link-scanner/internal/urlutil"
	"github.com/link-scanner/internal/verdict"
)

// FastPath consumes scan requests and produces a verdict within the
// request's latency budget. Reputation and domain-age lookups are
// deferred to the deep-scan phase.
type FastPath struct {
	deps Deps
}

// NewFastPath creates the fast-path dispatcher.
func NewFastPath(deps Deps) *FastPath {
	return &FastPath{deps: deps}
}

// Run consumes the scan-request queue until the context is cancelled.
func (w *FastPath) Run(ctx context.Context) error {
	cfg := w.deps.Config.Worker
	return w.deps.RequestQueue.Run(ctx, cfg.FastPathConcurrency, cfg.PollTimeout, w.Handle)
}

// Handle processes one scan request. A bad job never takes the worker
// down; panics are converted into a single counted failure.
func (w *FastPath) Handle(ctx context.Context, env *queue.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.FromContext(ctx).WithField("panic", fmt.Sprintf("%v", r)).
				Error("Recovered from panic while handling scan request")
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	var job types.ScanJob
	if err := env.Decode(&job); err != nil {
		return fmt.Errorf("undecodable scan job: %w", err)
	}
	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid scan job: %w", err)
	}

	log := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"jobId": env.ID,
		"url":   job.URL,
	})

	normalized, err := urlutil.NormalizeURL(job.URL)
	if err != nil {
		// Malformed input gets no fabricated verdict
		log.WithError(err).Warn("URL failed normalization, skipping")
		return nil
	}
	urlHash := job.URLHash
	if urlHash == "" {
		urlHash = urlutil.HashURL(normalized)
	}
	log = log.WithField("urlHash", urlHash)

	if !job.Rescan {
		if cached := w.cachedVerdict(ctx, urlHash); cached != nil {
			w.dispatchCached(ctx, &job, normalized, urlHash, cached, log)
			return nil
		}
	}

	in := &verdict.Input{
		Job:           &job,
		NormalizedURL: normalized,
		URLHash:       urlHash,
	}

	in.Analysis = w.deps.Resolver.Resolve(ctx, normalized, urlHash)
	finalURL := in.Analysis.FinalURL

	homoglyph := urlutil.DetectHomoglyph(urlutil.Hostname(finalURL))
	in.Homoglyph = &homoglyph
	if homoglyph.Detected {
		w.deps.Registry.IncCounter(metrics.HomoglyphDetectionsTotal,
			metrics.Labels{"risk": homoglyph.RiskLevel})
	}

	if w.deps.Analyzer != nil {
		in.Security = w.deps.Analyzer.Analyze(ctx, finalURL, urlHash)
	}
	in.Override = w.lookupOverride(ctx, urlHash, log)

	if in.Security != nil && in.Security.SkipExternalAPIs {
		log.WithField("analyzerScore", in.Security.Score).
			Info("Analyzer short-circuit, skipping external providers")
	} else if w.deps.Blocklists != nil {
		in.Blocklists = w.deps.Blocklists.Check(ctx, finalURL, urlHash)
	}

	d := w.deps.Generator.Generate(ctx, in)

	if d.Verdict.Level != types.VerdictMalicious && w.deps.DeepScanQueue != nil {
		w.enqueueDeepScan(ctx, &job, in, d, log)
	}

	if err := w.deps.Generator.StoreAndDispatch(ctx, in, d); err != nil {
		return err
	}

	if w.deps.Analyzer != nil {
		w.deps.Analyzer.RecordVerdict(ctx, finalURL, d.Verdict.Level, confidence(d.Verdict.Score))
	}

	log.WithFields(map[string]interface{}{
		"verdict": string(d.Verdict.Level),
		"score":   d.Verdict.Score,
	}).Info("Fast-path verdict decided")
	return nil
}

// cachedVerdict returns a previously decided verdict for the hash, or
// nil on a miss.
func (w *FastPath) cachedVerdict(ctx context.Context, urlHash string) *types.VerdictResult {
	var cached types.VerdictResult
	found, err := w.deps.Cache.Get(ctx, storage.VerdictKey(urlHash), 0, &cached)
	if err != nil || !found {
		return nil
	}
	w.markStaleness(ctx, urlHash, &cached)
	return &cached
}

// markStaleness counts a cached verdict whose remaining lifetime has
// dropped under 20% of the TTL it was written with.
func (w *FastPath) markStaleness(ctx context.Context, urlHash string, cached *types.VerdictResult) {
	if cached.CacheTTLSeconds <= 0 {
		return
	}
	remaining, err := w.deps.Cache.RemainingTTL(ctx, storage.VerdictKey(urlHash))
	if err != nil || remaining <= 0 {
		return
	}
	configured := time.Duration(cached.CacheTTLSeconds) * time.Second
	if float64(remaining) < float64(configured)*0.2 {
		w.deps.Registry.IncCounter(metrics.CacheStaleTotal, metrics.Labels{"type": "scan"})
	}
}

// dispatchCached replays a cached verdict downstream. Without chat
// context there is no conversation to answer, so nothing is sent.
func (w *FastPath) dispatchCached(ctx context.Context, job *types.ScanJob, normalized, urlHash string, cached *types.VerdictResult, log *logging.Logger) {
	if !job.HasChatContext() {
		log.Debug("Cached verdict with no chat context, skipping dispatch")
		return
	}
	if w.deps.VerdictQueue == nil {
		return
	}
	out := &types.VerdictJob{
		ChatID:        job.ChatID,
		MessageID:     job.MessageID,
		URL:           job.URL,
		NormalizedURL: normalized,
		URLHash:       urlHash,
		Verdict:       cached.Level,
		Score:         cached.Score,
		Reasons:       cached.Reasons,
		TTLLevel:      string(cached.Level),
		CacheTTL:      cached.CacheTTLSeconds,
		DecidedAt:     cached.DecidedAt,
	}
	if _, err := w.deps.VerdictQueue.Enqueue(ctx, out); err != nil {
		log.WithError(err).Error("Failed to dispatch cached verdict")
		return
	}
	log.WithField("verdict", string(cached.Level)).Info("Dispatched cached verdict")
}

func (w *FastPath) lookupOverride(ctx context.Context, urlHash string, log *logging.Logger) *types.ManualOverride {
	if w.deps.Overrides == nil {
		return nil
	}
	override, err := w.deps.Overrides.GetOverride(ctx, urlHash)
	if err != nil {
		log.WithError(err).Warn("Override lookup failed")
		return nil
	}
	return override
}

// enqueueDeepScan hands the full intermediate state to the second
// phase so it never recomputes resolution or blocklist results.
func (w *FastPath) enqueueDeepScan(ctx context.Context, job *types.ScanJob, in *verdict.Input, d *verdict.Decision, log *logging.Logger) {
	deep := &types.DeepScanJob{
		SchemaVersion: types.DeepScanSchemaVersion,
		ChatID:        job.ChatID,
		MessageID:     job.MessageID,
		URL:           job.URL,
		NormalizedURL: in.NormalizedURL,
		URLHash:       in.URLHash,
		FastVerdict:   d.Verdict.Level,
		Analysis:      in.Analysis,
		Blocklists:    in.Blocklists,
		Homoglyph:     in.Homoglyph,
		Security:      in.Security,
		Override:      in.Override,
		EnqueuedAt:    time.Now().UTC(),
	}
	if _, err := w.deps.DeepScanQueue.Enqueue(ctx, deep); err != nil {
		log.WithError(err).Error("Failed to enqueue deep scan")
		return
	}
	d.Verdict.EnqueuedDeepScan = true
}

// confidence maps the 0..15 score onto a 0..1 fraction for the
// collaborative threat database.
func confidence(score float64) float64 {
	c := score / 15
	if c > 1 {
		c = 1
	}
	return c
}
