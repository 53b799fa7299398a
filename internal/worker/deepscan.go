package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/link-scanner/internal/logging"
	"github.com/link-scanner/internal/metrics"
	"github.com/link-scanner/internal/queue"
	"github.com/link-scanner/internal/types"
	"github.com/link-scanner/internal/urlutil"
	"github.com/link-scanner/internal/verdict"
)

// DeepScan consumes the second-phase queue: it adds the slower
// reputation and domain-age signals to the carried-forward fast-path
// state and re-decides the verdict.
type DeepScan struct {
	deps Deps
}

// NewDeepScan creates the deep-scan worker.
func NewDeepScan(deps Deps) *DeepScan {
	return &DeepScan{deps: deps}
}

// Run consumes the deep-scan queue until the context is cancelled.
func (w *DeepScan) Run(ctx context.Context) error {
	cfg := w.deps.Config.Worker
	return w.deps.DeepScanQueue.Run(ctx, cfg.DeepScanConcurrency, cfg.PollTimeout, w.Handle)
}

// Handle processes one deep-scan job.
func (w *DeepScan) Handle(ctx context.Context, env *queue.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.FromContext(ctx).WithField("panic", fmt.Sprintf("%v", r)).
				Error("Recovered from panic while handling deep scan")
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	var job types.DeepScanJob
	if err := env.Decode(&job); err != nil {
		return fmt.Errorf("undecodable deep-scan job: %w", err)
	}

	log := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"jobId":   env.ID,
		"urlHash": job.URLHash,
	})

	// Payloads written by an incompatible fast-path build during a
	// rolling deploy are skipped, not failed.
	if job.SchemaVersion != types.DeepScanSchemaVersion {
		w.deps.Registry.IncCounter(metrics.DeepScanSchemaSkipsTotal, nil)
		log.WithField("schemaVersion", job.SchemaVersion).Warn("Skipping deep-scan payload with unknown schema version")
		return nil
	}

	finalURL := job.NormalizedURL
	if job.Analysis != nil && job.Analysis.FinalURL != "" {
		finalURL = job.Analysis.FinalURL
	}

	in := &verdict.Input{
		Job: &types.ScanJob{
			ChatID:    job.ChatID,
			MessageID: job.MessageID,
			URL:       job.URL,
			URLHash:   job.URLHash,
		},
		NormalizedURL: job.NormalizedURL,
		URLHash:       job.URLHash,
		Analysis:      job.Analysis,
		Homoglyph:     job.Homoglyph,
		Security:      job.Security,
		Blocklists:    job.Blocklists,
		Override:      job.Override,
	}

	var wg sync.WaitGroup
	if w.deps.Reputation != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			in.Reputation = w.deps.Reputation.Check(ctx, finalURL, job.URLHash)
		}()
	}
	if w.deps.DomainIntel != nil {
		if domain := urlutil.Hostname(finalURL); domain != "" {
			wg.Add(1)
			go func() {
				defer wg.Done()
				in.DomainIntel = w.deps.DomainIntel.Check(ctx, domain)
			}()
		}
	}
	wg.Wait()

	d := w.deps.Generator.Generate(ctx, in)

	if d.Verdict.Level == types.VerdictMalicious && job.FastVerdict != types.VerdictMalicious {
		d.Verdict.IsCorrection = true
		w.deps.Registry.IncCounter(metrics.VerdictCorrectionsTotal, nil)
		log.WithFields(map[string]interface{}{
			"fastVerdict": string(job.FastVerdict),
			"verdict":     string(d.Verdict.Level),
		}).Warn("Deep scan corrected fast-path verdict")
	} else {
		// Unchanged or still-benign verdicts update the record
		// without a second user-facing message
		d.Verdict.SuppressDownstreamMessage = true
	}

	if err := w.deps.Generator.StoreAndDispatch(ctx, in, d); err != nil {
		return err
	}

	if w.deps.Analyzer != nil {
		w.deps.Analyzer.RecordVerdict(ctx, finalURL, d.Verdict.Level, confidence(d.Verdict.Score))
	}
	return nil
}
