package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/link-scanner/internal/logging"
	"github.com/link-scanner/internal/queue"
	"github.com/link-scanner/internal/storage"
	"github.com/link-scanner/internal/types"
)

// sandboxMappingTTL bounds how long the uuid->hash and hash->uuid
// bookkeeping survives while waiting for the result callback.
const sandboxMappingTTL = 24 * time.Hour

// SandboxSubmit consumes sandbox submission jobs produced for
// suspicious verdicts.
type SandboxSubmit struct {
	deps Deps
}

// NewSandboxSubmit creates the sandbox submission worker.
func NewSandboxSubmit(deps Deps) *SandboxSubmit {
	return &SandboxSubmit{deps: deps}
}

// Run consumes the sandbox queue until the context is cancelled.
func (w *SandboxSubmit) Run(ctx context.Context) error {
	cfg := w.deps.Config.Worker
	return w.deps.SandboxQueue.Run(ctx, cfg.SandboxConcurrency, cfg.PollTimeout, w.Handle)
}

// Handle submits one URL for a sandbox scan and records the mappings
// the result callback later needs to resolve the scan id back to a
// URL hash.
func (w *SandboxSubmit) Handle(ctx context.Context, env *queue.Envelope) error {
	var job types.SandboxSubmitJob
	if err := env.Decode(&job); err != nil {
		return fmt.Errorf("undecodable sandbox job: %w", err)
	}
	if w.deps.Sandbox == nil || !w.deps.Sandbox.Enabled() {
		return nil
	}

	log := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"jobId":   env.ID,
		"urlHash": job.URLHash,
	})

	scanUUID, err := w.deps.Sandbox.Submit(ctx, job.URL)
	if err != nil {
		log.WithError(err).Error("Sandbox submission failed")
		w.updateStatus(ctx, job.URLHash, "failed", "", log)
		return err
	}

	if err := w.deps.Cache.Set(ctx, storage.SandboxUUIDKey(scanUUID), job.URLHash, sandboxMappingTTL); err != nil {
		log.WithError(err).Warn("Failed to store sandbox uuid mapping")
	}
	if err := w.deps.Cache.Set(ctx, storage.SandboxSubmittedKey(job.URLHash), scanUUID, sandboxMappingTTL); err != nil {
		log.WithError(err).Warn("Failed to store sandbox submission marker")
	}
	w.updateStatus(ctx, job.URLHash, "submitted", scanUUID, log)

	log.WithField("scanUuid", scanUUID).Info("Sandbox scan submitted")
	return nil
}

func (w *SandboxSubmit) updateStatus(ctx context.Context, urlHash, status, scanUUID string, log *logging.Logger) {
	if w.deps.ScanStatus == nil {
		return
	}
	if err := w.deps.ScanStatus.UpdateSandboxStatus(ctx, urlHash, status, scanUUID); err != nil {
		log.WithError(err).Warn("Failed to update sandbox status")
	}
}
