// Package worker hosts the queue consumers: the fast-path dispatcher,
// the deep-scan worker and the sandbox submission worker.
package worker

import (
	"context"

	"github.com/link-scanner/internal/config"
	"github.com/link-scanner/internal/metrics"
	"github.com/link-scanner/internal/providers"
	"github.com/link-scanner/internal/queue"
	"github.com/link-scanner/internal/storage"
	"github.com/link-scanner/internal/types"
	"github.com/link-scanner/internal/verdict"
)

// URLResolver expands redirects and shorteners.
type URLResolver interface {
	Resolve(ctx context.Context, normalizedURL, urlHash string) *types.URLAnalysis
}

// SecurityAnalyzer is the tiered local heuristic gate.
type SecurityAnalyzer interface {
	Analyze(ctx context.Context, finalURL, urlHash string) *types.SecurityAnalysis
	RecordVerdict(ctx context.Context, finalURL string, level types.VerdictLevel, confidence float64)
}

// BlocklistRunner is the fast-path blocklist phase.
type BlocklistRunner interface {
	Check(ctx context.Context, url, urlHash string) *types.BlocklistCheckResult
}

// ReputationChecker is the AV-aggregator lookup used by the deep scan.
type ReputationChecker interface {
	Check(ctx context.Context, target, urlHash string) *providers.ReputationResult
}

// DomainAgeChecker resolves domain registration age.
type DomainAgeChecker interface {
	Check(ctx context.Context, domain string) *providers.DomainIntelResult
}

// OverrideStore looks up operator-set classifications.
type OverrideStore interface {
	GetOverride(ctx context.Context, urlHash string) (*types.ManualOverride, error)
}

// SandboxSubmitter submits a URL for a sandbox scan.
type SandboxSubmitter interface {
	Enabled() bool
	Submit(ctx context.Context, target string) (string, error)
}

// SandboxStatusStore records submission state on the scan row.
type SandboxStatusStore interface {
	UpdateSandboxStatus(ctx context.Context, urlHash, status, scanUUID string) error
}

// Deps is the explicit dependency bundle constructed once at startup
// and handed to every worker. Optional integrations are nil when
// disabled.
type Deps struct {
	Config      *config.Config
	Cache       *storage.CacheService
	Registry    *metrics.Registry
	Generator   *verdict.Generator
	Resolver    URLResolver
	Analyzer    SecurityAnalyzer
	Blocklists  BlocklistRunner
	Reputation  ReputationChecker
	DomainIntel DomainAgeChecker
	Overrides   OverrideStore
	Sandbox     SandboxSubmitter
	ScanStatus  SandboxStatusStore

	RequestQueue  *queue.Queue
	DeepScanQueue *queue.Queue
	VerdictQueue  *queue.Queue
	SandboxQueue  *queue.Queue
}
