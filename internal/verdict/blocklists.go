package verdict

import (
	"context"

	"github.com/link-scanner/internal/logging"
	"github.com/link-scanner/internal/types"
)

// BlocklistProvider is the provider surface the checker needs.
type BlocklistProvider interface {
	Name() string
	Enabled() bool
	Check(ctx context.Context, url, urlHash string) *types.BlocklistResult
}

// PrimaryBlocklist adds the trust inputs the redundancy decision uses.
type PrimaryBlocklist interface {
	BlocklistProvider
	HasAPIKey() bool
	LatencyBudgetMs() int64
}

// SecondaryDecision captures the inputs to ShouldQuerySecondary.
type SecondaryDecision struct {
	PrimaryHit        bool
	PrimaryError      bool
	PrimaryDurationMs int64
	PrimaryFromCache  bool
	LatencyBudgetMs   int64
	APIKeyPresent     bool
	SecondaryEnabled  bool
}

// ShouldQuerySecondary decides whether the secondary blocklist must
// corroborate the primary's answer. A clean, fast, authenticated
// primary hit is trusted on its own to save cost and latency.
func ShouldQuerySecondary(d SecondaryDecision) bool {
	if !d.SecondaryEnabled {
		return false
	}
	if !d.PrimaryHit {
		return true
	}
	if d.PrimaryError {
		return true
	}
	if !d.APIKeyPresent {
		return true
	}
	if !d.PrimaryFromCache && d.LatencyBudgetMs > 0 && d.PrimaryDurationMs > d.LatencyBudgetMs {
		return true
	}
	return false
}

// BlocklistChecker runs the redundant fast-path blocklist phase.
type BlocklistChecker struct {
	primary   PrimaryBlocklist
	secondary BlocklistProvider
	tertiary  BlocklistProvider
}

// NewBlocklistChecker wires the three independent lists.
func NewBlocklistChecker(primary PrimaryBlocklist, secondary, tertiary BlocklistProvider) *BlocklistChecker {
	return &BlocklistChecker{primary: primary, secondary: secondary, tertiary: tertiary}
}

// Check consults the primary list, corroborates with the secondary when
// the redundancy decision requires it, and falls through to the third
// list when neither produced a verified hit.
func (c *BlocklistChecker) Check(ctx context.Context, url, urlHash string) *types.BlocklistCheckResult {
	result := &types.BlocklistCheckResult{}

	if c.primary != nil && c.primary.Enabled() {
		result.Primary = c.primary.Check(ctx, url, urlHash)
	}

	decision := SecondaryDecision{
		SecondaryEnabled: c.secondary != nil && c.secondary.Enabled(),
	}
	if c.primary != nil {
		decision.APIKeyPresent = c.primary.HasAPIKey()
		decision.LatencyBudgetMs = c.primary.LatencyBudgetMs()
	}
	if result.Primary != nil {
		decision.PrimaryHit = result.Primary.Hit()
		decision.PrimaryError = result.Primary.Error != ""
		decision.PrimaryDurationMs = result.Primary.DurationMs
		decision.PrimaryFromCache = result.Primary.FromCache
	}

	result.SecondaryNeeded = ShouldQuerySecondary(decision)
	if result.SecondaryNeeded {
		result.Secondary = c.secondary.Check(ctx, url, urlHash)
	}

	if !result.Primary.VerifiedHit() && !result.Secondary.VerifiedHit() {
		if c.tertiary != nil && c.tertiary.Enabled() {
			result.Tertiary = c.tertiary.Check(ctx, url, urlHash)
		}
	}

	if result.Primary != nil && result.Primary.Error != "" {
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"provider": result.Primary.Provider,
			"error":    result.Primary.Error,
		}).Warn("Primary blocklist check failed")
	}
	return result
}
