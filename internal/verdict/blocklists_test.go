package verdict

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/link-scanner/internal/types"
)

func TestShouldQuerySecondary(t *testing.T) {
	trusted := SecondaryDecision{
		PrimaryHit:        true,
		PrimaryDurationMs: 100,
		PrimaryFromCache:  false,
		LatencyBudgetMs:   2500,
		APIKeyPresent:     true,
		SecondaryEnabled:  true,
	}

	cases := []struct {
		name   string
		mutate func(d *SecondaryDecision)
		want   bool
	}{
		{"trusted primary hit skips secondary", func(d *SecondaryDecision) {}, false},
		{"secondary disabled", func(d *SecondaryDecision) { d.SecondaryEnabled = false }, false},
		{"clean primary always corroborated", func(d *SecondaryDecision) { d.PrimaryHit = false }, true},
		{"errored primary hit is unreliable", func(d *SecondaryDecision) { d.PrimaryError = true }, true},
		{"keyless primary cannot be trusted", func(d *SecondaryDecision) { d.APIKeyPresent = false }, true},
		{"slow live primary exceeds budget", func(d *SecondaryDecision) { d.PrimaryDurationMs = 3000 }, true},
		{"slow but cached primary is fine", func(d *SecondaryDecision) {
			d.PrimaryDurationMs = 3000
			d.PrimaryFromCache = true
		}, false},
		{"no budget configured means no latency rule", func(d *SecondaryDecision) {
			d.PrimaryDurationMs = 9000
			d.LatencyBudgetMs = 0
		}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := trusted
			tc.mutate(&d)
			assert.Equal(t, tc.want, ShouldQuerySecondary(d))
		})
	}
}

// The decision table collapses to two rules: nothing runs when the
// secondary is off, and a primary answer is trusted on its own only
// when it was a hit, clean, authenticated, and within budget.
func TestShouldQuerySecondaryProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 500
	properties := gopter.NewProperties(params)

	genDecision := gopter.CombineGens(
		gen.Bool(), gen.Bool(), gen.Int64Range(0, 10000), gen.Bool(),
		gen.Int64Range(0, 5000), gen.Bool(), gen.Bool(),
	).Map(func(vals []interface{}) SecondaryDecision {
		return SecondaryDecision{
			PrimaryHit:        vals[0].(bool),
			PrimaryError:      vals[1].(bool),
			PrimaryDurationMs: vals[2].(int64),
			PrimaryFromCache:  vals[3].(bool),
			LatencyBudgetMs:   vals[4].(int64),
			APIKeyPresent:     vals[5].(bool),
			SecondaryEnabled:  vals[6].(bool),
		}
	})

	properties.Property("disabled secondary is never queried", prop.ForAll(
		func(d SecondaryDecision) bool {
			d.SecondaryEnabled = false
			return !ShouldQuerySecondary(d)
		}, genDecision))

	properties.Property("queried unless the primary hit is fully trusted", prop.ForAll(
		func(d SecondaryDecision) bool {
			d.SecondaryEnabled = true
			overBudget := !d.PrimaryFromCache && d.LatencyBudgetMs > 0 && d.PrimaryDurationMs > d.LatencyBudgetMs
			trusted := d.PrimaryHit && !d.PrimaryError && d.APIKeyPresent && !overBudget
			return ShouldQuerySecondary(d) == !trusted
		}, genDecision))

	properties.TestingRun(t)
}

type fakeBlocklist struct {
	name      string
	enabled   bool
	hasKey    bool
	budgetMs  int64
	result    *types.BlocklistResult
	callCount int
}

func (f *fakeBlocklist) Name() string           { return f.name }
func (f *fakeBlocklist) Enabled() bool          { return f.enabled }
func (f *fakeBlocklist) HasAPIKey() bool        { return f.hasKey }
func (f *fakeBlocklist) LatencyBudgetMs() int64 { return f.budgetMs }

func (f *fakeBlocklist) Check(ctx context.Context, url, urlHash string) *types.BlocklistResult {
	f.callCount++
	if f.result != nil {
		return f.result
	}
	return &types.BlocklistResult{Provider: f.name}
}

func verifiedResult(provider, threatType string) *types.BlocklistResult {
	return &types.BlocklistResult{
		Provider: provider,
		Matches:  []types.BlocklistMatch{{Source: provider, ThreatType: threatType, Verified: true}},
	}
}

func TestCheckerTrustedPrimaryHitSkipsSecondaryAndTertiary(t *testing.T) {
	primary := &fakeBlocklist{
		name: "safebrowsing", enabled: true, hasKey: true, budgetMs: 2500,
		result: verifiedResult("safebrowsing", "MALWARE"),
	}
	secondary := &fakeBlocklist{name: "phishreport", enabled: true}
	tertiary := &fakeBlocklist{name: "malwarelist", enabled: true}

	checker := NewBlocklistChecker(primary, secondary, tertiary)
	res := checker.Check(context.Background(), "https://evil.example/a", "hash-a")

	require.NotNil(t, res.Primary)
	assert.True(t, res.Primary.VerifiedHit())
	assert.False(t, res.SecondaryNeeded)
	assert.Nil(t, res.Secondary)
	assert.Equal(t, 0, secondary.callCount)
	// Primary already verified the hit, no third-list fallthrough
	assert.Nil(t, res.Tertiary)
	assert.Equal(t, 0, tertiary.callCount)
}

func TestCheckerCleanPrimaryTriggersSecondary(t *testing.T) {
	primary := &fakeBlocklist{name: "safebrowsing", enabled: true, hasKey: true, budgetMs: 2500}
	secondary := &fakeBlocklist{
		name: "phishreport", enabled: true,
		result: verifiedResult("phishreport", "PHISHING"),
	}
	tertiary := &fakeBlocklist{name: "malwarelist", enabled: true}

	checker := NewBlocklistChecker(primary, secondary, tertiary)
	res := checker.Check(context.Background(), "https://phish.example/b", "hash-b")

	assert.True(t, res.SecondaryNeeded)
	require.NotNil(t, res.Secondary)
	assert.True(t, res.Secondary.VerifiedHit())
	// Secondary verified a hit, so the third list stays out of it
	assert.Nil(t, res.Tertiary)
	assert.Equal(t, 0, tertiary.callCount)
}

func TestCheckerFallsThroughToTertiaryWhenNothingVerified(t *testing.T) {
	primary := &fakeBlocklist{name: "safebrowsing", enabled: true, hasKey: true, budgetMs: 2500}
	secondary := &fakeBlocklist{name: "phishreport", enabled: true}
	tertiary := &fakeBlocklist{
		name: "malwarelist", enabled: true,
		result: verifiedResult("malwarelist", "MALWARE_DOWNLOAD"),
	}

	checker := NewBlocklistChecker(primary, secondary, tertiary)
	res := checker.Check(context.Background(), "https://dropper.example/c", "hash-c")

	require.NotNil(t, res.Tertiary)
	assert.True(t, res.Tertiary.VerifiedHit())
	assert.Equal(t, 1, tertiary.callCount)
}

func TestCheckerErroredPrimaryHitStillCorroborated(t *testing.T) {
	primary := &fakeBlocklist{
		name: "safebrowsing", enabled: true, hasKey: true, budgetMs: 2500,
		result: &types.BlocklistResult{
			Provider: "safebrowsing",
			Matches:  []types.BlocklistMatch{{Source: "safebrowsing", ThreatType: "MALWARE", Verified: true}},
			Error:    "partial response",
		},
	}
	secondary := &fakeBlocklist{name: "phishreport", enabled: true}

	checker := NewBlocklistChecker(primary, secondary, &fakeBlocklist{name: "malwarelist"})
	res := checker.Check(context.Background(), "https://evil.example/d", "hash-d")

	assert.True(t, res.SecondaryNeeded)
	assert.Equal(t, 1, secondary.callCount)
}

func TestCheckerDisabledProvidersAreSkipped(t *testing.T) {
	primary := &fakeBlocklist{name: "safebrowsing", enabled: false}
	secondary := &fakeBlocklist{name: "phishreport", enabled: false}
	tertiary := &fakeBlocklist{name: "malwarelist", enabled: true}

	checker := NewBlocklistChecker(primary, secondary, tertiary)
	res := checker.Check(context.Background(), "https://example.com/e", "hash-e")

	assert.Nil(t, res.Primary)
	assert.False(t, res.SecondaryNeeded)
	assert.Nil(t, res.Secondary)
	require.NotNil(t, res.Tertiary)
	assert.Equal(t, 0, primary.callCount)
}
