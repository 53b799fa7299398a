package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/link-scanner/internal/types"
)

func intPtr(v int) *int { return &v }

func TestScoreFromSignalsCleanURL(t *testing.T) {
	out := ScoreFromSignals(Signals{URLLength: 40})
	assert.Equal(t, 0, out.Score)
	assert.Equal(t, types.VerdictBenign, out.Level)
	assert.Equal(t, 86400, out.CacheTTLSeconds)
	assert.Empty(t, out.Reasons)
}

func TestScoreFromSignalsManualOverride(t *testing.T) {
	allow := ScoreFromSignals(Signals{
		Override:           &types.ManualOverride{Action: "allow"},
		PrimaryThreatTypes: []string{"MALWARE"},
		PhishVerified:      true,
	})
	assert.Equal(t, 0, allow.Score)
	assert.Equal(t, types.VerdictBenign, allow.Level)
	assert.Equal(t, []string{"Manually allowed"}, allow.Reasons)

	deny := ScoreFromSignals(Signals{Override: &types.ManualOverride{Action: "deny"}})
	assert.Equal(t, 15, deny.Score)
	assert.Equal(t, types.VerdictMalicious, deny.Level)
	assert.Equal(t, []string{"Manually blocked"}, deny.Reasons)
}

func TestScoreFromSignalsBlocklistHits(t *testing.T) {
	out := ScoreFromSignals(Signals{PrimaryThreatTypes: []string{"SOCIAL_ENGINEERING"}})
	assert.Equal(t, 10, out.Score)
	assert.Equal(t, types.VerdictMalicious, out.Level)
	assert.Equal(t, 900, out.CacheTTLSeconds)

	out = ScoreFromSignals(Signals{PhishVerified: true, MalwareListed: true})
	assert.Equal(t, 15, out.Score, "score is clamped at 15")
}

func TestScoreFromSignalsReputationTiers(t *testing.T) {
	out := ScoreFromSignals(Signals{ReputationMalicious: intPtr(1)})
	assert.Equal(t, 5, out.Score)
	assert.Equal(t, types.VerdictSuspicious, out.Level)

	out = ScoreFromSignals(Signals{ReputationMalicious: intPtr(4)})
	assert.Equal(t, 8, out.Score)
	assert.Equal(t, types.VerdictMalicious, out.Level)

	out = ScoreFromSignals(Signals{ReputationMalicious: intPtr(0)})
	assert.Equal(t, 0, out.Score)
}

func TestScoreFromSignalsDomainAgeTiers(t *testing.T) {
	cases := []struct {
		age  int
		want int
	}{
		{3, 6},
		{10, 4},
		{20, 2},
		{400, 0},
	}
	for _, tc := range cases {
		out := ScoreFromSignals(Signals{DomainAgeDays: intPtr(tc.age)})
		assert.Equal(t, tc.want, out.Score, "age %d", tc.age)
	}

	// Unknown age scores nothing
	out := ScoreFromSignals(Signals{})
	assert.Equal(t, 0, out.Score)
}

func TestScoreFromSignalsHomoglyphTiers(t *testing.T) {
	out := ScoreFromSignals(Signals{Homoglyph: &types.HomoglyphResult{
		Detected: true, RiskLevel: "high", Reasons: []string{"Confusable spoof of paypal"},
	}})
	assert.Equal(t, 5, out.Score)
	assert.Contains(t, out.Reasons, "Confusable spoof of paypal")

	out = ScoreFromSignals(Signals{Homoglyph: &types.HomoglyphResult{
		Detected: true, RiskLevel: "medium",
	}})
	assert.Equal(t, 3, out.Score)

	out = ScoreFromSignals(Signals{Homoglyph: &types.HomoglyphResult{
		Detected: true, RiskLevel: "low", Punycode: true,
	}})
	assert.Equal(t, 1, out.Score)
	assert.Contains(t, out.Reasons, "Punycode/IDN hostname detected")

	out = ScoreFromSignals(Signals{Homoglyph: &types.HomoglyphResult{Detected: false}})
	assert.Equal(t, 0, out.Score)
}

func TestScoreFromSignalsStructuralHeuristics(t *testing.T) {
	out := ScoreFromSignals(Signals{
		Heuristics: types.HeuristicSignals{
			IPLiteralHost: true,
			UncommonPort:  true,
			SuspiciousTLD: true,
		},
		RedirectCount: 4,
		WasShortened:  true,
		URLMismatch:   true,
	})
	// 3 + 2 + 2 + 2 + 1 + 2
	assert.Equal(t, 12, out.Score)
	assert.Equal(t, types.VerdictMalicious, out.Level)

	out = ScoreFromSignals(Signals{
		Heuristics: types.HeuristicSignals{HasUserInfo: true},
	})
	assert.Equal(t, 6, out.Score)
	assert.Equal(t, types.VerdictSuspicious, out.Level)
	assert.Equal(t, 3600, out.CacheTTLSeconds)
}

func TestScoreFromSignalsSoftFeedCap(t *testing.T) {
	// A feed listing plus soft heuristics stays capped at suspicious
	out := ScoreFromSignals(Signals{
		SuspiciousDomain: true,
		Heuristics:       types.HeuristicSignals{IPLiteralHost: true, SuspiciousTLD: true},
	})
	assert.Equal(t, 7, out.Score)
	assert.Equal(t, types.VerdictSuspicious, out.Level)

	// With a hard blocklist hit the cap does not apply
	out = ScoreFromSignals(Signals{
		SuspiciousDomain: true,
		PhishVerified:    true,
	})
	assert.Equal(t, 15, out.Score)
	assert.Equal(t, types.VerdictMalicious, out.Level)
}

func TestScoreFromSignalsHeuristicsOnlyReason(t *testing.T) {
	out := ScoreFromSignals(Signals{HeuristicsOnly: true})
	assert.Equal(t, 0, out.Score)
	assert.Contains(t, out.Reasons, "Heuristics-only scan (external providers unavailable)")
}

func TestScoreFromSignalsDeduplicatesReasons(t *testing.T) {
	out := ScoreFromSignals(Signals{
		SecurityReasons: []string{"Keyboard walk pattern detected", "Keyboard walk pattern detected"},
	})
	assert.Equal(t, []string{"Keyboard walk pattern detected"}, out.Reasons)
}
