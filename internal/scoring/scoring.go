// Package scoring turns the collected signal bundle into a score,
// a verdict level and a suggested cache TTL. The weights are the
// documented contract; tuning them is out of scope here.
package scoring

import (
	"fmt"
	"strings"

	"github.com/link-scanner/internal/types"
)

// Signals is the structured bundle handed to the scorer. Absent
// numeric signals use pointers so zero and unknown stay distinct.
type Signals struct {
	PrimaryThreatTypes []string `json:"primaryThreatTypes,omitempty"`
	PhishVerified      bool     `json:"phishVerified,omitempty"`
	MalwareListed      bool     `json:"malwareListed,omitempty"`
	SuspiciousDomain   bool     `json:"suspiciousDomain,omitempty"`

	ReputationMalicious  *int `json:"reputationMalicious,omitempty"`
	ReputationSuspicious *int `json:"reputationSuspicious,omitempty"`

	DomainAgeDays *int `json:"domainAgeDays,omitempty"`

	Heuristics    types.HeuristicSignals `json:"heuristics"`
	URLLength     int                    `json:"urlLength,omitempty"`
	RedirectCount int                    `json:"redirectCount,omitempty"`
	WasShortened  bool                   `json:"wasShortened,omitempty"`
	URLMismatch   bool                   `json:"urlMismatch,omitempty"`

	Homoglyph *types.HomoglyphResult `json:"homoglyph,omitempty"`

	SecurityReasons []string `json:"securityReasons,omitempty"`

	Override       *types.ManualOverride `json:"override,omitempty"`
	HeuristicsOnly bool                  `json:"heuristicsOnly,omitempty"`
}

// Outcome is the scorer's answer.
type Outcome struct {
	Score           int                `json:"score"`
	Level           types.VerdictLevel `json:"level"`
	Reasons         []string           `json:"reasons"`
	CacheTTLSeconds int                `json:"cacheTtlSeconds"`
}

const maxScore = 15

// primaryMaliciousThreatTypes are the primary-blocklist threat types
// that score as outright malicious.
var primaryMaliciousThreatTypes = map[string]bool{
	"MALWARE":                         true,
	"SOCIAL_ENGINEERING":              true,
	"UNWANTED_SOFTWARE":               true,
	"MALICIOUS_BINARY":                true,
	"POTENTIALLY_HARMFUL_APPLICATION": true,
}

// ScoreFromSignals computes the verdict for one signal bundle. A manual
// override short-circuits everything else.
func ScoreFromSignals(s Signals) Outcome {
	if s.Override != nil {
		switch s.Override.Action {
		case "allow":
			return Outcome{Score: 0, Level: types.VerdictBenign,
				Reasons: []string{"Manually allowed"}, CacheTTLSeconds: 86400}
		case "deny":
			return Outcome{Score: maxScore, Level: types.VerdictMalicious,
				Reasons: []string{"Manually blocked"}, CacheTTLSeconds: 86400}
		}
	}

	score := 0
	var reasons []string
	add := func(points int, reason string) {
		score += points
		for _, r := range reasons {
			if r == reason {
				return
			}
		}
		reasons = append(reasons, reason)
	}

	// Blocklists
	for _, t := range s.PrimaryThreatTypes {
		if primaryMaliciousThreatTypes[t] {
			add(10, "Primary blocklist: "+strings.Join(s.PrimaryThreatTypes, ", "))
			break
		}
	}
	if s.PhishVerified {
		add(10, "Verified phishing report")
	}
	if s.MalwareListed {
		add(10, "Known malware distribution URL")
	}

	// Reputation engines
	if s.ReputationMalicious != nil {
		switch m := *s.ReputationMalicious; {
		case m >= 3:
			add(8, fmt.Sprintf("%d reputation engines flagged malicious", m))
		case m >= 1:
			add(5, fmt.Sprintf("%d reputation engine flagged malicious", m))
		}
	}

	// Domain age
	if s.DomainAgeDays != nil {
		switch age := *s.DomainAgeDays; {
		case age < 7:
			add(6, fmt.Sprintf("Domain registered %d days ago (<7)", age))
		case age < 14:
			add(4, fmt.Sprintf("Domain registered %d days ago (<14)", age))
		case age < 30:
			add(2, fmt.Sprintf("Domain registered %d days ago (<30)", age))
		}
	}

	// Homoglyph
	if s.Homoglyph != nil && s.Homoglyph.Detected {
		switch s.Homoglyph.RiskLevel {
		case "high":
			add(5, "High-risk homoglyph attack detected")
		case "medium":
			add(3, "Suspicious homoglyph characters detected")
		default:
			if s.Homoglyph.Punycode {
				add(1, "Punycode/IDN hostname detected")
			} else {
				add(1, "Internationalized hostname detected")
			}
		}
		for _, r := range s.Homoglyph.Reasons {
			add(0, r)
		}
	}

	// Structural heuristics
	h := s.Heuristics
	if h.IPLiteralHost {
		add(3, "URL uses IP address")
	}
	if h.SuspiciousTLD {
		add(2, "Suspicious TLD")
	}
	if s.RedirectCount >= 3 {
		add(2, fmt.Sprintf("Multiple redirects (%d)", s.RedirectCount))
	}
	if h.UncommonPort {
		add(2, "Uncommon port")
	}
	if s.URLLength > 200 {
		add(2, fmt.Sprintf("Long URL (%d chars)", s.URLLength))
	}
	if h.ExecutableExtension {
		add(1, "Executable file extension")
	}
	if s.WasShortened {
		add(1, "Shortened URL expanded")
	}
	if h.HasUserInfo {
		add(6, "URL contains embedded credentials")
	}
	if s.SuspiciousDomain {
		add(5, "Domain listed in suspicious activity feed")
	}
	if s.URLMismatch {
		add(2, "Redirect leads to mismatched domain/brand")
	}

	for _, r := range s.SecurityReasons {
		add(0, r)
	}
	if s.HeuristicsOnly {
		add(0, "Heuristics-only scan (external providers unavailable)")
	}

	if score > maxScore {
		score = maxScore
	}
	if score < 0 {
		score = 0
	}

	// A soft feed listing alone never crosses into malicious
	if s.SuspiciousDomain && !s.hardBlocklistHit() && score > 7 {
		score = 7
	}

	level, ttl := levelForScore(score)
	return Outcome{Score: score, Level: level, Reasons: reasons, CacheTTLSeconds: ttl}
}

func (s Signals) hardBlocklistHit() bool {
	if s.PhishVerified || s.MalwareListed || len(s.PrimaryThreatTypes) > 0 {
		return true
	}
	return s.ReputationMalicious != nil && *s.ReputationMalicious >= 1
}

func levelForScore(score int) (types.VerdictLevel, int) {
	switch {
	case score <= 3:
		return types.VerdictBenign, 86400
	case score <= 7:
		return types.VerdictSuspicious, 3600
	default:
		return types.VerdictMalicious, 900
	}
}
