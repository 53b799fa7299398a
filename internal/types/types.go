// Package types defines the shared job, analysis and verdict types used
// across the scan pipeline.
package types

import (
	"fmt"
	"net/url"
	"time"
)

// VerdictLevel classifies a scanned URL.
type VerdictLevel string

const (
	VerdictBenign     VerdictLevel = "benign"
	VerdictSuspicious VerdictLevel = "suspicious"
	VerdictMalicious  VerdictLevel = "malicious"
)

// Valid reports whether the level is one of the three known values.
func (v VerdictLevel) Valid() bool {
	switch v {
	case VerdictBenign, VerdictSuspicious, VerdictMalicious:
		return true
	}
	return false
}

// DeepScanSchemaVersion is stamped into deep-scan payloads so workers can
// skip payloads produced by an incompatible fast-path build during rolling
// deploys.
const DeepScanSchemaVersion = 1

// ScanJob is the inbound scan request payload. Only URL is mandatory;
// identity for deduplication is the normalized-URL hash, never the job.
type ScanJob struct {
	ChatID       string `json:"chatId,omitempty"`
	MessageID    string `json:"messageId,omitempty"`
	SenderIDHash string `json:"senderIdHash,omitempty"`
	URL          string `json:"url"`
	Timestamp    int64  `json:"timestamp,omitempty"`
	Rescan       bool   `json:"rescan,omitempty"`
	URLHash      string `json:"urlHash,omitempty"`
	Priority     int    `json:"priority,omitempty"`
}

// Validate checks the job against the inbound schema. URL must parse as an
// absolute URL.
func (j *ScanJob) Validate() error {
	if j.URL == "" {
		return fmt.Errorf("missing required field: url")
	}
	u, err := url.Parse(j.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("url must be absolute: %s", j.URL)
	}
	return nil
}

// HasChatContext reports whether a downstream message can be addressed.
func (j *ScanJob) HasChatContext() bool {
	return j.ChatID != "" && j.MessageID != ""
}

// HeuristicSignals are the cheap structural signals computed on a final URL.
type HeuristicSignals struct {
	IPLiteralHost       bool `json:"ipLiteralHost,omitempty"`
	UncommonPort        bool `json:"uncommonPort,omitempty"`
	ExcessiveLength     bool `json:"excessiveLength,omitempty"`
	ExecutableExtension bool `json:"executableExtension,omitempty"`
	SuspiciousTLD       bool `json:"suspiciousTld,omitempty"`
	HasUserInfo         bool `json:"hasUserInfo,omitempty"`
}

// ShortenerInfo describes how a shortened URL was expanded.
type ShortenerInfo struct {
	Service       string `json:"service"`
	Expanded      bool   `json:"expanded"`
	Method        string `json:"method,omitempty"`
	FailureReason string `json:"failureReason,omitempty"`
}

// URLAnalysis is the resolved form of a job URL. Derived, not persisted
// directly; provider lookups cache their own slices of it.
type URLAnalysis struct {
	OriginalURL      string           `json:"originalUrl"`
	FinalURL         string           `json:"finalUrl"`
	RedirectChain    []string         `json:"redirectChain"`
	Heuristics       HeuristicSignals `json:"heuristics"`
	WasShortened     bool             `json:"wasShortened"`
	FinalURLMismatch bool             `json:"finalUrlMismatch"`
	Shortener        *ShortenerInfo   `json:"shortener,omitempty"`
}

// BlocklistMatch is the canonical match record all blocklist adapters
// normalize into, regardless of the provider's native shape.
type BlocklistMatch struct {
	Source     string `json:"source"`
	ThreatType string `json:"threatType"`
	Platform   string `json:"platform,omitempty"`
	Verified   bool   `json:"verified,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// BlocklistResult is one provider's answer for a URL.
type BlocklistResult struct {
	Provider   string           `json:"provider"`
	Matches    []BlocklistMatch `json:"matches"`
	FromCache  bool             `json:"fromCache"`
	DurationMs int64            `json:"durationMs"`
	Error      string           `json:"error,omitempty"`
}

// Hit reports whether the provider flagged the URL.
func (r *BlocklistResult) Hit() bool {
	return r != nil && len(r.Matches) > 0
}

// VerifiedHit reports whether any match was analyst-verified.
func (r *BlocklistResult) VerifiedHit() bool {
	if r == nil {
		return false
	}
	for _, m := range r.Matches {
		if m.Verified {
			return true
		}
	}
	return false
}

// BlocklistCheckResult aggregates the fast-path blocklist phase.
// SecondaryNeeded == false implies Secondary == nil.
type BlocklistCheckResult struct {
	Primary         *BlocklistResult `json:"primary"`
	Secondary       *BlocklistResult `json:"secondary,omitempty"`
	Tertiary        *BlocklistResult `json:"tertiary,omitempty"`
	SecondaryNeeded bool             `json:"secondaryNeeded"`
}

// ReputationStats is the AV-engine aggregator tally.
type ReputationStats struct {
	Malicious  int  `json:"malicious"`
	Suspicious int  `json:"suspicious"`
	Harmless   int  `json:"harmless"`
	Undetected int  `json:"undetected"`
	Found      bool `json:"found"`
}

// DomainIntel carries domain-age information from RDAP/WHOIS.
type DomainIntel struct {
	Domain       string     `json:"domain"`
	RegisteredAt *time.Time `json:"registeredAt,omitempty"`
	AgeDays      int        `json:"ageDays"`
	Source       string     `json:"source,omitempty"`
	Found        bool       `json:"found"`
}

// HomoglyphResult summarizes confusable-character analysis of a hostname.
type HomoglyphResult struct {
	Detected     bool     `json:"detected"`
	RiskLevel    string   `json:"riskLevel"` // none, low, medium, high
	Punycode     bool     `json:"punycode,omitempty"`
	MixedScripts bool     `json:"mixedScripts,omitempty"`
	TargetBrand  string   `json:"targetBrand,omitempty"`
	Reasons      []string `json:"reasons,omitempty"`
}

// SecurityAnalysis is the enhanced-security analyzer output.
type SecurityAnalysis struct {
	Score            float64  `json:"score"`
	Confidence       string   `json:"confidence"` // none, low, medium, high
	Verdict          string   `json:"verdict,omitempty"`
	Reasons          []string `json:"reasons,omitempty"`
	SkipExternalAPIs bool     `json:"skipExternalApis"`
	TierReached      int      `json:"tierReached"`
}

// ManualOverride is an operator-set classification for a URL hash.
type ManualOverride struct {
	Action    string     `json:"action"` // allow, deny
	Reason    string     `json:"reason,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// ProviderState summarizes whether a provider could be trusted for one
// request; the verdict generator derives degraded mode from these.
type ProviderState struct {
	Key       string `json:"key"`
	Name      string `json:"name"`
	Consulted bool   `json:"consulted"`
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

// DegradedProvider names an unavailable provider in a degraded verdict.
type DegradedProvider struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// VerdictResult is the pipeline's final output for a URL.
type VerdictResult struct {
	Level                     VerdictLevel       `json:"level"`
	Score                     float64            `json:"score"`
	Reasons                   []string           `json:"reasons"`
	CacheTTLSeconds           int                `json:"cacheTtlSeconds"`
	EnqueuedDeepScan          bool               `json:"enqueuedDeepScan"`
	EnqueuedSandbox           bool               `json:"enqueuedSandbox,omitempty"`
	DegradedProviders         []DegradedProvider `json:"degradedProviders,omitempty"`
	HeuristicsOnly            bool               `json:"heuristicsOnly,omitempty"`
	IsCorrection              bool               `json:"isCorrection,omitempty"`
	SuppressDownstreamMessage bool               `json:"suppressDownstreamMessage,omitempty"`
	DecidedAt                 time.Time          `json:"decidedAt"`
}

// Degraded reports whether the verdict was computed without any available
// external provider.
func (v *VerdictResult) Degraded() bool {
	return len(v.DegradedProviders) > 0
}

// VerdictJob is the outbound queue message consumed by the messaging layer.
type VerdictJob struct {
	ChatID        string          `json:"chatId"`
	MessageID     string          `json:"messageId"`
	URL           string          `json:"url"`
	NormalizedURL string          `json:"normalizedUrl"`
	URLHash       string          `json:"urlHash"`
	Verdict       VerdictLevel    `json:"verdict"`
	Score         float64         `json:"score"`
	Reasons       []string        `json:"reasons"`
	Providers     []ProviderState `json:"providers,omitempty"`
	TTLLevel      string          `json:"ttlLevel"`
	CacheTTL      int             `json:"cacheTtl"`
	IsCorrection  bool            `json:"isCorrection,omitempty"`
	DecidedAt     time.Time       `json:"decidedAt"`
}

// DeepScanJob carries the full fast-path intermediate state into the
// second phase so the deep-scan worker never recomputes resolution or
// blocklist results.
type DeepScanJob struct {
	SchemaVersion int                   `json:"schemaVersion"`
	ChatID        string                `json:"chatId,omitempty"`
	MessageID     string                `json:"messageId,omitempty"`
	URL           string                `json:"url"`
	NormalizedURL string                `json:"normalizedUrl"`
	URLHash       string                `json:"urlHash"`
	FastVerdict   VerdictLevel          `json:"fastVerdict"`
	Analysis      *URLAnalysis          `json:"analysis"`
	Blocklists    *BlocklistCheckResult `json:"blocklists,omitempty"`
	Homoglyph     *HomoglyphResult      `json:"homoglyph,omitempty"`
	Security      *SecurityAnalysis     `json:"security,omitempty"`
	Override      *ManualOverride       `json:"override,omitempty"`
	EnqueuedAt    time.Time             `json:"enqueuedAt"`
}

// SandboxSubmitJob asks the sandbox worker to submit a URL for scanning.
type SandboxSubmitJob struct {
	URL     string `json:"url"`
	URLHash string `json:"urlHash"`
}
