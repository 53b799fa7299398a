package analyzer

import (
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strings"
)

// LexicalResult is the outcome of the cheap lexical checks.
type LexicalResult struct {
	Score    float64  `json:"score"`
	Reasons  []string `json:"reasons"`
	Entropy  float64  `json:"entropy"`
	Patterns []string `json:"patterns,omitempty"`
}

var (
	numericLabel  = regexp.MustCompile(`^\d+$`)
	multiHyphens  = regexp.MustCompile(`-{2,}`)
	cyrillicRunes = regexp.MustCompile(`[а-я]`)
	latinRunes    = regexp.MustCompile(`[a-z]`)
)

var keyboardRows = []string{"qwertyuiop", "asdfghjkl", "zxcvbnm", "1234567890"}

var lexicalSuspiciousTLDs = map[string]bool{
	"tk": true, "ml": true, "ga": true, "cf": true,
	"click": true, "download": true,
}

// AnalyzeLexical runs Shannon entropy, subdomain structure, keyboard
// walk, suspicious character and path depth checks on a URL. Parse
// failures produce a zero result, never an error.
func AnalyzeLexical(rawURL string) LexicalResult {
	var result LexicalResult

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Hostname() == "" {
		return result
	}
	hostname := strings.ToLower(parsed.Hostname())

	result.Entropy = shannonEntropy(hostname)
	if result.Entropy > 4.5 {
		result.Score += 0.6
		result.Reasons = append(result.Reasons, "High entropy in hostname (possible DGA)")
	}

	if sub := subdomainSuspicion(hostname); sub > 0 {
		result.Score += sub
		result.Reasons = append(result.Reasons, "Suspicious subdomain structure")
	}

	if hasKeyboardWalk(hostname) {
		result.Score += 0.4
		result.Reasons = append(result.Reasons, "Keyboard walk pattern detected")
		result.Patterns = append(result.Patterns, "keyboard_walk")
	}

	if patterns := suspiciousCharacters(rawURL); len(patterns) > 0 {
		result.Score += 0.3 * float64(len(patterns))
		result.Reasons = append(result.Reasons,
			"Suspicious characters: "+strings.Join(patterns, ", "))
		result.Patterns = append(result.Patterns, patterns...)
	}

	if len(rawURL) > 200 {
		result.Score += 0.3
		result.Reasons = append(result.Reasons, "Unusually long URL")
	}

	if pathDepth(parsed.Path) > 8 {
		result.Score += 0.2
		result.Reasons = append(result.Reasons, "Deep path structure")
	}

	labels := strings.Split(hostname, ".")
	tld := labels[len(labels)-1]
	if lexicalSuspiciousTLDs[tld] {
		result.Score += 0.4
		result.Reasons = append(result.Reasons, fmt.Sprintf("Suspicious TLD: .%s", tld))
	}

	if hasHomographRunes(hostname) {
		result.Score += 0.5
		result.Reasons = append(result.Reasons, "Potential homograph attack")
		result.Patterns = append(result.Patterns, "homograph")
	}

	return result
}

func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	freq := make(map[rune]int)
	total := 0
	for _, r := range s {
		freq[r]++
		total++
	}
	var entropy float64
	for _, count := range freq {
		p := float64(count) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}

func subdomainSuspicion(hostname string) float64 {
	parts := strings.Split(hostname, ".")
	if len(parts) <= 2 {
		return 0
	}
	subdomains := parts[:len(parts)-2]

	var score float64
	for _, sub := range subdomains {
		if numericLabel.MatchString(sub) {
			score += 0.3
			break
		}
	}
	if len(subdomains) > 4 {
		score += 0.4
	}
	for _, sub := range subdomains {
		if len(sub) > 20 {
			score += 0.3
			break
		}
	}
	return score
}

func hasKeyboardWalk(s string) bool {
	lower := strings.ToLower(s)
	for _, row := range keyboardRows {
		for i := 0; i+4 <= len(row); i++ {
			if strings.Contains(lower, row[i:i+4]) {
				return true
			}
		}
	}
	return false
}

func suspiciousCharacters(rawURL string) []string {
	var patterns []string
	if multiHyphens.MatchString(rawURL) {
		patterns = append(patterns, "multiple_hyphens")
	}
	if cyrillicRunes.MatchString(rawURL) && latinRunes.MatchString(rawURL) {
		patterns = append(patterns, "mixed_scripts")
	}
	for _, r := range rawURL {
		if r > 127 {
			patterns = append(patterns, "unicode_chars")
			break
		}
	}
	if strings.Count(rawURL, ".") > 8 {
		patterns = append(patterns, "excessive_dots")
	}
	return patterns
}

func pathDepth(path string) int {
	depth := 0
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			depth++
		}
	}
	return depth
}

// homographRunes maps common Latin letters to lookalike runes seen in
// spoofed hostnames.
var homographRunes = []rune{
	'а', 'à', 'á', 'â', 'ã', 'ä', 'å',
	'е', 'è', 'é', 'ê', 'ë',
	'о', 'ò', 'ó', 'ô', 'õ', 'ö',
	'р', 'с', 'х',
}

func hasHomographRunes(hostname string) bool {
	for _, r := range hostname {
		for _, h := range homographRunes {
			if r == h {
				return true
			}
		}
	}
	return false
}
