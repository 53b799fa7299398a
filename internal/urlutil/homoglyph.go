package urlutil

import (
	"strings"
	"unicode"

	"golang.org/x/net/idna"

	"github.com/link-scanner/internal/types"
)

// confusables folds visually interchangeable Cyrillic/Greek characters
// onto their Latin lookalikes.
var confusables = map[rune]rune{
	// Cyrillic
	'а': 'a', 'е': 'e', 'о': 'o', 'р': 'p', 'с': 'c', 'х': 'x',
	'у': 'y', 'і': 'i', 'ј': 'j', 'ѕ': 's', 'ԁ': 'd', 'һ': 'h',
	'к': 'k', 'м': 'm', 'т': 't', 'в': 'b', 'н': 'h', 'ԛ': 'q',
	'ԝ': 'w', 'ⅼ': 'l',
	// Greek
	'ο': 'o', 'α': 'a', 'ε': 'e', 'ι': 'i', 'κ': 'k', 'ν': 'v',
	'ρ': 'p', 'τ': 't', 'υ': 'u', 'χ': 'x', 'ω': 'w', 'β': 'b',
	// Latin extensions
	'ɑ': 'a', 'ɡ': 'g', 'ı': 'i', 'ł': 'l', 'ø': 'o',
}

// spoofed brands worth a dedicated similarity check.
var protectedBrands = []string{
	"paypal", "google", "apple", "microsoft", "amazon", "facebook",
	"whatsapp", "instagram", "netflix", "binance", "coinbase", "chase",
	"wellsfargo", "dropbox", "linkedin", "telegram", "twitter",
	"outlook", "steam", "ebay", "adobe", "spotify",
}

const brandSimilarityThreshold = 0.85

// DetectHomoglyph analyzes a hostname for confusable-character spoofing.
// Punycode hosts are decoded first so the visible form is what gets
// inspected.
func DetectHomoglyph(hostname string) types.HomoglyphResult {
	result := types.HomoglyphResult{RiskLevel: "none"}
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	if hostname == "" {
		return result
	}

	display := hostname
	if strings.Contains(hostname, "xn--") {
		result.Punycode = true
		result.Detected = true
		result.RiskLevel = "medium"
		result.Reasons = append(result.Reasons, "punycode hostname")
		if unicoded, err := idna.Lookup.ToUnicode(hostname); err == nil {
			display = unicoded
		}
	}

	confusableCount := 0
	for _, r := range display {
		if _, ok := confusables[r]; ok {
			confusableCount++
		}
	}
	if confusableCount > 0 {
		result.Detected = true
		result.Reasons = append(result.Reasons, "confusable characters")
		if result.RiskLevel == "none" {
			result.RiskLevel = "low"
		}
	}

	if hasMixedScripts(display) {
		result.Detected = true
		result.MixedScripts = true
		result.RiskLevel = "high"
		result.Reasons = append(result.Reasons, "mixed scripts in hostname")
	}

	// Compare the skeleton of the registrable label against known brands
	label := firstLabel(RegistrableDomain(display))
	skeleton := foldConfusables(label)
	for _, brand := range protectedBrands {
		if skeleton == brand {
			if label != brand {
				result.Detected = true
				result.TargetBrand = brand
				result.RiskLevel = "high"
				result.Reasons = append(result.Reasons, "confusable spoof of "+brand)
			}
			break
		}
		if similarity(skeleton, brand) > brandSimilarityThreshold {
			result.Detected = true
			result.TargetBrand = brand
			result.RiskLevel = "high"
			result.Reasons = append(result.Reasons, "near match for "+brand)
			break
		}
	}

	return result
}

func firstLabel(domain string) string {
	if i := strings.Index(domain, "."); i > 0 {
		return domain[:i]
	}
	return domain
}

func foldConfusables(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if folded, ok := confusables[r]; ok {
			sb.WriteRune(folded)
		} else {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// hasMixedScripts reports Latin combined with Cyrillic or Greek inside a
// single label, the classic homoglyph construction.
func hasMixedScripts(hostname string) bool {
	for _, label := range strings.Split(hostname, ".") {
		var latin, other bool
		for _, r := range label {
			switch {
			case unicode.Is(unicode.Latin, r):
				latin = true
			case unicode.Is(unicode.Cyrillic, r), unicode.Is(unicode.Greek, r):
				other = true
			}
		}
		if latin && other {
			return true
		}
	}
	return false
}

// similarity is 1 - normalized Levenshtein distance.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(a, b))/float64(longest)
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
