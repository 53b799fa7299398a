package urlutil

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/link-scanner/internal/types"
)

const maxReasonableURLLength = 200

var executableExtensions = map[string]struct{}{
	".exe": {}, ".scr": {}, ".bat": {}, ".cmd": {}, ".msi": {},
	".apk": {}, ".jar": {}, ".dmg": {}, ".ps1": {}, ".vbs": {},
}

// suspiciousTLDs see heavy abuse in phishing feeds relative to their
// legitimate traffic.
var suspiciousTLDs = map[string]struct{}{
	"tk": {}, "ml": {}, "ga": {}, "cf": {}, "gq": {},
	"zip": {}, "mov": {}, "top": {}, "xyz": {}, "club": {},
	"work": {}, "link": {}, "rest": {}, "icu": {},
}

var commonPorts = map[string]struct{}{
	"": {}, "80": {}, "443": {}, "8080": {}, "8443": {},
}

// ComputeHeuristics derives the cheap structural signals for a final URL.
// Never fails: an unparsable URL just yields zeroed signals.
func ComputeHeuristics(rawURL string) types.HeuristicSignals {
	var signals types.HeuristicSignals

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return signals
	}

	host := u.Hostname()
	if ip := net.ParseIP(host); ip != nil {
		signals.IPLiteralHost = true
	}

	if _, common := commonPorts[u.Port()]; !common {
		if _, err := strconv.Atoi(u.Port()); err == nil {
			signals.UncommonPort = true
		}
	}

	if len(rawURL) > maxReasonableURLLength {
		signals.ExcessiveLength = true
	}

	path := strings.ToLower(u.Path)
	for ext := range executableExtensions {
		if strings.HasSuffix(path, ext) {
			signals.ExecutableExtension = true
			break
		}
	}

	if i := strings.LastIndex(host, "."); i >= 0 && i < len(host)-1 {
		if _, bad := suspiciousTLDs[host[i+1:]]; bad {
			signals.SuspiciousTLD = true
		}
	}

	if u.User != nil {
		signals.HasUserInfo = true
	}

	return signals
}
