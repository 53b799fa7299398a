package urlutil

import "strings"

// knownShorteners maps shortener hostnames to a display name.
var knownShorteners = map[string]string{
	"bit.ly":       "Bitly",
	"tinyurl.com":  "TinyURL",
	"t.co":         "Twitter",
	"goo.gl":       "Google",
	"ow.ly":        "Hootsuite",
	"is.gd":        "is.gd",
	"buff.ly":      "Buffer",
	"rebrand.ly":   "Rebrandly",
	"cutt.ly":      "Cuttly",
	"shorturl.at":  "shorturl.at",
	"rb.gy":        "Rebrandly",
	"t.ly":         "T.LY",
	"tiny.cc":      "Tiny.cc",
	"lnkd.in":      "LinkedIn",
	"s.id":         "s.id",
	"v.gd":         "v.gd",
	"qr.ae":        "Quora",
	"soo.gd":       "soo.gd",
	"clck.ru":      "clck.ru",
	"shorte.st":    "Shorte.st",
	"bl.ink":       "BLINK",
	"short.gy":     "short.gy",
	"urlz.fr":      "urlz.fr",
	"wa.link":      "wa.link",
	"linktr.ee":    "Linktree",
	"tr.im":        "tr.im",
	"zpr.io":       "zpr.io",
	"x.co":         "GoDaddy",
	"mcaf.ee":      "McAfee",
	"po.st":        "po.st",
	"u.to":         "u.to",
	"snip.ly":      "Sniply",
	"adf.ly":       "AdFly",
	"shrtco.de":    "shrtco.de",
	"chilp.it":     "chilp.it",
	"y2u.be":       "y2u.be",
	"surl.li":      "surl.li",
	"gg.gg":        "gg.gg",
	"tny.im":       "tny.im",
	"2no.co":       "2no.co",
	"iplogger.org": "IPLogger",
}

// ShortenerService reports whether a URL points at a known link
// shortener, and which one.
func ShortenerService(rawURL string) (string, bool) {
	host := Hostname(rawURL)
	if host == "" {
		return "", false
	}
	host = strings.TrimPrefix(host, "www.")
	name, ok := knownShorteners[host]
	return name, ok
}
