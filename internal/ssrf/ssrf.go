// Package ssrf guards outbound HTTP requests triggered by untrusted
// input. Validation is fail-closed: anything that cannot be positively
// cleared is rejected.
package ssrf

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// blockedHostnames are rejected before any DNS lookup.
var blockedHostnames = map[string]struct{}{
	"localhost":                {},
	"metadata.google.internal": {},
	"169.254.169.254":          {},
	"metadata":                 {},
}

var privateNetworks []*net.IPNet

func init() {
	for _, cidr := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16",
		"100.64.0.0/10",
		"0.0.0.0/8",
		"::1/128",
		"fc00::/7",
		"fe80::/10",
	} {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid builtin CIDR %s: %v", cidr, err))
		}
		privateNetworks = append(privateNetworks, network)
	}
}

// allowedPorts are the only ports outbound requests may target.
var allowedPorts = map[int]struct{}{
	80:   {},
	443:  {},
	8080: {},
	8443: {},
}

// Resolver is the DNS dependency, overridable in tests.
type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// Guard validates outbound targets.
type Guard struct {
	resolver Resolver
}

// NewGuard creates a guard using the stock resolver.
func NewGuard() *Guard {
	return &Guard{resolver: net.DefaultResolver}
}

// NewGuardWithResolver creates a guard with a custom resolver.
func NewGuardWithResolver(r Resolver) *Guard {
	return &Guard{resolver: r}
}

// IsPrivateIP reports whether an IP belongs to a private, loopback,
// link-local or otherwise non-routable range. IPv4-mapped IPv6
// addresses are unwrapped first.
func IsPrivateIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, network := range privateNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// AllowedPort reports whether a port may be contacted. The empty string
// means the scheme default, which is always acceptable.
func AllowedPort(portStr string) bool {
	if portStr == "" {
		return true
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return false
	}
	_, ok := allowedPorts[port]
	return ok
}

// IsBlockedHostname checks the static denylist, including IP-literal
// metadata endpoints.
func IsBlockedHostname(hostname string) bool {
	hostname = strings.ToLower(strings.TrimSuffix(hostname, "."))
	if _, blocked := blockedHostnames[hostname]; blocked {
		return true
	}
	if ip := net.ParseIP(hostname); ip != nil {
		return IsPrivateIP(ip)
	}
	return false
}

// CheckHostname resolves a hostname and rejects it when any resolved
// address is private. DNS failure rejects too; an unresolvable host must
// not be fetched.
func (g *Guard) CheckHostname(ctx context.Context, hostname string) error {
	if hostname == "" {
		return fmt.Errorf("empty hostname")
	}
	if IsBlockedHostname(hostname) {
		return fmt.Errorf("hostname %q is blocked", hostname)
	}

	if ip := net.ParseIP(hostname); ip != nil {
		if IsPrivateIP(ip) {
			return fmt.Errorf("ip %q is in a private range", hostname)
		}
		return nil
	}

	ips, err := g.resolver.LookupIP(ctx, "ip", hostname)
	if err != nil {
		return fmt.Errorf("dns resolution failed for %q: %w", hostname, err)
	}
	if len(ips) == 0 {
		return fmt.Errorf("no addresses for %q", hostname)
	}
	for _, ip := range ips {
		if IsPrivateIP(ip) {
			return fmt.Errorf("hostname %q resolves to private address %s", hostname, ip)
		}
	}
	return nil
}

// ValidateOutboundURL runs the full pre-flight check for one URL:
// protocol, static denylist, port range and live DNS resolution.
func (g *Guard) ValidateOutboundURL(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("unparsable url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("forbidden protocol %q", u.Scheme)
	}
	if !AllowedPort(u.Port()) {
		return fmt.Errorf("forbidden port %q", u.Port())
	}
	return g.CheckHostname(ctx, u.Hostname())
}
