package analyzer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/link-scanner/internal/config"
	"github.com/link-scanner/internal/logging"
)

// DNSBLResult is one zone's answer for a hostname.
type DNSBLResult struct {
	Zone   string `json:"zone"`
	Listed bool   `json:"listed"`
}

// exchangeFunc resolves one query, injectable for tests.
type exchangeFunc func(ctx context.Context, name string) (listed bool, err error)

// DNSBLChecker queries DNS blacklists for a hostname.
type DNSBLChecker struct {
	zones    []string
	timeout  time.Duration
	exchange exchangeFunc
}

// NewDNSBLChecker creates a checker querying the configured zones
// through the given resolver address.
func NewDNSBLChecker(cfg config.AnalyzerConfig) *DNSBLChecker {
	timeout := cfg.DNSBLTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	c := &DNSBLChecker{
		zones:   cfg.DNSBLZones,
		timeout: timeout,
	}
	client := &dns.Client{Timeout: timeout}
	server := cfg.DNSBLServer
	if server == "" {
		server = "127.0.0.1:53"
	}
	c.exchange = func(ctx context.Context, name string) (bool, error) {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(name), dns.TypeA)
		resp, _, err := client.ExchangeContext(ctx, msg, server)
		if err != nil {
			return false, err
		}
		if resp.Rcode == dns.RcodeNameError {
			return false, nil
		}
		if resp.Rcode != dns.RcodeSuccess {
			return false, fmt.Errorf("dnsbl query rcode %s", dns.RcodeToString[resp.Rcode])
		}
		return len(resp.Answer) > 0, nil
	}
	return c
}

// Check queries every zone in parallel. Each listing adds 1.0. Query
// failures count as not listed.
func (c *DNSBLChecker) Check(ctx context.Context, hostname string) (float64, []string, []DNSBLResult) {
	if len(c.zones) == 0 {
		return 0, nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	results := make([]DNSBLResult, len(c.zones))
	var wg sync.WaitGroup
	for i, zone := range c.zones {
		wg.Add(1)
		go func(i int, zone string) {
			defer wg.Done()
			listed, err := c.exchange(ctx, hostname+"."+zone)
			if err != nil {
				logging.FromContext(ctx).WithFields(map[string]interface{}{
					"zone":  zone,
					"host":  hostname,
					"error": err.Error(),
				}).Debug("DNSBL query failed")
			}
			results[i] = DNSBLResult{Zone: zone, Listed: listed}
		}(i, zone)
	}
	wg.Wait()

	var score float64
	var reasons []string
	for _, r := range results {
		if r.Listed {
			score += 1.0
			reasons = append(reasons, "Domain listed in DNSBL: "+r.Zone)
		}
	}
	return score, reasons, results
}
