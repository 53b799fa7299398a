package analyzer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/link-scanner/internal/config"
	"github.com/link-scanner/internal/logging"
	"github.com/link-scanner/internal/metrics"
	"github.com/link-scanner/internal/storage"
	"github.com/link-scanner/internal/urlutil"
)

const (
	feedKeyPrefix          = "threat:feed:"
	domainKeyPrefix        = "threat:domain:"
	collaborativeKeyPrefix = "threat:collaborative:"

	collaborativeTTL        = 90 * 24 * time.Hour
	collaborativeWindow     = 7 * 24 * time.Hour
	collaborativeMaxHistory = 20
	collaborativeFlagCount  = 3
)

// ThreatDB is the local threat database: a feed table with a domain
// index, plus collaborative verdict history, all in Redis.
type ThreatDB struct {
	redis    *storage.RedisCache
	cfg      config.AnalyzerConfig
	registry *metrics.Registry
	client   *http.Client
	limiter  *rate.Limiter
}

// NewThreatDB creates the local threat database.
func NewThreatDB(redis *storage.RedisCache, cfg config.AnalyzerConfig, registry *metrics.Registry) *ThreatDB {
	perSec := cfg.FeedRatePerSec
	if perSec <= 0 {
		perSec = 50
	}
	return &ThreatDB{
		redis:    redis,
		cfg:      cfg,
		registry: registry,
		client:   &http.Client{Timeout: 30 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(perSec), int(perSec)),
	}
}

// FeedEntry is one URL from an ingested threat feed.
type FeedEntry struct {
	URL        string   `json:"url"`
	URLHash    string   `json:"urlHash"`
	FirstSeen  int64    `json:"firstSeen"`
	LastSeen   int64    `json:"lastSeen"`
	Confidence float64  `json:"confidence"`
	Tags       []string `json:"tags"`
}

type verdictRecord struct {
	Verdict    string  `json:"verdict"`
	Timestamp  int64   `json:"timestamp"`
	Confidence float64 `json:"confidence"`
}

type collaborativeEntry struct {
	URLHash        string          `json:"urlHash"`
	VerdictHistory []verdictRecord `json:"verdictHistory"`
	ReportCount    int             `json:"reportCount"`
}

// ThreatResult is the database's answer for a URL.
type ThreatResult struct {
	Score      float64  `json:"score"`
	Reasons    []string `json:"reasons"`
	MatchType  string   `json:"matchType,omitempty"` // exact, domain, collaborative
	Confidence float64  `json:"confidence,omitempty"`
}

// Check looks a URL up by exact hash, then domain index, then
// collaborative history.
func (db *ThreatDB) Check(ctx context.Context, targetURL, urlHash string) (ThreatResult, error) {
	raw, err := db.redis.Get(ctx, feedKeyPrefix+urlHash)
	if err == nil && raw != "" {
		db.countHit("exact")
		return ThreatResult{
			Score:      0.9,
			Reasons:    []string{"Exact match in threat feed"},
			MatchType:  "exact",
			Confidence: 0.9,
		}, nil
	}

	if domain := urlutil.Hostname(targetURL); domain != "" {
		members, err := db.redis.Client().SMembers(ctx, domainKeyPrefix+domain).Result()
		if err == nil && len(members) > 0 {
			db.countHit("domain")
			return ThreatResult{
				Score:      0.4,
				Reasons:    []string{fmt.Sprintf("Domain %s found in threat feed (%d entries)", domain, len(members))},
				MatchType:  "domain",
				Confidence: 0.7,
			}, nil
		}
	}

	return db.checkCollaborative(ctx, urlHash)
}

func (db *ThreatDB) checkCollaborative(ctx context.Context, urlHash string) (ThreatResult, error) {
	raw, err := db.redis.Get(ctx, collaborativeKeyPrefix+urlHash)
	if err != nil || raw == "" {
		return ThreatResult{}, nil
	}

	var entry collaborativeEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return ThreatResult{}, nil
	}

	cutoff := time.Now().Add(-collaborativeWindow).UnixMilli()
	malicious := 0
	for _, v := range entry.VerdictHistory {
		if v.Timestamp > cutoff && v.Verdict == "malicious" {
			malicious++
		}
	}

	if malicious >= collaborativeFlagCount {
		db.countHit("collaborative")
		return ThreatResult{
			Score: 0.7,
			Reasons: []string{fmt.Sprintf(
				"Auto-flagged by collaborative learning (%d malicious reports in 7 days)", malicious)},
			MatchType:  "collaborative",
			Confidence: 0.8,
		}, nil
	}
	return ThreatResult{}, nil
}

// RecordVerdict appends a final verdict to the collaborative history
// for a URL. History keeps 90 days, capped at the last 20 entries.
func (db *ThreatDB) RecordVerdict(ctx context.Context, targetURL, verdict string, confidence float64) error {
	urlHash := urlutil.HashURL(targetURL)
	key := collaborativeKeyPrefix + urlHash

	entry := collaborativeEntry{URLHash: urlHash}
	if raw, err := db.redis.Get(ctx, key); err == nil && raw != "" {
		_ = json.Unmarshal([]byte(raw), &entry)
	}

	now := time.Now().UnixMilli()
	entry.VerdictHistory = append(entry.VerdictHistory, verdictRecord{
		Verdict:    verdict,
		Timestamp:  now,
		Confidence: confidence,
	})
	entry.ReportCount++

	cutoff := time.Now().Add(-collaborativeTTL).UnixMilli()
	kept := entry.VerdictHistory[:0]
	for _, v := range entry.VerdictHistory {
		if v.Timestamp > cutoff {
			kept = append(kept, v)
		}
	}
	if len(kept) > collaborativeMaxHistory {
		kept = kept[len(kept)-collaborativeMaxHistory:]
	}
	entry.VerdictHistory = kept

	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return db.redis.Set(ctx, key, payload, collaborativeTTL)
}

// UpdateFeed fetches the configured newline-delimited feed and loads it
// into the feed table and the domain index. Writes are paced with the
// rate limiter so a large feed does not saturate Redis.
func (db *ThreatDB) UpdateFeed(ctx context.Context) (int, error) {
	if db.cfg.FeedURL == "" {
		return 0, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, db.cfg.FeedURL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", "link-scanner/1.0")

	resp, err := db.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("feed fetch returned status %d", resp.StatusCode)
	}

	ttl := db.cfg.FeedEntryTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	now := time.Now().UnixMilli()
	count := 0
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "http") {
			continue
		}
		if err := db.limiter.Wait(ctx); err != nil {
			return count, err
		}

		urlHash := urlutil.HashURL(line)
		entry := FeedEntry{
			URL:        line,
			URLHash:    urlHash,
			FirstSeen:  now,
			LastSeen:   now,
			Confidence: 0.9,
			Tags:       []string{"feed"},
		}
		payload, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		if err := db.redis.Set(ctx, feedKeyPrefix+urlHash, payload, ttl); err != nil {
			logging.FromContext(ctx).WithError(err).Warn("Feed entry write failed")
			continue
		}

		if domain := urlutil.Hostname(line); domain != "" {
			domainKey := domainKeyPrefix + domain
			if err := db.redis.Client().SAdd(ctx, domainKey, urlHash).Err(); err == nil {
				_ = db.redis.Expire(ctx, domainKey, ttl)
			}
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, err
	}

	if db.registry != nil {
		db.registry.SetGauge(metrics.ThreatFeedEntries, nil, float64(count))
	}
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"feedUrl": db.cfg.FeedURL,
		"entries": count,
	}).Info("Threat feed updated")
	return count, nil
}

// Stats reports entry counts for the maintenance endpoint.
func (db *ThreatDB) Stats(ctx context.Context) (map[string]int, error) {
	feedKeys, err := db.redis.Keys(ctx, feedKeyPrefix+"*")
	if err != nil {
		return nil, err
	}
	collabKeys, err := db.redis.Keys(ctx, collaborativeKeyPrefix+"*")
	if err != nil {
		return nil, err
	}
	return map[string]int{
		"feedEntries":          len(feedKeys),
		"collaborativeEntries": len(collabKeys),
	}, nil
}

func (db *ThreatDB) countHit(matchType string) {
	if db.registry != nil {
		db.registry.IncCounter(metrics.ThreatDBHitsTotal, metrics.Labels{"matchType": matchType})
	}
}
