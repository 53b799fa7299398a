// Package config provides configuration management for the scan
// orchestrator. It loads configuration from environment variables and
// .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Queues    QueuesConfig
	Providers ProvidersConfig
	Resolver  ResolverConfig
	Analyzer  AnalyzerConfig
	Breaker   BreakerConfig
	Retry     RetryConfig
	Cache     CacheConfig
	Worker    WorkerConfig
	Artifacts ArtifactsConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres PostgresConfig
	Redis    RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// QueuesConfig names the durable Redis-list queues.
type QueuesConfig struct {
	ScanRequests string
	DeepScan     string
	Verdicts     string
	Sandbox      string
}

// ProvidersConfig groups every external provider.
type ProvidersConfig struct {
	SafeBrowsing ProviderConfig
	PhishReport  ProviderConfig
	MalwareList  ProviderConfig
	Reputation   ProviderConfig
	DomainIntel  DomainIntelConfig
	Sandbox      SandboxConfig
}

// ProviderConfig holds a single provider's endpoint and budgets.
type ProviderConfig struct {
	Enabled         bool
	BaseURL         string
	APIKey          string
	Timeout         time.Duration
	CacheTTL        time.Duration
	LatencyBudgetMs int64
}

// DomainIntelConfig holds RDAP/WHOIS lookup configuration. The metered
// WHOIS provider is last in the fallback chain and goes quiet for the
// rest of the month once its quota is exhausted.
type DomainIntelConfig struct {
	Enabled      bool
	RDAPBaseURL  string
	WhoisBaseURL string
	WhoisAPIKey  string
	Timeout      time.Duration
	CacheTTL     time.Duration
}

// SandboxConfig holds the screenshot/DOM scan integration.
type SandboxConfig struct {
	Enabled       bool
	BaseURL       string
	APIKey        string
	CallbackToken string
	TrustedHost   string
	QueuedFlagTTL time.Duration
	Timeout       time.Duration
}

// ResolverConfig bounds URL expansion.
type ResolverConfig struct {
	MaxRedirects      int
	Timeout           time.Duration
	UnshortenEndpoint string
	ShortenerCacheTTL time.Duration
}

// AnalyzerConfig holds the enhanced security analyzer settings.
type AnalyzerConfig struct {
	Enabled         bool
	Tier1Threshold  float64
	Tier2Threshold  float64
	DNSBLEnabled    bool
	DNSBLZones      []string
	DNSBLServer     string
	DNSBLTimeout    time.Duration
	ThreatDBEnabled bool
	CertEnabled     bool
	HTTPEnabled     bool
	FeedURL         string
	FeedEntryTTL    time.Duration
	FeedRatePerSec  float64
}

// BreakerConfig holds per-provider circuit breaker defaults.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	Window           time.Duration
}

// RetryConfig holds outbound retry defaults.
type RetryConfig struct {
	Retries   int
	BaseDelay time.Duration
	Factor    float64
}

// CacheConfig holds verdict cache TTLs per level.
type CacheConfig struct {
	BenignTTL     time.Duration
	SuspiciousTTL time.Duration
	MaliciousTTL  time.Duration
}

// TTLForLevel resolves the verdict cache TTL table.
func (c CacheConfig) TTLForLevel(level string) (time.Duration, bool) {
	switch level {
	case "benign":
		return c.BenignTTL, true
	case "suspicious":
		return c.SuspiciousTTL, true
	case "malicious":
		return c.MaliciousTTL, true
	}
	return 0, false
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	FastPathConcurrency int
	DeepScanConcurrency int
	SandboxConcurrency  int
	PollTimeout         time.Duration
}

// ArtifactsConfig holds the sandbox artifact download settings.
type ArtifactsConfig struct {
	Dir             string
	DownloadTimeout time.Duration
	MaxBytes        int64
}

// RateLimitConfig holds webhook rate limiting configuration
type RateLimitConfig struct {
	WebhookPerSecond float64
	WebhookBurst     int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env file is optional, environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "link_scanner"),
				User:           getEnv("POSTGRES_USER", "scanner"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 50),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 50),
			},
		},
		Queues: QueuesConfig{
			ScanRequests: getEnv("QUEUE_SCAN_REQUESTS", "queue:scan-requests"),
			DeepScan:     getEnv("QUEUE_DEEP_SCAN", "queue:deep-scan"),
			Verdicts:     getEnv("QUEUE_VERDICTS", "queue:verdicts"),
			Sandbox:      getEnv("QUEUE_SANDBOX", "queue:sandbox-submit"),
		},
		Providers: ProvidersConfig{
			SafeBrowsing: ProviderConfig{
				Enabled:         getEnvAsBool("SAFEBROWSING_ENABLED", true),
				BaseURL:         getEnv("SAFEBROWSING_BASE_URL", "https://safebrowsing.googleapis.com"),
				APIKey:          getEnv("SAFEBROWSING_API_KEY", ""),
				Timeout:         getEnvAsDuration("SAFEBROWSING_TIMEOUT", 5*time.Second),
				CacheTTL:        getEnvAsDuration("SAFEBROWSING_CACHE_TTL", 1*time.Hour),
				LatencyBudgetMs: int64(getEnvAsInt("SAFEBROWSING_LATENCY_BUDGET_MS", 2500)),
			},
			PhishReport: ProviderConfig{
				Enabled:  getEnvAsBool("PHISHREPORT_ENABLED", true),
				BaseURL:  getEnv("PHISHREPORT_BASE_URL", "https://checkurl.phishtank.com"),
				APIKey:   getEnv("PHISHREPORT_API_KEY", ""),
				Timeout:  getEnvAsDuration("PHISHREPORT_TIMEOUT", 5*time.Second),
				CacheTTL: getEnvAsDuration("PHISHREPORT_CACHE_TTL", 1*time.Hour),
			},
			MalwareList: ProviderConfig{
				Enabled:  getEnvAsBool("MALWARELIST_ENABLED", true),
				BaseURL:  getEnv("MALWARELIST_BASE_URL", "https://urlhaus-api.abuse.ch"),
				Timeout:  getEnvAsDuration("MALWARELIST_TIMEOUT", 5*time.Second),
				CacheTTL: getEnvAsDuration("MALWARELIST_CACHE_TTL", 1*time.Hour),
			},
			Reputation: ProviderConfig{
				Enabled:  getEnvAsBool("REPUTATION_ENABLED", true),
				BaseURL:  getEnv("REPUTATION_BASE_URL", "https://www.virustotal.com"),
				APIKey:   getEnv("REPUTATION_API_KEY", ""),
				Timeout:  getEnvAsDuration("REPUTATION_TIMEOUT", 8*time.Second),
				CacheTTL: getEnvAsDuration("REPUTATION_CACHE_TTL", 6*time.Hour),
			},
			DomainIntel: DomainIntelConfig{
				Enabled:      getEnvAsBool("DOMAININTEL_ENABLED", true),
				RDAPBaseURL:  getEnv("DOMAININTEL_RDAP_BASE_URL", "https://rdap.org"),
				WhoisBaseURL: getEnv("DOMAININTEL_WHOIS_BASE_URL", ""),
				WhoisAPIKey:  getEnv("DOMAININTEL_WHOIS_API_KEY", ""),
				Timeout:      getEnvAsDuration("DOMAININTEL_TIMEOUT", 6*time.Second),
				CacheTTL:     getEnvAsDuration("DOMAININTEL_CACHE_TTL", 24*time.Hour),
			},
			Sandbox: SandboxConfig{
				Enabled:       getEnvAsBool("SANDBOX_ENABLED", false),
				BaseURL:       getEnv("SANDBOX_BASE_URL", "https://urlscan.io"),
				APIKey:        getEnv("SANDBOX_API_KEY", ""),
				CallbackToken: getEnv("SANDBOX_CALLBACK_TOKEN", ""),
				TrustedHost:   getEnv("SANDBOX_TRUSTED_HOST", "urlscan.io"),
				QueuedFlagTTL: getEnvAsDuration("SANDBOX_QUEUED_FLAG_TTL", 15*time.Minute),
				Timeout:       getEnvAsDuration("SANDBOX_TIMEOUT", 10*time.Second),
			},
		},
		Resolver: ResolverConfig{
			MaxRedirects:      getEnvAsInt("RESOLVER_MAX_REDIRECTS", 5),
			Timeout:           getEnvAsDuration("RESOLVER_TIMEOUT", 5*time.Second),
			UnshortenEndpoint: getEnv("RESOLVER_UNSHORTEN_ENDPOINT", ""),
			ShortenerCacheTTL: getEnvAsDuration("RESOLVER_SHORTENER_CACHE_TTL", 24*time.Hour),
		},
		Analyzer: AnalyzerConfig{
			Enabled:         getEnvAsBool("ANALYZER_ENABLED", true),
			Tier1Threshold:  getEnvAsFloat("ANALYZER_TIER1_THRESHOLD", 2.0),
			Tier2Threshold:  getEnvAsFloat("ANALYZER_TIER2_THRESHOLD", 1.5),
			DNSBLEnabled:    getEnvAsBool("ANALYZER_DNSBL_ENABLED", true),
			DNSBLZones:      []string{"zen.spamhaus.org", "multi.surbl.org"},
			DNSBLServer:     getEnv("ANALYZER_DNSBL_SERVER", ""),
			DNSBLTimeout:    getEnvAsDuration("ANALYZER_DNSBL_TIMEOUT", 2*time.Second),
			ThreatDBEnabled: getEnvAsBool("ANALYZER_THREATDB_ENABLED", true),
			CertEnabled:     getEnvAsBool("ANALYZER_CERT_ENABLED", true),
			HTTPEnabled:     getEnvAsBool("ANALYZER_HTTP_ENABLED", true),
			FeedURL:         getEnv("ANALYZER_FEED_URL", ""),
			FeedEntryTTL:    getEnvAsDuration("ANALYZER_FEED_ENTRY_TTL", 48*time.Hour),
			FeedRatePerSec:  getEnvAsFloat("ANALYZER_FEED_RATE_PER_SEC", 50),
		},
		Breaker: BreakerConfig{
			FailureThreshold: getEnvAsInt("BREAKER_FAILURE_THRESHOLD", 5),
			SuccessThreshold: getEnvAsInt("BREAKER_SUCCESS_THRESHOLD", 3),
			Timeout:          getEnvAsDuration("BREAKER_TIMEOUT", 30*time.Second),
			Window:           getEnvAsDuration("BREAKER_WINDOW", 60*time.Second),
		},
		Retry: RetryConfig{
			Retries:   getEnvAsInt("RETRY_ATTEMPTS", 2),
			BaseDelay: getEnvAsDuration("RETRY_BASE_DELAY", 500*time.Millisecond),
			Factor:    getEnvAsFloat("RETRY_FACTOR", 2.0),
		},
		Cache: CacheConfig{
			BenignTTL:     getEnvAsDuration("CACHE_TTL_BENIGN", 24*time.Hour),
			SuspiciousTTL: getEnvAsDuration("CACHE_TTL_SUSPICIOUS", 1*time.Hour),
			MaliciousTTL:  getEnvAsDuration("CACHE_TTL_MALICIOUS", 15*time.Minute),
		},
		Worker: WorkerConfig{
			FastPathConcurrency: getEnvAsInt("WORKER_FAST_PATH_CONCURRENCY", 8),
			DeepScanConcurrency: getEnvAsInt("WORKER_DEEP_SCAN_CONCURRENCY", 4),
			SandboxConcurrency:  getEnvAsInt("WORKER_SANDBOX_CONCURRENCY", 2),
			PollTimeout:         getEnvAsDuration("WORKER_POLL_TIMEOUT", 5*time.Second),
		},
		Artifacts: ArtifactsConfig{
			Dir:             getEnv("ARTIFACTS_DIR", "/var/lib/link-scanner/artifacts"),
			DownloadTimeout: getEnvAsDuration("ARTIFACTS_DOWNLOAD_TIMEOUT", 10*time.Second),
			MaxBytes:        int64(getEnvAsInt("ARTIFACTS_MAX_BYTES", 10*1024*1024)),
		},
		RateLimit: RateLimitConfig{
			WebhookPerSecond: getEnvAsFloat("RATE_LIMIT_WEBHOOK_PER_SECOND", 10),
			WebhookBurst:     getEnvAsInt("RATE_LIMIT_WEBHOOK_BURST", 20),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config, nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a bool with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
