// Package main provides the scan orchestrator entry point: the HTTP
// API plus the fast-path, deep-scan and sandbox submission workers in
// a single process.
package main

import (
	"context"
	"log"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/link-scanner/internal/analyzer"
	"github.com/link-scanner/internal/api"
	"github.com/link-scanner/internal/artifacts"
	"github.com/link-scanner/internal/circuitbreaker"
	"github.com/link-scanner/internal/config"
	"github.com/link-scanner/internal/logging"
	"github.com/link-scanner/internal/metrics"
	"github.com/link-scanner/internal/providers"
	"github.com/link-scanner/internal/queue"
	"github.com/link-scanner/internal/resolver"
	"github.com/link-scanner/internal/retry"
	"github.com/link-scanner/internal/ssrf"
	"github.com/link-scanner/internal/storage"
	"github.com/link-scanner/internal/verdict"
	"github.com/link-scanner/internal/worker"
)

const feedRefreshInterval = time.Hour

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(
		logging.ParseLogLevel(cfg.Logging.Level),
		logging.ParseLogFormat(cfg.Logging.Format),
	)
	logger := logging.GetGlobalLogger()
	logger.Info("Scan orchestrator starting...")

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer postgres.Close()

	redisCache, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		logger.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisCache.Close()

	logger.Info("Database connections established")

	registry := metrics.NewRegistry()
	cache := storage.NewCacheService(redisCache, registry)
	scans := storage.NewScanRepository(postgres)

	breakers := circuitbreaker.NewRegistry(&circuitbreaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Timeout:          cfg.Breaker.Timeout,
		Window:           cfg.Breaker.Window,
	})
	breakers.OnStateChange(func(name string, from, to circuitbreaker.State) {
		registry.SetGauge(metrics.CircuitState, metrics.Labels{"provider": name}, to.GaugeValue())
		registry.IncCounter(metrics.CircuitTransitionsTotal, metrics.Labels{
			"provider": name,
			"to":       string(to),
		})
		logger.WithFields(map[string]interface{}{
			"provider": name,
			"from":     string(from),
			"to":       string(to),
		}).Warn("Circuit breaker state change")
	})

	retryCfg := &retry.Config{
		Retries:   cfg.Retry.Retries,
		BaseDelay: cfg.Retry.BaseDelay,
		Factor:    cfg.Retry.Factor,
	}
	wrapper := providers.NewWrapper(cache, breakers, retryCfg, registry)

	safeBrowsing := providers.NewSafeBrowsing(cfg.Providers.SafeBrowsing, wrapper)
	phishReport := providers.NewPhishReport(cfg.Providers.PhishReport, wrapper)
	malwareList := providers.NewMalwareList(cfg.Providers.MalwareList, wrapper)
	reputation := providers.NewReputation(cfg.Providers.Reputation, wrapper)
	domainIntel := providers.NewDomainIntel(cfg.Providers.DomainIntel, wrapper)
	sandbox := providers.NewSandbox(cfg.Providers.Sandbox, wrapper)

	guard := ssrf.NewGuard()
	urlResolver := resolver.New(cfg.Resolver, cache, wrapper, guard)
	securityAnalyzer := analyzer.New(cfg.Analyzer, redisCache, guard, registry)

	requestQueue := queue.New(redisCache, cfg.Queues.ScanRequests, registry)
	deepScanQueue := queue.New(redisCache, cfg.Queues.DeepScan, registry)
	verdictQueue := queue.New(redisCache, cfg.Queues.Verdicts, registry)
	sandboxQueue := queue.New(redisCache, cfg.Queues.Sandbox, registry)

	generator := verdict.NewGenerator(cfg.Cache, cfg.Providers.Sandbox, cache, scans, verdictQueue, sandboxQueue, registry)

	deps := worker.Deps{
		Config:      cfg,
		Cache:       cache,
		Registry:    registry,
		Generator:   generator,
		Resolver:    urlResolver,
		Analyzer:    securityAnalyzer,
		Blocklists:  verdict.NewBlocklistChecker(safeBrowsing, phishReport, malwareList),
		Reputation:  reputation,
		DomainIntel: domainIntel,
		Overrides:   scans,
		Sandbox:     sandbox,
		ScanStatus:  scans,

		RequestQueue:  requestQueue,
		DeepScanQueue: deepScanQueue,
		VerdictQueue:  verdictQueue,
		SandboxQueue:  sandboxQueue,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	runWorker := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Infof("Worker started: %s", name)
			if err := run(ctx); err != nil && ctx.Err() == nil {
				logger.WithError(err).Errorf("Worker stopped: %s", name)
				stop()
			}
		}()
	}

	runWorker("fast-path", worker.NewFastPath(deps).Run)
	runWorker("deep-scan", worker.NewDeepScan(deps).Run)
	runWorker("sandbox-submit", worker.NewSandboxSubmit(deps).Run)

	if cfg.Analyzer.ThreatDBEnabled && cfg.Analyzer.FeedURL != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			refreshFeeds(ctx, securityAnalyzer, logger)
		}()
	}

	downloader := artifacts.NewDownloader(cfg.Artifacts, cfg.Providers.Sandbox.TrustedHost, guard, registry)
	server := api.NewServer(cfg, cache, scans, downloader, registry)

	logger.Infof("HTTP server listening on %s:%s", cfg.Server.Host, cfg.Server.Port)
	if err := server.ListenAndServe(ctx); err != nil {
		logger.WithError(err).Error("HTTP server stopped")
	}
	stop()

	wg.Wait()
	logger.Info("Scan orchestrator stopped")
}

// refreshFeeds keeps the analyzer's threat intelligence feed warm. The
// first refresh runs immediately so a fresh instance does not serve an
// empty feed until the first tick.
func refreshFeeds(ctx context.Context, a *analyzer.Analyzer, logger *logging.Logger) {
	if err := a.UpdateFeeds(ctx); err != nil {
		logger.WithError(err).Warn("Initial threat feed refresh failed")
	}

	ticker := time.NewTicker(feedRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.UpdateFeeds(ctx); err != nil {
				logger.WithError(err).Warn("Threat feed refresh failed")
			}
		}
	}
}
