package metrics

// Metric series names. Shared here so producers and dashboards agree on
// spelling.
const (
	QueueDepth             = "scanner_queue_depth"
	QueueActive            = "scanner_queue_active"
	QueueFailed            = "scanner_queue_failed"
	QueueFailuresTotal     = "scanner_queue_failures_total"
	QueueCompletedTotal    = "scanner_queue_completed_total"
	QueueProcessingSeconds = "scanner_queue_processing_seconds"

	CacheHitsTotal   = "scanner_cache_hits_total"
	CacheMissesTotal = "scanner_cache_misses_total"
	CacheHitRatio    = "scanner_cache_hit_ratio"
	CacheStaleTotal  = "scanner_cache_stale_total"
	CacheEntryBytes  = "scanner_cache_entry_bytes"

	CircuitState            = "scanner_circuit_state"
	CircuitTransitionsTotal = "scanner_circuit_transitions_total"
	CircuitRejectionsTotal  = "scanner_circuit_rejections_total"

	ProviderLatencySeconds = "scanner_provider_latency_seconds"
	ProviderErrorsTotal    = "scanner_provider_errors_total"

	VerdictsTotal           = "scanner_verdicts_total"
	VerdictScore            = "scanner_verdict_score"
	VerdictReasonsTotal     = "scanner_verdict_reasons_total"
	VerdictCorrectionsTotal = "scanner_verdict_corrections_total"

	DegradedModeTotal = "scanner_degraded_mode_total"
	DegradedModeGauge = "scanner_degraded_mode"

	HomoglyphDetectionsTotal = "scanner_homoglyph_detections_total"

	Tier1BlocksTotal         = "scanner_tier1_blocks_total"
	ThreatDBHitsTotal        = "scanner_threatdb_hits_total"
	ThreatFeedEntries        = "scanner_threat_feed_entries"
	ExternalCallsAvoided     = "scanner_external_calls_avoided_total"
	OverrideEscalationsTotal = "scanner_override_escalations_total"

	ArtifactDownloadsTotal        = "scanner_artifact_downloads_total"
	ArtifactDownloadFailuresTotal = "scanner_artifact_download_failures_total"

	DeepScanSchemaSkipsTotal = "scanner_deepscan_schema_skips_total"
	SandboxSubmissionsTotal  = "scanner_sandbox_submissions_total"
)
