package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/link-scanner/internal/types"
)

// ScanRecord is the audit/query row for one scanned URL, keyed by the
// normalized-URL hash.
type ScanRecord struct {
	URLHash           string
	URL               string
	NormalizedURL     string
	Verdict           string
	Score             float64
	Reasons           []string
	Providers         []types.ProviderState
	CacheTTLSeconds   int
	RedirectChain     []string
	WasShortened      bool
	FinalURLMismatch  bool
	HomoglyphDetected bool
	HomoglyphRisk     string
	SandboxStatus     string
	SandboxUUID       string
	ScreenshotPath    string
	DOMPath           string
	ScanCount         int
	FirstSeenAt       time.Time
	LastSeenAt        time.Time
}

// MessageRecord associates a chat message with a scanned URL.
type MessageRecord struct {
	ChatID    string
	MessageID string
	URLHash   string
}

// ScanRepository persists scan history. The cache remains authoritative
// for user-facing reads; this store is an audit/query trail, so callers
// log and continue on failure.
type ScanRepository struct {
	db *PostgresDB
}

// NewScanRepository creates a new scan repository
func NewScanRepository(db *PostgresDB) *ScanRepository {
	return &ScanRepository{db: db}
}

// StoreVerdict upserts the scan row and, when a message association is
// supplied, inserts it once. Both writes happen in a single transaction.
// Re-scans update the same row and bump last_seen_at; a duplicate
// (chat_id, message_id) pair is a no-op, not an error.
func (r *ScanRepository) StoreVerdict(ctx context.Context, rec *ScanRecord, msg *MessageRecord) error {
	reasonsJSON, err := json.Marshal(rec.Reasons)
	if err != nil {
		return fmt.Errorf("failed to marshal reasons: %w", err)
	}
	providersJSON, err := json.Marshal(rec.Providers)
	if err != nil {
		return fmt.Errorf("failed to marshal provider stats: %w", err)
	}
	chainJSON, err := json.Marshal(rec.RedirectChain)
	if err != nil {
		return fmt.Errorf("failed to marshal redirect chain: %w", err)
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx) // nolint:errcheck // no-op after commit
	}()

	upsert := `
		INSERT INTO scans (
			url_hash, url, normalized_url, verdict, score, reasons,
			provider_stats, cache_ttl_seconds, redirect_chain,
			was_shortened, final_url_mismatch, homoglyph_detected,
			homoglyph_risk, scan_count, first_seen_at, last_seen_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1, NOW(), NOW())
		ON CONFLICT (url_hash) DO UPDATE SET
			verdict = EXCLUDED.verdict,
			score = EXCLUDED.score,
			reasons = EXCLUDED.reasons,
			provider_stats = EXCLUDED.provider_stats,
			cache_ttl_seconds = EXCLUDED.cache_ttl_seconds,
			redirect_chain = EXCLUDED.redirect_chain,
			was_shortened = EXCLUDED.was_shortened,
			final_url_mismatch = EXCLUDED.final_url_mismatch,
			homoglyph_detected = EXCLUDED.homoglyph_detected,
			homoglyph_risk = EXCLUDED.homoglyph_risk,
			scan_count = scans.scan_count + 1,
			last_seen_at = NOW()
	`
	if _, err := tx.Exec(ctx, upsert,
		rec.URLHash, rec.URL, rec.NormalizedURL, rec.Verdict, rec.Score,
		reasonsJSON, providersJSON, rec.CacheTTLSeconds, chainJSON,
		rec.WasShortened, rec.FinalURLMismatch, rec.HomoglyphDetected,
		rec.HomoglyphRisk,
	); err != nil {
		return fmt.Errorf("failed to upsert scan: %w", err)
	}

	if msg != nil && msg.ChatID != "" && msg.MessageID != "" {
		insert := `
			INSERT INTO messages (chat_id, message_id, url_hash, created_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (chat_id, message_id) DO NOTHING
		`
		if _, err := tx.Exec(ctx, insert, msg.ChatID, msg.MessageID, msg.URLHash); err != nil {
			return fmt.Errorf("failed to insert message association: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// UpdateSandboxStatus records the sandbox submission lifecycle for a scan.
func (r *ScanRepository) UpdateSandboxStatus(ctx context.Context, urlHash, status, scanUUID string) error {
	query := `
		UPDATE scans
		SET sandbox_status = $2, sandbox_uuid = NULLIF($3, ''), sandbox_updated_at = NOW()
		WHERE url_hash = $1
	`
	if _, err := r.db.Pool().Exec(ctx, query, urlHash, status, scanUUID); err != nil {
		return fmt.Errorf("failed to update sandbox status: %w", err)
	}
	return nil
}

// UpdateArtifacts stores downloaded artifact paths and the completion
// timestamp. Empty paths leave the existing value untouched so partial
// downloads do not erase an earlier success.
func (r *ScanRepository) UpdateArtifacts(ctx context.Context, urlHash, screenshotPath, domPath string) error {
	query := `
		UPDATE scans
		SET screenshot_path = COALESCE(NULLIF($2, ''), screenshot_path),
		    dom_path = COALESCE(NULLIF($3, ''), dom_path),
		    sandbox_status = 'completed',
		    sandbox_updated_at = NOW()
		WHERE url_hash = $1
	`
	if _, err := r.db.Pool().Exec(ctx, query, urlHash, screenshotPath, domPath); err != nil {
		return fmt.Errorf("failed to update artifacts: %w", err)
	}
	return nil
}

// GetScan fetches one scan row by URL hash. Returns (nil, nil) when the
// hash has never been scanned.
func (r *ScanRepository) GetScan(ctx context.Context, urlHash string) (*ScanRecord, error) {
	query := `
		SELECT url_hash, url, normalized_url, verdict, score, reasons,
		       provider_stats, cache_ttl_seconds, redirect_chain,
		       was_shortened, final_url_mismatch, homoglyph_detected,
		       homoglyph_risk, COALESCE(sandbox_status, ''),
		       COALESCE(sandbox_uuid, ''), COALESCE(screenshot_path, ''),
		       COALESCE(dom_path, ''), scan_count, first_seen_at, last_seen_at
		FROM scans
		WHERE url_hash = $1
	`

	var rec ScanRecord
	var reasonsJSON, providersJSON, chainJSON []byte
	err := r.db.Pool().QueryRow(ctx, query, urlHash).Scan(
		&rec.URLHash, &rec.URL, &rec.NormalizedURL, &rec.Verdict, &rec.Score,
		&reasonsJSON, &providersJSON, &rec.CacheTTLSeconds, &chainJSON,
		&rec.WasShortened, &rec.FinalURLMismatch, &rec.HomoglyphDetected,
		&rec.HomoglyphRisk, &rec.SandboxStatus, &rec.SandboxUUID,
		&rec.ScreenshotPath, &rec.DOMPath, &rec.ScanCount,
		&rec.FirstSeenAt, &rec.LastSeenAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get scan: %w", err)
	}

	if err := json.Unmarshal(reasonsJSON, &rec.Reasons); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reasons: %w", err)
	}
	if err := json.Unmarshal(providersJSON, &rec.Providers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal provider stats: %w", err)
	}
	if err := json.Unmarshal(chainJSON, &rec.RedirectChain); err != nil {
		return nil, fmt.Errorf("failed to unmarshal redirect chain: %w", err)
	}

	return &rec, nil
}

// URLHashForMessage resolves a message association back to its URL hash.
func (r *ScanRepository) URLHashForMessage(ctx context.Context, chatID, messageID string) (string, error) {
	query := `SELECT url_hash FROM messages WHERE chat_id = $1 AND message_id = $2`

	var urlHash string
	err := r.db.Pool().QueryRow(ctx, query, chatID, messageID).Scan(&urlHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to resolve message: %w", err)
	}
	return urlHash, nil
}

// GetOverride looks up an unexpired manual override for a URL hash.
// Returns (nil, nil) when no override applies.
func (r *ScanRepository) GetOverride(ctx context.Context, urlHash string) (*types.ManualOverride, error) {
	query := `
		SELECT action, COALESCE(reason, ''), expires_at
		FROM overrides
		WHERE url_hash = $1 AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY created_at DESC
		LIMIT 1
	`

	var override types.ManualOverride
	err := r.db.Pool().QueryRow(ctx, query, urlHash).Scan(
		&override.Action, &override.Reason, &override.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get override: %w", err)
	}
	return &override, nil
}
