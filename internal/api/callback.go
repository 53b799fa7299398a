package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/link-scanner/internal/artifacts"
	"github.com/link-scanner/internal/logging"
	"github.com/link-scanner/internal/storage"
	"github.com/link-scanner/internal/urlutil"
)

// scanCallbackPayload is the sandbox result webhook body.
type scanCallbackPayload struct {
	UUID string `json:"uuid"`
	Task struct {
		URL string `json:"url"`
	} `json:"task"`
	ScreenshotURL string          `json:"screenshotURL"`
	DOMURL        string          `json:"domURL"`
	Visual        json.RawMessage `json:"visual,omitempty"`
}

// handleScanCallback receives a finished sandbox scan. Authorization
// and identifier checks gate everything; download failures after that
// point still acknowledge the webhook.
func (s *Server) handleScanCallback(w http.ResponseWriter, r *http.Request) {
	sandboxCfg := s.cfg.Providers.Sandbox
	if !sandboxCfg.Enabled {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"error": "sandbox integration disabled"})
		return
	}
	if !s.authorizedCallback(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": "unauthorized"})
		return
	}

	var payload scanCallbackPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid payload"})
		return
	}
	if !artifacts.ValidScanUUID(payload.UUID) {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid scan id"})
		return
	}
	if !artifacts.AllowedArtifactURL(payload.ScreenshotURL, sandboxCfg.TrustedHost) ||
		!artifacts.AllowedArtifactURL(payload.DOMURL, sandboxCfg.TrustedHost) {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "artifact host not allowed"})
		return
	}

	ctx := r.Context()
	log := logging.FromContext(ctx).WithField("scanUuid", payload.UUID)

	urlHash := s.resolveURLHash(r, &payload)
	if urlHash == "" {
		// Nothing we can associate the result with. Acknowledge so the
		// scan service does not keep retrying.
		log.Warn("Sandbox callback with unresolvable URL hash")
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "unresolved"})
		return
	}
	log = log.WithField("urlHash", urlHash)

	if err := s.cache.Set(ctx, storage.SandboxResultKey(urlHash), json.RawMessage(mustMarshal(&payload)), sandboxCfg.QueuedFlagTTL); err != nil {
		log.WithError(err).Warn("Failed to cache sandbox result payload")
	}

	var res artifacts.Result
	if s.downloader != nil {
		res = s.downloader.Fetch(ctx, urlHash, payload.ScreenshotURL, payload.DOMURL)
	}

	if s.store != nil {
		if err := s.store.UpdateArtifacts(ctx, urlHash, res.ScreenshotPath, res.DOMPath); err != nil {
			log.WithError(err).Error("Failed to update artifact paths")
		}
		if err := s.store.UpdateSandboxStatus(ctx, urlHash, "completed", payload.UUID); err != nil {
			log.WithError(err).Error("Failed to update sandbox status")
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"screenshot": res.ScreenshotPath != "",
		"dom":        res.DOMPath != "",
	})
}

// authorizedCallback checks the shared secret from either the header
// or the query string.
func (s *Server) authorizedCallback(r *http.Request) bool {
	secret := s.cfg.Providers.Sandbox.CallbackToken
	if secret == "" {
		return false
	}
	presented := r.Header.Get("X-Scan-Secret")
	if presented == "" {
		presented = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) == 1
}

// resolveURLHash maps the scan id back to a URL hash via the cached
// submission mapping, falling back to hashing the task URL from the
// payload.
func (s *Server) resolveURLHash(r *http.Request, payload *scanCallbackPayload) string {
	var urlHash string
	found, err := s.cache.Get(r.Context(), storage.SandboxUUIDKey(payload.UUID), 0, &urlHash)
	if err == nil && found && artifacts.ValidURLHash(urlHash) {
		return urlHash
	}

	if payload.Task.URL == "" {
		return ""
	}
	normalized, err := urlutil.NormalizeURL(payload.Task.URL)
	if err != nil {
		return ""
	}
	return urlutil.HashURL(normalized)
}

func mustMarshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
