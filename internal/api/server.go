// Package api exposes the orchestrator's HTTP surface: health and
// metrics endpoints plus the sandbox result webhook.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/link-scanner/internal/artifacts"
	"github.com/link-scanner/internal/config"
	"github.com/link-scanner/internal/logging"
	"github.com/link-scanner/internal/metrics"
	"github.com/link-scanner/internal/storage"
)

// ArtifactStore updates the scan row after artifact retrieval.
type ArtifactStore interface {
	UpdateArtifacts(ctx context.Context, urlHash, screenshotPath, domPath string) error
	UpdateSandboxStatus(ctx context.Context, urlHash, status, scanUUID string) error
}

// ArtifactFetcher downloads validated artifacts.
type ArtifactFetcher interface {
	Fetch(ctx context.Context, urlHash, screenshotURL, domURL string) artifacts.Result
}

// Server is the orchestrator's HTTP server.
type Server struct {
	cfg        *config.Config
	cache      *storage.CacheService
	store      ArtifactStore
	downloader ArtifactFetcher
	registry   *metrics.Registry
	limiter    *rate.Limiter
	router     *mux.Router
}

// NewServer wires routes and middleware. store and downloader may be
// nil when the sandbox integration is disabled.
func NewServer(cfg *config.Config, cache *storage.CacheService, store ArtifactStore, downloader ArtifactFetcher, registry *metrics.Registry) *Server {
	s := &Server{
		cfg:        cfg,
		cache:      cache,
		store:      store,
		downloader: downloader,
		registry:   registry,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit.WebhookPerSecond), cfg.RateLimit.WebhookBurst),
	}

	r := mux.NewRouter()
	r.Use(s.recoveryMiddleware, s.loggingMiddleware)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	r.Handle("/scan/callback", s.rateLimitMiddleware(http.HandlerFunc(s.handleScanCallback))).Methods(http.MethodPost)
	s.router = r
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return s.router
}

// ListenAndServe runs the server until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%s", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logging.WithField("addr", srv.Addr).Info("HTTP server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logging.WithFields(map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).String(),
		}).Info("HTTP request")
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logging.WithField("panic", fmt.Sprintf("%v", rec)).Error("Recovered from panic in HTTP handler")
				writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.cache.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"ok":          false,
			"cacheStatus": "unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":          true,
		"cacheStatus": "connected",
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	s.registry.Render(w)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
