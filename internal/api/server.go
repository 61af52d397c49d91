// Package api exposes the ops HTTP surface: health probes, catalog stats,
// token usage and letter lookups.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/gridline-ai/obsomatch/internal/config"
	"github.com/gridline-ai/obsomatch/internal/observability"
	"github.com/gridline-ai/obsomatch/internal/storage"
)

// Server is the ops HTTP server.
type Server struct {
	letters *storage.LetterStore
	catalog *storage.CatalogStore
	cfg     config.ServerConfig
	logger  *observability.Logger
	http    *http.Server
}

// NewServer builds the server and its router.
func NewServer(letters *storage.LetterStore, catalog *storage.CatalogStore, cfg config.ServerConfig, logger *observability.Logger) *Server {
	s := &Server{
		letters: letters,
		catalog: catalog,
		cfg:     cfg,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/catalog/stats", s.handleCatalogStats)
	r.Get("/usage/daily", s.handleDailyUsage)
	r.Get("/letters/{id}", s.handleGetLetter)

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("Ops server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports per-dependency status. Any failing dependency turns
// the probe into a 503.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := http.StatusOK
	checks := map[string]string{}

	if err := s.letters.Healthcheck(ctx); err != nil {
		checks["letters_db"] = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		checks["letters_db"] = "ok"
	}

	if err := s.catalog.Healthcheck(ctx); err != nil {
		checks["catalog_db"] = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		checks["catalog_db"] = "ok"
	}

	writeJSON(w, status, checks)
}

func (s *Server) handleCatalogStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.catalog.Stats(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Catalog stats failed")
		writeError(w, http.StatusInternalServerError, "catalog stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDailyUsage(w http.ResponseWriter, r *http.Request) {
	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > 365 {
			writeError(w, http.StatusBadRequest, "days must be between 1 and 365")
			return
		}
		days = parsed
	}

	usage, err := s.letters.TokenUsageByDay(r.Context(), days)
	if err != nil {
		s.logger.Error().Err(err).Msg("Token usage query failed")
		writeError(w, http.StatusInternalServerError, "usage unavailable")
		return
	}
	if usage == nil {
		usage = []*storage.DailyTokenUsage{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"days":  days,
		"usage": usage,
	})
}

func (s *Server) handleGetLetter(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid letter id")
		return
	}

	ctx := r.Context()
	letter, err := s.letters.GetLetter(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "letter not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Int64("letter_id", id).Msg("Letter lookup failed")
		writeError(w, http.StatusInternalServerError, "letter unavailable")
		return
	}

	products, err := s.letters.GetLetterProducts(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "letter products unavailable")
		return
	}
	matches, err := s.letters.GetLetterMatches(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "letter matches unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"letter":   letterView(letter),
		"products": products,
		"matches":  matches,
	})
}

// letterView trims the letter row for API output. The raw model payload and
// trace blobs stay server-side.
func letterView(l *storage.Letter) map[string]interface{} {
	return map[string]interface{}{
		"id":                     l.ID,
		"document_name":          l.DocumentName,
		"source_file_path":       l.SourceFilePath,
		"file_size":              l.FileSize,
		"content_hash":           l.ContentHash,
		"processing_method":      l.ProcessingMethod,
		"processing_duration_ms": l.ProcessingDurationMS,
		"extraction_confidence":  l.ExtractionConfidence,
		"status":                 l.Status,
		"created_at":             l.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
