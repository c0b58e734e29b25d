// Package api exposes the HTTP interface: crawl triggers, catalog reads,
// the change log, and report exports.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/bookwatch/bookwatch/internal/config"
	"github.com/bookwatch/bookwatch/internal/crawl"
	"github.com/bookwatch/bookwatch/internal/metrics"
	"github.com/bookwatch/bookwatch/internal/store"
)

// Runner triggers crawls. The coordinator implements it; tests substitute
// fakes.
type Runner interface {
	RunFullCrawl(ctx context.Context) crawl.Outcome
	RunPageRange(ctx context.Context, start, end int) crawl.Outcome
	State() crawl.State
}

// Server wires HTTP handlers to the gateway and the crawl coordinator.
type Server struct {
	router  chi.Router
	gateway store.Gateway
	runner  Runner
	cfg     config.Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(gateway store.Gateway, runner Runner, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		gateway: gateway,
		runner:  runner,
		cfg:     cfg,
		logger:  logger,
	}
	metrics.Init()

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metricsMiddleware)
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		// Crawl triggers run synchronously and can take minutes; no
		// timeout middleware on these routes.
		r.Post("/crawl", s.triggerFullCrawl)
		r.Post("/crawl/range", s.triggerRangeCrawl)
		r.Get("/crawl/status", s.crawlStatus)

		r.Route("/books", func(r chi.Router) {
			r.Get("/", s.listBooks)
			r.Get("/lookup", s.lookupBook)
			r.Route("/{book_id}", func(r chi.Router) {
				r.Get("/", s.getBook)
				r.Get("/changes", s.bookChanges)
			})
		})
		r.Get("/changes", s.listChanges)

		r.Route("/reports", func(r chi.Router) {
			r.Get("/changes.csv", s.changesReportCSV)
			r.Get("/changes.json", s.changesReportJSON)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The gateway is the only hard dependency; one cheap query proves it.
	if _, _, err := s.gateway.ListBooks(r.Context(), store.BookFilter{PageSize: 1}); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON response failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
