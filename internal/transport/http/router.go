// Package httptransport is the thin HTTP layer over the live-plan engine.
// Handlers decode, delegate, and encode; all policy lives in the services.
package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"heirloom/internal/liveplan"
	"heirloom/internal/platform/metrics"
	"heirloom/internal/platform/middleware"
	"heirloom/internal/rules"
)

// Server carries the handlers' collaborators.
type Server struct {
	engine    *liveplan.Engine
	catalogue *rules.Catalogue
	validator middleware.JWTValidator
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

type ServerOption func(*Server)

func WithMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

func NewServer(engine *liveplan.Engine, catalogue *rules.Catalogue, validator middleware.JWTValidator, opts ...ServerOption) *Server {
	s := &Server{
		engine:    engine,
		catalogue: catalogue,
		validator: validator,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes assembles the full router: open probes, then the authenticated
// API surface.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recovery(s.logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	if s.metrics != nil {
		r.Use(middleware.Latency(s.metrics))
	}

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.RequireAuth(s.validator, s.logger))

		r.Post("/events", s.handleSubmitEvent)
		r.Get("/proposals", s.handleListProposals)
		r.Post("/proposals/{proposalID}/approve", s.handleApproveProposal)
		r.Post("/proposals/{proposalID}/reject", s.handleRejectProposal)
		r.Post("/plan/baseline", s.handleBaseline)
		r.Get("/plan/status", s.handleStatus)
		r.Get("/plan/versions/{versionID}", s.handleGetVersion)
		r.Get("/audit", s.handleAudit)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/triggers", s.handleManualTrigger)
			r.Post("/rules/snapshot", s.handleRuleSnapshot)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
