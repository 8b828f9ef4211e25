// Package httpapi exposes Doctor's REST surface: plan submission, plan and
// branching-plan lookup, the Igor roster, Frank's failure-pattern ledger,
// and liveness.
package httpapi

import (
	"encoding/json"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/barrhawk/e2e-core/internal/doctor"
	"github.com/barrhawk/e2e-core/internal/errs"
	"github.com/barrhawk/e2e-core/internal/telemetry"
)

// Server wraps a chi.Mux exposing Doctor's HTTP endpoints.
type Server struct {
	svc     *doctor.Service
	logger  telemetry.Logger
	Handler http.Handler
}

// NewServer builds a Server routing every request (but /health) through the
// Service's rate limiter.
func NewServer(svc *doctor.Service, logger telemetry.Logger) *Server {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	s := &Server{svc: svc, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/plan", s.handleSubmitPlan)
		r.Get("/plans", s.handlePlans)
		r.Get("/plan/{id}", s.handlePlan)
		r.Get("/igors", s.handleIgors)
		r.Get("/branches", s.handleBranches)
		r.Get("/branches/{id}", s.handleBranch)
		r.Get("/frank", s.handleFrank)
	})

	s.Handler = r
	return s
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.svc.Allow() {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"version":         doctor.Version,
		"uptime":          s.svc.Uptime().String(),
		"pid":             os.Getpid(),
		"bridgeConnected": s.svc.BridgeConnected(),
		"planLimits":      s.svc.PlanLimits(),
		"reconnection":    s.svc.Reconnection(),
		"experience":      s.svc.Experience(),
		"igors":           s.svc.Igors().Snapshot(),
		"activePlans":     s.svc.Plans().ActiveCount(),
		"restartInFlight": s.svc.RestartInFlight(),
	})
}

type submitPlanRequest struct {
	Intent         string `json:"intent"`
	URL            string `json:"url,omitempty"`
	ForceBranching *bool  `json:"forceBranching,omitempty"`
}

func (s *Server) handleSubmitPlan(w http.ResponseWriter, r *http.Request) {
	var req submitPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Intent == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "intent is required"})
		return
	}
	suppressBranching := req.ForceBranching != nil && !*req.ForceBranching
	result, err := s.svc.SubmitPlanOptions(r.Context(), req.Intent, req.URL, suppressBranching)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := errs.Unexpected
	if e := errs.As(err); e != nil {
		kind = e.Kind
		switch kind {
		case errs.ValidationFailed:
			status = http.StatusBadRequest
		case errs.Overload:
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": string(kind)})
}

func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Plans().Snapshot())
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, ok := s.svc.Plans().Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "plan not found"})
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleIgors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Igors().Snapshot())
}

func (s *Server) handleBranches(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Branches().Snapshot())
}

func (s *Server) handleBranch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	bp, ok := s.svc.Branches().Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "branching plan not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"branchingPlan": bp,
		"status":        bp.Status(),
	})
}

func (s *Server) handleFrank(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"patterns": s.svc.Failures().Snapshot(),
		"pending":  s.svc.Failures().PendingSnapshot(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
