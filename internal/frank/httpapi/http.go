// Package httpapi exposes Frankenstein's REST surface: tool CRUD, invocation,
// promotion, and liveness.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/barrhawk/e2e-core/internal/errs"
	"github.com/barrhawk/e2e-core/internal/frank/tools"
	"github.com/barrhawk/e2e-core/internal/telemetry"
)

// Server wraps a chi.Mux routing Frankenstein's HTTP endpoints.
type Server struct {
	registry *tools.Registry
	logger   telemetry.Logger
	started  func() bool

	Handler http.Handler
}

// NewServer builds a Server backed by registry. started reports bridge
// connectivity for /health; pass nil to always report connected.
func NewServer(registry *tools.Registry, logger telemetry.Logger, started func() bool) *Server {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if started == nil {
		started = func() bool { return true }
	}
	s := &Server{registry: registry, logger: logger, started: started}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/tools", s.handleListTools)
	r.Get("/tools/igorify-candidates", s.handleIgorifyCandidates)
	r.Post("/tools", s.handleCreateTool)
	r.Post("/tools/{id}/invoke", s.handleInvokeTool)
	r.Post("/tools/{id}/export", s.handleExportTool)
	r.Delete("/tools/{id}", s.handleDeleteTool)

	s.Handler = r
	return s
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"bridgeConnected": s.started(),
		"tools":           len(s.registry.Names()),
	})
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Snapshot())
}

func (s *Server) handleIgorifyCandidates(w http.ResponseWriter, r *http.Request) {
	candidates := s.registry.PromoteEligible()
	out := make([]map[string]any, 0, len(candidates))
	for _, t := range candidates {
		out = append(out, map[string]any{"id": t.ID, "name": t.Name})
	}
	writeJSON(w, http.StatusOK, out)
}

type createToolRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Code        json.RawMessage `json:"code"`
	InputSchema json.RawMessage `json:"inputSchema"`
	Author      string          `json:"author,omitempty"`
}

func (s *Server) handleCreateTool(w http.ResponseWriter, r *http.Request) {
	var req createToolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	tool, err := s.registry.Create(req.Name, req.Description, req.Code, req.InputSchema)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": tool.ID, "name": tool.Name, "status": tool.Status})
}

func (s *Server) handleInvokeTool(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var params map[string]any
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
	}
	result, err := s.registry.Invoke(r.Context(), id, params)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (s *Server) handleExportTool(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	artifact, err := s.registry.Promote(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

func (s *Server) handleDeleteTool(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.registry.Delete(id)
	w.WriteHeader(http.StatusNoContent)
}

func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := errs.Unexpected
	if e := errs.As(err); e != nil {
		kind = e.Kind
		switch kind {
		case errs.ToolNotFound:
			status = http.StatusNotFound
		case errs.ValidationFailed, errs.ToolCompileFailed:
			status = http.StatusBadRequest
		case errs.ToolTimeout:
			status = http.StatusGatewayTimeout
		}
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": string(kind)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
