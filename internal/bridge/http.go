package bridge

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server is the Bridge's HTTP surface: the websocket upgrade endpoint plus
// health, screenshot upload, and event-log inspection routes.
type Server struct {
	router         *Router
	screenshotsDir string
	mux            *chi.Mux
}

// NewServer wires an http.Handler around rt. screenshotsDir is created on
// first screenshot upload if it does not already exist.
func NewServer(rt *Router, screenshotsDir string) *Server {
	s := &Server{router: rt, screenshotsDir: screenshotsDir}
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Get("/bus", rt.ServeBus)
	mux.Get("/health", s.handleHealth)
	mux.Get("/events", s.handleEvents)
	mux.Post("/screenshots", s.handleScreenshotUpload)
	s.mux = mux
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type healthResponse struct {
	Status     string             `json:"status"`
	Components []componentHealth  `json:"components"`
}

type componentHealth struct {
	ID            string    `json:"id"`
	Version       string    `json:"version"`
	Route         string    `json:"route,omitempty"`
	RegisteredAt  time.Time `json:"registeredAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	Live          bool      `json:"live"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	threshold := s.router.HeartbeatInterval * time.Duration(s.router.LivenessWindow)
	cutoff := time.Now().Add(-threshold)
	snapshot := s.router.Table.Snapshot()
	resp := healthResponse{Status: "ok", Components: make([]componentHealth, 0, len(snapshot))}
	for _, c := range snapshot {
		resp.Components = append(resp.Components, componentHealth{
			ID:            c.ID,
			Version:       c.Version,
			Route:         c.Route,
			RegisteredAt:  c.RegisteredAt,
			LastHeartbeat: c.LastHeartbeat,
			Live:          c.LastHeartbeat.After(cutoff),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	n := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		if v, err := strconv.Atoi(q); err == nil && v > 0 {
			n = v
		}
	}
	writeJSON(w, http.StatusOK, s.router.Events.Recent(n))
}

// screenshotUpload is the POST /screenshots request body: a base64-encoded
// image plus the plan/step/message it belongs to.
type screenshotUpload struct {
	Base64        string `json:"base64"`
	PlanID        string `json:"planId,omitempty"`
	StepIndex     *int   `json:"stepIndex,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// handleScreenshotUpload decodes a base64 image blob and writes it under the
// Bridge's screenshots directory, named after the message id it belongs to
// so a later /events lookup can correlate them.
func (s *Server) handleScreenshotUpload(w http.ResponseWriter, r *http.Request) {
	var body screenshotUpload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, fmt.Sprintf("decode body: %v", err), http.StatusBadRequest)
		return
	}
	if body.Base64 == "" {
		http.Error(w, "base64 is required", http.StatusBadRequest)
		return
	}
	data, err := base64.StdEncoding.DecodeString(body.Base64)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid base64: %v", err), http.StatusBadRequest)
		return
	}
	name := body.CorrelationID
	if name == "" {
		name = fmt.Sprintf("%d", time.Now().UnixNano())
	}
	name += ".png"
	if err := os.MkdirAll(s.screenshotsDir, 0o755); err != nil {
		http.Error(w, fmt.Sprintf("create screenshots dir: %v", err), http.StatusInternalServerError)
		return
	}
	if err := os.WriteFile(filepath.Join(s.screenshotsDir, name), data, 0o644); err != nil {
		http.Error(w, fmt.Sprintf("write file: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": name})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
