// Package api serves crawl run progress over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"drrcrawler/internal/runstate"
	"drrcrawler/pkg/types"
)

// RunView groups the seed snapshots of one run.
type RunView struct {
	RunID   string              `json:"run_id"`
	State   types.CrawlState    `json:"state"`
	Active  bool                `json:"active"`
	Records int64               `json:"records"`
	Seeds   []runstate.Snapshot `json:"seeds"`
}

// Server exposes run snapshots and, when a manager is set, run control.
type Server struct {
	store   runstate.Store
	manager *RunManager
	logger  *slog.Logger
	mux     *http.ServeMux
}

// NewServer wires handlers onto an HTTP mux. manager may be nil for a read-only server.
func NewServer(store runstate.Store, manager *RunManager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:   store,
		manager: manager,
		logger:  logger,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP satisfies the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/runs", s.handleRuns)
	s.mux.HandleFunc("/api/runs/", s.handleRunByID)
	s.mux.HandleFunc("/openapi.yaml", s.handleOpenAPI)
	s.mux.HandleFunc("/docs", s.handleDocs)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listRuns(w, r)
	case http.MethodPost:
		s.startRun(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) handleRunByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/runs/"), "/")
	if trimmed == "" {
		http.NotFound(w, r)
		return
	}
	parts := strings.Split(trimmed, "/")
	runID, err := url.PathUnescape(parts[0])
	if err != nil {
		http.Error(w, "invalid run id", http.StatusBadRequest)
		return
	}
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		s.getRun(w, r, runID)
		return
	}
	if len(parts) == 2 && parts[1] == "cancel" {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		s.cancelRun(w, r, runID)
		return
	}
	http.NotFound(w, r)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.store.List(r.Context())
	if err != nil {
		s.logger.Error("list runs failed", "error", err)
		http.Error(w, "run state unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.groupRuns(snaps))
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request, id string) {
	snaps, ok, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.logger.Error("get run failed", "run_id", id, "error", err)
		http.Error(w, "run state unavailable", http.StatusServiceUnavailable)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, s.groupRuns(snaps)[0])
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	if s.manager == nil {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	var req StartRunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid json payload: %v", err), http.StatusBadRequest)
			return
		}
	}
	id, err := s.manager.Start(req)
	if err != nil {
		if errors.Is(err, ErrRunActive) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id})
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request, id string) {
	if s.manager == nil {
		http.NotFound(w, r)
		return
	}
	if err := s.manager.Cancel(id); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// groupRuns folds snapshots into runs, keeping the order of their first seed.
func (s *Server) groupRuns(snaps []runstate.Snapshot) []RunView {
	activeID := ""
	if s.manager != nil {
		activeID, _ = s.manager.Active()
	}
	index := make(map[string]int)
	views := make([]RunView, 0)
	for _, snap := range snaps {
		i, ok := index[snap.RunID]
		if !ok {
			i = len(views)
			index[snap.RunID] = i
			views = append(views, RunView{RunID: snap.RunID, Active: snap.RunID == activeID})
		}
		views[i].Seeds = append(views[i].Seeds, snap)
		views[i].Records += snap.Records
	}
	for i := range views {
		views[i].State = runState(views[i].Seeds)
	}
	return views
}

// runState is DONE when every seed is done, PENDING when none has started,
// and otherwise the state of the first seed still in progress.
func runState(seeds []runstate.Snapshot) types.CrawlState {
	allPending := true
	for _, s := range seeds {
		if s.State != types.StatePending {
			allPending = false
		}
		if s.State == types.StateActive || s.State == types.StateDrained {
			return s.State
		}
	}
	if allPending {
		return types.StatePending
	}
	if seeds[len(seeds)-1].State == types.StatePending {
		return types.StateActive
	}
	return types.StateDone
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
