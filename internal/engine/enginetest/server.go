// Package enginetest provides an in-process fake of the execution engine.
package enginetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/gorilla/mux"

	"github.com/global-data-controller/wesflow/internal/engine"
)

// Server is a scriptable WES-style engine backed by httptest
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	runs      map[string]engine.RemoteState
	submitted []engine.RunRequest
	requests  []string
	nextID    int

	// NextRunID, when set, is returned by the next submit
	NextRunID string
	// CancelRunID, when set, is echoed by cancel instead of the path id
	CancelRunID string
	// SubmitStatus, StatusStatus and CancelStatus force an HTTP status code
	SubmitStatus int
	StatusStatus int
	CancelStatus int
	// RawSubmitBody replaces the submit response body when non-empty
	RawSubmitBody string
	// RawStatusBody replaces the status response body when non-empty
	RawStatusBody string
}

// NewServer starts a fake engine
func NewServer() *Server {
	s := &Server{runs: make(map[string]engine.RemoteState)}

	r := mux.NewRouter()
	r.Use(s.record)
	r.HandleFunc("/runs", s.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/runs/{run_id}/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/runs/{run_id}/cancel", s.handleCancel).Methods(http.MethodPost)
	r.NotFoundHandler = s.record(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"msg": "not found", "status_code": http.StatusNotFound})
	}))
	r.SkipClean(true)

	s.Server = httptest.NewServer(r)
	return s
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, req.Method+" "+req.URL.Path)
		s.mu.Unlock()
		next.ServeHTTP(w, req)
	})
}

// SetState sets the remote state reported for a run
func (s *Server) SetState(runID string, state engine.RemoteState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[runID] = state
}

// State returns the remote state of a run
func (s *Server) State(runID string) engine.RemoteState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[runID]
}

// Submitted returns every accepted submit body
func (s *Server) Submitted() []engine.RunRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]engine.RunRequest(nil), s.submitted...)
}

// Requests returns "METHOD /path" for every request received
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func (s *Server) handleSubmit(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.SubmitStatus != 0 {
		writeJSON(w, s.SubmitStatus, map[string]any{"msg": "submit rejected", "status_code": s.SubmitStatus})
		return
	}
	if s.RawSubmitBody != "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(s.RawSubmitBody))
		return
	}

	var body engine.RunRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"msg": err.Error(), "status_code": http.StatusBadRequest})
		return
	}
	s.submitted = append(s.submitted, body)

	runID := s.NextRunID
	s.NextRunID = ""
	if runID == "" {
		s.nextID++
		runID = fmt.Sprintf("run-%d", s.nextID)
	}
	s.runs[runID] = engine.RemoteQueued
	writeJSON(w, http.StatusOK, engine.RunID{RunID: runID})
}

func (s *Server) handleStatus(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.StatusStatus != 0 {
		writeJSON(w, s.StatusStatus, map[string]any{"msg": "status unavailable", "status_code": s.StatusStatus})
		return
	}
	if s.RawStatusBody != "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(s.RawStatusBody))
		return
	}

	runID := mux.Vars(req)["run_id"]
	state, ok := s.runs[runID]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"msg": "run not found", "status_code": http.StatusNotFound})
		return
	}
	writeJSON(w, http.StatusOK, engine.RunStatus{RunID: runID, State: state})
}

func (s *Server) handleCancel(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.CancelStatus != 0 {
		writeJSON(w, s.CancelStatus, map[string]any{"msg": "cancel rejected", "status_code": s.CancelStatus})
		return
	}

	runID := mux.Vars(req)["run_id"]
	if _, ok := s.runs[runID]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"msg": "run not found", "status_code": http.StatusNotFound})
		return
	}
	s.runs[runID] = engine.RemoteCanceling

	echo := runID
	if s.CancelRunID != "" {
		echo = s.CancelRunID
	}
	writeJSON(w, http.StatusOK, engine.RunID{RunID: echo})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
