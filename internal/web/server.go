// Package web exposes the coordinator over HTTP: a small JSON API for
// workers that are not on the same host, plus a websocket event stream
// that mirrors the in-process bus.
package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/trunkline-dev/trunkline/internal/coordinator"
	"github.com/trunkline-dev/trunkline/internal/events"
	"github.com/trunkline-dev/trunkline/internal/queue"
)

// Server serves the coordinator API.
type Server struct {
	coord *coordinator.Coordinator
	bus   *events.Bus
}

// NewServer wires the API around a coordinator. bus may be nil to
// disable the event stream.
func NewServer(coord *coordinator.Coordinator, bus *events.Bus) *Server {
	return &Server{coord: coord, bus: bus}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/queue", s.handleQueue)
	mux.HandleFunc("GET /api/anomalies", s.handleAnomalies)
	mux.HandleFunc("POST /api/requests", s.handleSubmit)
	mux.HandleFunc("GET /api/requests/{id}", s.handleGet)
	mux.HandleFunc("POST /api/requests/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, queue.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, queue.ErrDuplicateRequest):
		status = http.StatusConflict
	case errors.Is(err, queue.ErrNotRequester):
		status = http.StatusForbidden
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.coord.List(r.URL.Query().Get("state"))
	if err != nil {
		writeError(w, err)
		return
	}
	if reqs == nil {
		reqs = []*queue.Request{}
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.coord.Anomalies()
	if err != nil {
		writeError(w, err)
		return
	}
	if reqs == nil {
		reqs = []*queue.Request{}
	}
	writeJSON(w, http.StatusOK, reqs)
}

type submitBody struct {
	SourceBranch string `json:"source_branch"`
	TargetBranch string `json:"target_branch"`
	RequesterID  string `json:"requester_id"`
	Strategy     string `json:"strategy"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return
	}
	req, err := s.coord.Submit(r.Context(), body.SourceBranch, body.TargetBranch, body.RequesterID, body.Strategy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	req, err := s.coord.Status(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type cancelBody struct {
	RequesterID string `json:"requester_id"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body cancelBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return
	}
	changed, err := s.coord.Cancel(r.PathValue("id"), body.RequesterID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"canceled": changed})
}
