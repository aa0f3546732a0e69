package api

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/labhub-core/internal/audit"
	"github.com/nerrad567/labhub-core/internal/hub"
	"github.com/nerrad567/labhub-core/internal/sampler"
	"github.com/nerrad567/labhub-core/internal/state"
)

const (
	defaultRunsLimit = 50
	maxRunsLimit     = 500
)

// optimizeRequest is the body of POST /optimize.
type optimizeRequest struct {
	State      state.State    `json:"state"`
	Experiment string         `json:"experiment"`
	Algorithm  string         `json:"algorithm,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
	Threaded   bool           `json:"threaded"`
}

// handleListExperiments returns the experiment names and algorithms.
func (s *Server) handleListExperiments(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"experiments": s.hub.Experiments(),
		"algorithms":  s.hub.Algorithms().Names(),
	})
}

// handleOptimize starts an optimization session.
//
// A threaded session answers 202 at once. Otherwise the request waits
// for the session; a session that ran but failed still answers 200 with
// the failure in the info's error field.
func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var req optimizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Experiment == "" || req.State.Empty() {
		writeBadRequest(w, "experiment and state are required")
		return
	}

	smp, err := s.hub.Optimize(r.Context(), req.State, req.Experiment, hub.OptimizeOptions{
		Threaded:  req.Threaded,
		Algorithm: req.Algorithm,
		Params:    req.Params,
	})
	details := map[string]any{"state": req.State, "threaded": req.Threaded}
	if smp != nil {
		details["sampler"] = smp.ID()
	}
	s.record(r, audit.ActionOptimize, req.Experiment, details, err)
	if smp == nil {
		writeHubError(w, err)
		return
	}
	if err != nil {
		s.logger.Warn("optimization failed", "sampler", smp.ID(), "error", err)
	}

	status := http.StatusOK
	if req.Threaded {
		status = http.StatusAccepted
	}
	writeJSON(w, status, smp.Info())
}

// handleListSamplers returns the live and recently finished sessions,
// newest first.
func (s *Server) handleListSamplers(w http.ResponseWriter, _ *http.Request) {
	samplers := s.hub.Samplers()
	out := make([]sampler.Info, len(samplers))
	for i, smp := range samplers {
		out[i] = smp.Info()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.After(out[j].Started) })
	writeJSON(w, http.StatusOK, out)
}

// handleGetSampler returns one session, falling back to the run store
// for sessions the hub no longer holds.
func (s *Server) handleGetSampler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if smp, ok := s.hub.Sampler(id); ok {
		writeJSON(w, http.StatusOK, smp.Info())
		return
	}
	if s.runs == nil {
		writeNotFound(w, "sampler not found: "+id)
		return
	}
	info, err := s.runs.Run(r.Context(), id)
	if err != nil {
		writeHubError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleGetSamplerPoints returns the evaluated points of a session.
func (s *Server) handleGetSamplerPoints(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if smp, ok := s.hub.Sampler(id); ok {
		writeJSON(w, http.StatusOK, smp.History())
		return
	}
	if s.runs == nil {
		writeNotFound(w, "sampler not found: "+id)
		return
	}
	points, err := s.runs.Points(r.Context(), id)
	if err != nil {
		writeHubError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

// handleTerminateSampler stops a session and forgets it.
func (s *Server) handleTerminateSampler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.hub.Terminate(id)
	s.record(r, audit.ActionTerminate, id, nil, err)
	if err != nil {
		writeHubError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListRuns returns persisted sessions of this hub, newest first.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeUnavailable(w, "sampler run store unavailable")
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"), defaultRunsLimit, maxRunsLimit)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	runs, err := s.runs.Runs(r.Context(), s.hub.Name(), limit)
	if err != nil {
		s.logger.Error("loading sampler runs failed", "error", err)
		writeInternalError(w, "failed to load sampler runs")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}
