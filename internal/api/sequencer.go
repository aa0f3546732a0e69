package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/labhub-core/internal/audit"
	"github.com/nerrad567/labhub-core/internal/sequencer"
)

type cycleTimeRequest struct {
	Seconds float64 `json:"seconds"`
}

// handleSequencerStatus returns the phase, cycle time and timeline.
func (s *Server) handleSequencerStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Sequencer().Status())
}

// handleListWaveforms returns every declared waveform by thing and knob.
func (s *Server) handleListWaveforms(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Sequencer().Waveforms())
}

// handleSetWaveform replaces the waveform of one knob. An empty point
// list removes it.
func (s *Server) handleSetWaveform(w http.ResponseWriter, r *http.Request) {
	var points []sequencer.Point
	if err := json.NewDecoder(r.Body).Decode(&points); err != nil {
		writeBadRequest(w, "body must be a JSON array of points")
		return
	}
	thing, knob := chi.URLParam(r, "thing"), chi.URLParam(r, "knob")
	err := s.hub.SetWaveform(r.Context(), thing, knob, points)
	s.record(r, audit.ActionWaveform, thing+"."+knob, map[string]any{"points": points}, err)
	if err != nil {
		writeHubError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.hub.Sequencer().Status())
}

// handleSetCycleTime changes the cycle length.
func (s *Server) handleSetCycleTime(w http.ResponseWriter, r *http.Request) {
	var req cycleTimeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Seconds <= 0 {
		writeBadRequest(w, `body must be {"seconds": <positive number>}`)
		return
	}
	d := time.Duration(req.Seconds * float64(time.Second))
	err := s.hub.Sequencer().SetCycleTime(r.Context(), d)
	s.record(r, audit.ActionSequence, "cycle-time", map[string]any{"seconds": req.Seconds}, err)
	if err != nil {
		writeHubError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.hub.Sequencer().Status())
}

// handlePrepare builds the timeline and returns its steps.
func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	steps, err := s.hub.Sequencer().Prepare(r.Context())
	s.record(r, audit.ActionSequence, "prepare", nil, err)
	if err != nil {
		writeHubError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"steps": steps})
}

// handleStart plays the prepared timeline in a loop.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	err := s.hub.Sequencer().Start(r.Context())
	s.record(r, audit.ActionSequence, "start", nil, err)
	if err != nil {
		writeHubError(w, err)
		return
	}
	s.logger.Info("sequencer started", "hub", s.hub.Name())
	writeJSON(w, http.StatusAccepted, s.hub.Sequencer().Status())
}

// handleRunOnce plays a single cycle and answers when it ends.
func (s *Server) handleRunOnce(w http.ResponseWriter, r *http.Request) {
	err := s.hub.Sequencer().RunOnce(r.Context())
	s.record(r, audit.ActionSequence, "run-once", nil, err)
	if err != nil {
		writeHubError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.hub.Sequencer().Status())
}

// handleStop halts playback.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	err := s.hub.Sequencer().Stop(r.Context())
	s.record(r, audit.ActionSequence, "stop", nil, err)
	if err != nil {
		writeHubError(w, err)
		return
	}
	s.logger.Info("sequencer stopped", "hub", s.hub.Name())
	writeJSON(w, http.StatusOK, s.hub.Sequencer().Status())
}
