package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/labhub-core/internal/audit"
	"github.com/nerrad567/labhub-core/internal/hub"
	"github.com/nerrad567/labhub-core/internal/state"
)

var errInvalidLimit = errors.New("limit must be a positive integer")

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// knobView describes one knob in GET /things.
type knobView struct {
	Name        string       `json:"name"`
	DisplayName string       `json:"display_name"`
	Value       any          `json:"value"`
	Bounds      state.Bounds `json:"bounds"`
	History     int          `json:"history"`
}

// thingView describes one thing in GET /things.
type thingView struct {
	Name      string     `json:"name"`
	Connected bool       `json:"connected"`
	History   int        `json:"history"`
	Knobs     []knobView `json:"knobs"`
}

// handleGetState returns the live hub state.
func (s *Server) handleGetState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.State())
}

// handleActuate drives the hub to the state in the body. With
// ?atomic=true a failing actuation is rolled back.
func (s *Server) handleActuate(w http.ResponseWriter, r *http.Request) {
	var st state.State
	if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if st.Empty() {
		writeBadRequest(w, "state must name at least one knob")
		return
	}

	var err error
	if atomic, _ := strconv.ParseBool(r.URL.Query().Get("atomic")); atomic { //nolint:errcheck // absent or malformed means false
		err = s.hub.ActuateAtomic(r.Context(), st)
	} else {
		err = s.hub.Actuate(r.Context(), st)
	}
	s.record(r, audit.ActionActuate, strings.Join(st.Things(), ","), map[string]any{"state": st}, err)
	if err != nil {
		s.logger.Warn("actuation failed", "hub", s.hub.Name(), "error", err)
		writeHubError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.hub.State())
}

// handleGetRange returns the knob bounds.
func (s *Server) handleGetRange(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Range())
}

// handleSetRange replaces the bounds of one knob. An empty body object
// removes them.
func (s *Server) handleSetRange(w http.ResponseWriter, r *http.Request) {
	var b state.Bounds
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	thing, knob := chi.URLParam(r, "thing"), chi.URLParam(r, "knob")
	err := s.hub.SetRange(thing, knob, b)
	s.record(r, audit.ActionRange, thing+"."+knob, map[string]any{"bounds": b}, err)
	if err != nil {
		writeHubError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.hub.Range())
}

// handleListThings describes every thing and knob of the hub.
func (s *Server) handleListThings(w http.ResponseWriter, _ *http.Request) {
	things := s.hub.Things()
	out := make([]thingView, 0, len(things))
	for _, t := range things {
		tv := thingView{Name: t.Name(), Connected: t.Connected(), History: t.HistoryLen()}
		for _, k := range t.Knobs() {
			tv.Knobs = append(tv.Knobs, knobView{
				Name:        k.Name(),
				DisplayName: k.DisplayName(),
				Value:       k.Value(),
				Bounds:      k.Bounds(),
				History:     k.HistoryLen(),
			})
		}
		out = append(out, tv)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleUndo steps the hub history back.
func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	err := s.hub.Undo(r.Context())
	s.record(r, audit.ActionUndo, "", nil, err)
	if err != nil {
		writeHubError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.hub.State())
}

// handleRedo steps the hub history forward.
func (s *Server) handleRedo(w http.ResponseWriter, r *http.Request) {
	err := s.hub.Redo(r.Context())
	s.record(r, audit.ActionRedo, "", nil, err)
	if err != nil {
		writeHubError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.hub.State())
}

// handleThingUndo steps one thing's history back.
func (s *Server) handleThingUndo(w http.ResponseWriter, r *http.Request) {
	s.stepThing(w, r, audit.ActionUndo, (*hub.Thing).Undo)
}

// handleThingRedo steps one thing's history forward.
func (s *Server) handleThingRedo(w http.ResponseWriter, r *http.Request) {
	s.stepThing(w, r, audit.ActionRedo, (*hub.Thing).Redo)
}

func (s *Server) stepThing(w http.ResponseWriter, r *http.Request, action string, step func(*hub.Thing, context.Context) error) {
	name := chi.URLParam(r, "thing")
	t, ok := s.hub.Thing(name)
	if !ok {
		writeNotFound(w, "thing not found: "+name)
		return
	}
	err := step(t, r.Context())
	s.record(r, action, name, nil, err)
	if err != nil {
		writeHubError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t.State())
}

// handleGetHistory returns the in-memory hub history, oldest first.
func (s *Server) handleGetHistory(w http.ResponseWriter, _ *http.Request) {
	entries := s.hub.History()
	writeJSON(w, http.StatusOK, map[string]any{
		"history": entries,
		"count":   len(entries),
	})
}

// handleGetThingHistory returns the persisted state history of a thing,
// newest first.
func (s *Server) handleGetThingHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeUnavailable(w, "state history unavailable")
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"), defaultHistoryLimit, maxHistoryLimit)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	thing := chi.URLParam(r, "thing")
	entries, err := s.history.History(r.Context(), s.hub.Name(), thing, limit)
	if err != nil {
		s.logger.Error("loading state history failed", "thing", thing, "error", err)
		writeInternalError(w, "failed to load state history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"thing":   thing,
		"history": entries,
		"count":   len(entries),
	})
}

// handleListTasks lists the hub's background tasks.
func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Runner().Tasks())
}

// parseLimit parses a positive limit, applying def when empty and
// capping at upper.
func parseLimit(raw string, def, upper int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errInvalidLimit
	}
	return min(n, upper), nil
}
