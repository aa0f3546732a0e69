package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/labhub-core/internal/audit"
	"github.com/nerrad567/labhub-core/internal/watchdog"
)

// Limits of GET /lock?block=true.
const (
	defaultLockTimeout = 10 * time.Second
	maxLockTimeout     = time.Minute
)

type enableRequest struct {
	Enabled *bool `json:"enabled"`
}

// handleListWatchdogs returns the status of every watchdog.
func (s *Server) handleListWatchdogs(w http.ResponseWriter, _ *http.Request) {
	dogs := s.hub.Watchdogs()
	out := make([]watchdog.Status, len(dogs))
	for i, d := range dogs {
		out[i] = d.Status()
	}
	writeJSON(w, http.StatusOK, out)
}

// handleEnableWatchdog switches one watchdog on or off.
func (s *Server) handleEnableWatchdog(w http.ResponseWriter, r *http.Request) {
	on, ok := decodeEnable(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")
	d, found := s.hub.Watchdog(name)
	if !found {
		writeNotFound(w, "watchdog not found: "+name)
		return
	}
	d.Enable(on)
	s.record(r, audit.ActionWatchdog, name, map[string]any{"enabled": on}, nil)
	s.logger.Info("watchdog switched", "watchdog", name, "enabled", on)
	writeJSON(w, http.StatusOK, d.Status())
}

// handleEnableWatchdogs switches every watchdog on or off.
func (s *Server) handleEnableWatchdogs(w http.ResponseWriter, r *http.Request) {
	on, ok := decodeEnable(w, r)
	if !ok {
		return
	}
	s.hub.EnableWatchdogs(on)
	s.record(r, audit.ActionWatchdog, "*", map[string]any{"enabled": on}, nil)
	s.handleListWatchdogs(w, r)
}

func decodeEnable(w http.ResponseWriter, r *http.Request) (bool, bool) {
	var req enableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeBadRequest(w, `body must be {"enabled": true|false}`)
		return false, false
	}
	return *req.Enabled, true
}

// handleCheckLock reports whether every enabled watchdog is locked.
// With ?block=true it waits for the lock up to ?timeout (a Go duration,
// default 10s, at most 1m) and reports timed_out if it never came.
func (s *Server) handleCheckLock(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	block, _ := strconv.ParseBool(q.Get("block")) //nolint:errcheck // absent or malformed means false

	timeout := defaultLockTimeout
	if raw := q.Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeBadRequest(w, "timeout must be a positive duration such as 5s")
			return
		}
		timeout = min(d, maxLockTimeout)
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	locked, err := s.hub.CheckLock(ctx, block)
	timedOut := errors.Is(err, context.DeadlineExceeded)
	if err != nil && !timedOut {
		writeHubError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"locked":    locked,
		"timed_out": timedOut,
	})
}
