package api

import (
	"net/http"

	"github.com/nerrad567/labhub-core/internal/audit"
)

// handleGetSnapshot returns the live snapshot without storing it.
func (s *Server) handleGetSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Snapshot())
}

// handleSave writes the snapshot to the configured store.
func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	err := s.hub.Save(r.Context())
	s.record(r, audit.ActionSave, "", nil, err)
	if err != nil {
		writeHubError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.hub.Snapshot())
}

// handleLoad restores the stored snapshot.
func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	err := s.hub.Load(r.Context())
	s.record(r, audit.ActionLoad, "", nil, err)
	if err != nil {
		writeHubError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.hub.State())
}
