package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/labhub-core/internal/audit"
)

// auditTimeout bounds one audit write. Writes outlive the request.
const auditTimeout = 2 * time.Second

// record writes an audit entry for the caller of r. A nil err is an ok
// outcome; otherwise the error is kept in the details. Failures to write
// are logged and never reach the client.
func (s *Server) record(r *http.Request, action, target string, details map[string]any, err error) {
	if s.audit == nil {
		return
	}
	e := &audit.Entry{
		Hub:     s.hub.Name(),
		Action:  action,
		Target:  target,
		Details: details,
		Outcome: audit.OutcomeOK,
	}
	if claims := claimsFromContext(r.Context()); claims != nil {
		e.Subject = claims.Subject
	}
	if err != nil {
		e.Outcome = audit.OutcomeFailed
		if e.Details == nil {
			e.Details = map[string]any{}
		}
		e.Details["error"] = err.Error()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), auditTimeout)
	defer cancel()
	if werr := s.audit.Create(ctx, e); werr != nil {
		s.logger.Warn("audit write failed", "action", action, "error", werr)
	}
}

// handleListAudit returns a page of the audit trail of this hub.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeUnavailable(w, "audit trail unavailable")
		return
	}
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"), audit.DefaultLimit, audit.MaxLimit)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	offset := 0
	if raw := q.Get("offset"); raw != "" {
		if offset, err = strconv.Atoi(raw); err != nil || offset < 0 {
			writeBadRequest(w, "offset must be a non-negative integer")
			return
		}
	}

	res, err := s.audit.List(r.Context(), audit.Filter{
		Hub:     s.hub.Name(),
		Action:  q.Get("action"),
		Target:  q.Get("target"),
		Subject: q.Get("subject"),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		s.logger.Error("loading audit trail failed", "error", err)
		writeInternalError(w, "failed to load audit trail")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
