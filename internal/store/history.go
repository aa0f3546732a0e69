package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nerrad567/labhub-core/internal/state"
	"github.com/nerrad567/labhub-core/internal/telemetry"
)

const (
	defaultHistoryLimit  = 50
	maxHistoryLimit      = 500
	defaultHistoryBuffer = 256
)

// HistoryEntry is one recorded change of a thing.
type HistoryEntry struct {
	ID        int64     `json:"id"`
	Hub       string    `json:"hub"`
	Thing     string    `json:"thing"`
	State     state.Sub `json:"state"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// Logger defines the logging interface for the store.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// StateHistory records hub state changes in the state_history table.
//
// It is a telemetry.Broadcaster: Emit queues actuate, undo, redo and
// load events without touching the database, and Run writes them. A
// full queue drops the event and counts it.
type StateHistory struct {
	db      *sql.DB
	logger  Logger
	queue   chan HistoryEntry
	dropped atomic.Int64
}

// NewStateHistory creates a history sink with room for buffer queued
// entries (a default when buffer <= 0).
func NewStateHistory(db *sql.DB, buffer int) *StateHistory {
	if buffer <= 0 {
		buffer = defaultHistoryBuffer
	}
	return &StateHistory{
		db:     db,
		logger: noopLogger{},
		queue:  make(chan HistoryEntry, buffer),
	}
}

// SetLogger sets the logger.
func (h *StateHistory) SetLogger(logger Logger) { h.logger = logger }

// Dropped returns how many entries were discarded on a full queue.
func (h *StateHistory) Dropped() int64 { return h.dropped.Load() }

// Emit queues the entries carried by ev.
func (h *StateHistory) Emit(_ context.Context, ev telemetry.Event) {
	for _, e := range entriesFor(ev) {
		select {
		case h.queue <- e:
		default:
			h.dropped.Add(1)
		}
	}
}

func entriesFor(ev telemetry.Event) []HistoryEntry {
	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}
	switch ev.Name {
	case telemetry.EventActuate:
		p, ok := ev.Payload.(telemetry.ActuatePayload)
		if !ok || p.Thing == "" {
			return nil
		}
		return []HistoryEntry{{Hub: ev.Hub, Thing: p.Thing, State: state.Sub(p.State).Copy(), Source: ev.Name, CreatedAt: at}}
	case telemetry.EventUndo, telemetry.EventRedo, telemetry.EventLoad:
		s, ok := ev.Payload.(state.State)
		if !ok {
			return nil
		}
		out := make([]HistoryEntry, 0, len(s))
		for _, thing := range s.Things() {
			out = append(out, HistoryEntry{Hub: ev.Hub, Thing: thing, State: s[thing].Copy(), Source: ev.Name, CreatedAt: at})
		}
		return out
	}
	return nil
}

// Run writes queued entries until ctx is done, then writes whatever is
// still queued and returns.
func (h *StateHistory) Run(ctx context.Context) error {
	for {
		select {
		case e := <-h.queue:
			h.write(ctx, e)
		case <-ctx.Done():
			flush := context.WithoutCancel(ctx)
			for {
				select {
				case e := <-h.queue:
					h.write(flush, e)
				default:
					return nil
				}
			}
		}
	}
}

func (h *StateHistory) write(ctx context.Context, e HistoryEntry) {
	if err := h.Record(ctx, e); err != nil {
		h.logger.Warn("recording state history", "hub", e.Hub, "thing", e.Thing, "error", err)
	}
}

// Record inserts one entry directly.
func (h *StateHistory) Record(ctx context.Context, e HistoryEntry) error {
	if e.Hub == "" || e.Thing == "" {
		return fmt.Errorf("store: history entry needs hub and thing")
	}
	if e.Source == "" {
		e.Source = telemetry.EventActuate
	}
	if e.State == nil {
		e.State = state.Sub{}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	doc, err := json.Marshal(e.State)
	if err != nil {
		return fmt.Errorf("marshalling state: %w", err)
	}
	_, err = h.db.ExecContext(ctx,
		"INSERT INTO state_history (hub, thing, state, source, created_at) VALUES (?, ?, ?, ?, ?)",
		e.Hub, e.Thing, string(doc), e.Source, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting state history: %w", err)
	}
	return nil
}

// History returns the latest entries for one thing, newest first. An
// empty thing returns entries for every thing of hub.
func (h *StateHistory) History(ctx context.Context, hub, thing string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)

	query := `SELECT id, hub, thing, state, source, created_at FROM state_history WHERE hub = ?`
	args := []any{hub}
	if thing != "" {
		query += " AND thing = ?"
		args = append(args, thing)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying state history: %w", err)
	}
	defer rows.Close()

	out := make([]HistoryEntry, 0, limit)
	for rows.Next() {
		var e HistoryEntry
		var doc, at string
		if err := rows.Scan(&e.ID, &e.Hub, &e.Thing, &doc, &e.Source, &at); err != nil {
			return nil, fmt.Errorf("scanning state history: %w", err)
		}
		if err := json.Unmarshal([]byte(doc), &e.State); err != nil {
			return nil, fmt.Errorf("unmarshalling state: %w", err)
		}
		if e.CreatedAt, err = parseTimestamp(at); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating state history: %w", err)
	}
	return out, nil
}

// Prune deletes entries older than olderThan and returns how many went.
func (h *StateHistory) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("store: prune age must be positive")
	}
	res, err := h.db.ExecContext(ctx,
		"DELETE FROM state_history WHERE created_at < ?", formatTime(time.Now().Add(-olderThan)))
	if err != nil {
		return 0, fmt.Errorf("pruning state history: %w", err)
	}
	return res.RowsAffected()
}
