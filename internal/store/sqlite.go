package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/labhub-core/internal/state"
)

// SQLiteStore keeps one snapshot per hub in the hub_snapshots table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a snapshot store on a migrated database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// SaveSnapshot replaces the stored snapshot of hub.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, hub string, snap state.Snapshot) error {
	if err := checkHub(hub); err != nil {
		return err
	}
	doc, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshalling snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO hub_snapshots (hub, document, saved_at) VALUES (?, ?, ?)
		 ON CONFLICT(hub) DO UPDATE SET document = excluded.document, saved_at = excluded.saved_at`,
		hub, string(doc), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the stored snapshot of hub.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, hub string) (state.Snapshot, error) {
	if err := checkHub(hub); err != nil {
		return nil, err
	}

	var doc string
	err := s.db.QueryRowContext(ctx, "SELECT document FROM hub_snapshots WHERE hub = ?", hub).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hub)
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}

	var snap state.Snapshot
	if err := json.Unmarshal([]byte(doc), &snap); err != nil {
		return nil, fmt.Errorf("unmarshalling snapshot: %w", err)
	}
	return snap, nil
}

// SavedAt returns when hub was last saved.
func (s *SQLiteStore) SavedAt(ctx context.Context, hub string) (time.Time, error) {
	var at string
	err := s.db.QueryRowContext(ctx, "SELECT saved_at FROM hub_snapshots WHERE hub = ?", hub).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("%w: %s", ErrNotFound, hub)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("querying snapshot time: %w", err)
	}
	return parseTimestamp(at)
}

// parseTimestamp accepts what this package writes and what SQLite's
// strftime defaults produce.
func parseTimestamp(v string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000Z", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("parsing timestamp %q", v)
}
