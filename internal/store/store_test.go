package store

import (
	"context"
	"errors"
	"testing"

	"github.com/nerrad567/labhub-core/internal/infrastructure/database"
	"github.com/nerrad567/labhub-core/internal/state"
	"github.com/nerrad567/labhub-core/migrations"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(database.Config{Path: database.MemoryPath})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return db
}

func ptr(v float64) *float64 { return &v }

func testSnapshot() state.Snapshot {
	return state.Snapshot{
		"laser": {
			"power":   {State: 2.5, Min: ptr(0), Max: ptr(5), DisplayName: "Power (W)"},
			"shutter": {State: true},
		},
		"stage": {
			"x":    {State: -1.25, Min: ptr(-10), Max: ptr(10)},
			"mode": {State: "scan"},
		},
	}
}

func checkSnapshot(t *testing.T, got state.Snapshot) {
	t.Helper()
	want := testSnapshot()
	if len(got) != len(want) {
		t.Fatalf("snapshot has %d things, want %d", len(got), len(want))
	}
	for thing, knobs := range want {
		for knob, w := range knobs {
			g, ok := got[thing][knob]
			if !ok {
				t.Errorf("%s.%s missing", thing, knob)
				continue
			}
			if !state.Equal(g.State, w.State) {
				t.Errorf("%s.%s state = %#v, want %#v", thing, knob, g.State, w.State)
			}
			if g.DisplayName != w.DisplayName {
				t.Errorf("%s.%s display name = %q, want %q", thing, knob, g.DisplayName, w.DisplayName)
			}
			if (g.Min == nil) != (w.Min == nil) || (g.Min != nil && *g.Min != *w.Min) {
				t.Errorf("%s.%s min = %v, want %v", thing, knob, g.Min, w.Min)
			}
			if (g.Max == nil) != (w.Max == nil) || (g.Max != nil && *g.Max != *w.Max) {
				t.Errorf("%s.%s max = %v, want %v", thing, knob, g.Max, w.Max)
			}
		}
	}
}

// exerciseStore runs the contract every snapshot backend must meet.
func exerciseStore(t *testing.T, s SnapshotStore) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.LoadSnapshot(ctx, "bench"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LoadSnapshot() before save error = %v, want %v", err, ErrNotFound)
	}

	if err := s.SaveSnapshot(ctx, "bench", testSnapshot()); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}
	got, err := s.LoadSnapshot(ctx, "bench")
	if err != nil {
		t.Fatalf("LoadSnapshot() error = %v", err)
	}
	checkSnapshot(t, got)

	// Save replaces rather than merges.
	if err := s.SaveSnapshot(ctx, "bench", state.Snapshot{"laser": {"power": {State: 1.0}}}); err != nil {
		t.Fatalf("second SaveSnapshot() error = %v", err)
	}
	got, err = s.LoadSnapshot(ctx, "bench")
	if err != nil {
		t.Fatalf("LoadSnapshot() error = %v", err)
	}
	if len(got) != 1 || len(got["laser"]) != 1 || got["laser"]["power"].State != 1.0 {
		t.Errorf("LoadSnapshot() after overwrite = %+v", got)
	}

	if _, err := s.LoadSnapshot(ctx, "other"); !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadSnapshot(other) error = %v, want %v", err, ErrNotFound)
	}
	if err := s.SaveSnapshot(ctx, "", testSnapshot()); !errors.Is(err, ErrInvalidHub) {
		t.Errorf("SaveSnapshot(\"\") error = %v, want %v", err, ErrInvalidHub)
	}
}

func TestSQLiteStore(t *testing.T) {
	db := openTestDB(t)
	s := NewSQLiteStore(db.DB)
	exerciseStore(t, s)

	at, err := s.SavedAt(context.Background(), "bench")
	if err != nil {
		t.Fatalf("SavedAt() error = %v", err)
	}
	if at.IsZero() {
		t.Error("SavedAt() is zero")
	}
}

func TestFileStore(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	exerciseStore(t, s)

	if err := s.SaveSnapshot(context.Background(), "../escape", testSnapshot()); !errors.Is(err, ErrInvalidHub) {
		t.Errorf("SaveSnapshot(../escape) error = %v, want %v", err, ErrInvalidHub)
	}
}

func TestOpen(t *testing.T) {
	db := openTestDB(t)
	sqlite := NewSQLiteStore(db.DB)

	tests := []struct {
		name    string
		backend string
		b       Backends
		wantErr bool
	}{
		{name: "default is sqlite", backend: "", b: Backends{SQLite: sqlite}},
		{name: "sqlite", backend: BackendSQLite, b: Backends{SQLite: sqlite}},
		{name: "sqlite without db", backend: BackendSQLite, wantErr: true},
		{name: "redis without client", backend: BackendRedis, wantErr: true},
		{name: "file", backend: BackendFile, b: Backends{Dir: t.TempDir()}},
		{name: "file without dir", backend: BackendFile, wantErr: true},
		{name: "unknown", backend: "etcd", b: Backends{SQLite: sqlite}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Open(tt.backend, tt.b)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Open() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && s == nil {
				t.Error("Open() returned nil store")
			}
		})
	}
}
