package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/labhub-core/internal/state"
)

// Domain errors for the store package.
var (
	// ErrNotFound is returned when no snapshot is stored for a hub.
	ErrNotFound = errors.New("store: snapshot not found")

	// ErrInvalidHub is returned for an empty hub name.
	ErrInvalidHub = errors.New("store: hub name is required")

	// ErrUnknownBackend is returned by Open for an unrecognised backend.
	ErrUnknownBackend = errors.New("store: unknown backend")
)

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendFile   = "file"
)

// SnapshotStore saves and loads hub snapshots.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, hub string, snap state.Snapshot) error
	LoadSnapshot(ctx context.Context, hub string) (state.Snapshot, error)
}

// Backends supplies the connections Open may choose from. Only the one
// named by the backend needs to be set.
type Backends struct {
	SQLite *SQLiteStore
	Redis  *RedisStore
	Dir    string
}

// Open selects a snapshot store by backend name.
func Open(backend string, b Backends) (SnapshotStore, error) {
	switch backend {
	case BackendSQLite, "":
		if b.SQLite == nil {
			return nil, fmt.Errorf("%w: sqlite backend has no database", ErrUnknownBackend)
		}
		return b.SQLite, nil
	case BackendRedis:
		if b.Redis == nil {
			return nil, fmt.Errorf("%w: redis backend has no client", ErrUnknownBackend)
		}
		return b.Redis, nil
	case BackendFile:
		fs, err := NewFileStore(b.Dir)
		if err != nil {
			return nil, err
		}
		return fs, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

func checkHub(hub string) error {
	if hub == "" {
		return ErrInvalidHub
	}
	return nil
}
