package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/nerrad567/labhub-core/internal/state"
)

const (
	fileDirPermissions = 0o750
	fileMode           = 0o600
)

// FileStore keeps each hub's snapshot in <dir>/<hub>.json.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("store: file backend needs a directory")
	}
	if err := os.MkdirAll(dir, fileDirPermissions); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(hub string) (string, error) {
	if err := checkHub(hub); err != nil {
		return "", err
	}
	if strings.ContainsAny(hub, `/\`) || hub == "." || hub == ".." {
		return "", fmt.Errorf("%w: %q is not a valid file name", ErrInvalidHub, hub)
	}
	return filepath.Join(s.dir, hub+".json"), nil
}

// SaveSnapshot replaces the snapshot file of hub by rename.
func (s *FileStore) SaveSnapshot(_ context.Context, hub string, snap state.Snapshot) error {
	path, err := s.path(hub)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, hub+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating snapshot file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // Gone after rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck // Already failing
		return fmt.Errorf("writing snapshot file: %w", err)
	}
	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close() //nolint:errcheck // Already failing
		return fmt.Errorf("setting snapshot file mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing snapshot file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing snapshot file: %w", err)
	}
	return nil
}

// LoadSnapshot reads the snapshot of hub.
func (s *FileStore) LoadSnapshot(_ context.Context, hub string) (state.Snapshot, error) {
	path, err := s.path(hub)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hub)
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot file: %w", err)
	}

	var snap state.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return snap, nil
}
