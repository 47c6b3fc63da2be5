package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStore keeps the snapshot in a single file.
//
// Writes go to path+".tmp", are fsynced, and are then renamed over path, so
// a crash mid-write leaves the previous snapshot intact. A stale temp file
// from an interrupted write is overwritten by the next one and never read.
type FileStore struct {
	path       string
	syncWrites bool
}

// NewFileStore creates a FileStore writing to path. When syncWrites is set,
// the temp file and its directory are fsynced around the rename.
func NewFileStore(path string, syncWrites bool) *FileStore {
	return &FileStore{path: path, syncWrites: syncWrites}
}

// Name implements SnapshotStore.
func (s *FileStore) Name() string { return "file:" + s.path }

// Write atomically replaces the snapshot file with data.
func (s *FileStore) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tmpPath := s.path + ".tmp"
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	if s.syncWrites {
		if err := file.Sync(); err != nil {
			file.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("failed to sync snapshot: %w", err)
		}
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}

	if s.syncWrites {
		if err := syncDir(dir); err != nil {
			return fmt.Errorf("failed to sync snapshot directory: %w", err)
		}
	}
	return nil
}

// Read returns the snapshot file contents, or ErrNoSnapshot if it does not exist.
func (s *FileStore) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return data, nil
}

// Close implements SnapshotStore. FileStore holds no open handles.
func (s *FileStore) Close() error { return nil }

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

var _ SnapshotStore = (*FileStore)(nil)
