package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	filePrefix = "ppo_ep"
	fileSuffix = ".ckpt"
)

// FileStore keeps one file per checkpoint under <dir>/<run id>/ppo_ep<N>.ckpt.
type FileStore struct {
	dir string
}

// NewFileStore creates a store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Path returns the file a checkpoint of runID at episode is written to.
func (f *FileStore) Path(runID string, episode int) string {
	return filepath.Join(f.dir, runID, fmt.Sprintf("%s%d%s", filePrefix, episode, fileSuffix))
}

// Save writes the record's blob. Existing files are never overwritten.
func (f *FileStore) Save(_ context.Context, rec Record) error {
	path := f.Path(rec.RunID, rec.Episode)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to create checkpoint: %w", err)
	}
	if _, err := file.Write(rec.Blob); err != nil {
		file.Close()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return file.Close()
}

// Load reads the checkpoint of runID at episode.
func (f *FileStore) Load(_ context.Context, runID string, episode int) (Record, error) {
	path := f.Path(runID, episode)
	blob, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	rec := Record{ID: filepath.Base(path), RunID: runID, Episode: episode, Blob: blob}
	if info, err := os.Stat(path); err == nil {
		rec.CreatedAt = info.ModTime().UTC()
	}
	return rec, nil
}

// Latest loads the highest-numbered checkpoint of runID.
func (f *FileStore) Latest(ctx context.Context, runID string) (Record, error) {
	entries, err := os.ReadDir(filepath.Join(f.dir, runID))
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	latest := -1
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		ep, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix))
		if err != nil {
			continue
		}
		if ep > latest {
			latest = ep
		}
	}
	if latest < 0 {
		return Record{}, ErrNotFound
	}
	return f.Load(ctx, runID, latest)
}
