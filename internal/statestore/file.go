package statestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// FileStore persists the snapshot as a JSON document on disk. Writes go to a
// temporary file first and replace the target with a rename, so a crashed
// write never leaves a torn document behind.
type FileStore struct {
	path   string
	logger zerolog.Logger
}

// NewFileStore constructs a file-backed store at path.
func NewFileStore(path string, logger zerolog.Logger) *FileStore {
	return &FileStore{
		path:   path,
		logger: logger.With().Str("component", "state_file").Logger(),
	}
}

// Load reads the snapshot. A missing file yields an empty snapshot, not an
// error; the process simply starts without history.
func (f *FileStore) Load(ctx context.Context) (*Snapshot, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			f.logger.Info().Str("path", f.path).Msg("状态文件不存在，以空状态启动")
			return NewSnapshot(), nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}
	return Decode(data)
}

// Save rewrites the whole document atomically.
func (f *FileStore) Save(ctx context.Context, snap *Snapshot) error {
	data, err := Encode(snap)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// Close is a no-op for the file backend.
func (f *FileStore) Close() {}

var _ Store = (*FileStore)(nil)
