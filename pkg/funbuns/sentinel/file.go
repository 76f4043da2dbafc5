package sentinel

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FileStore persists the sentinel as a JSON file. Writes go through a
// temporary file and a rename, so readers never see a partial sentinel.
type FileStore struct {
	path   string
	mu     sync.RWMutex
	closed bool
}

// NewFileStore creates a store at path. The parent directory must exist.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the sentinel file path.
func (f *FileStore) Path() string {
	return f.path
}

// Save implements Store.
func (f *FileStore) Save(ctx context.Context, s Sentinel) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStoreClosed
	}

	data, err := s.Marshal()
	if err != nil {
		return fmt.Errorf("encode sentinel: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".tmp-sentinel-*")
	if err != nil {
		return fmt.Errorf("save sentinel: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("save sentinel: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("save sentinel: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("save sentinel: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("save sentinel: %w", err)
	}
	return nil
}

// Load implements Store.
func (f *FileStore) Load(ctx context.Context) (Sentinel, error) {
	if err := ctx.Err(); err != nil {
		return Sentinel{}, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return Sentinel{}, ErrStoreClosed
	}

	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Sentinel{}, ErrNotFound
	}
	if err != nil {
		return Sentinel{}, fmt.Errorf("load sentinel: %w", err)
	}
	s, err := Unmarshal(data)
	if err != nil {
		return Sentinel{}, fmt.Errorf("decode sentinel %s: %w", f.path, err)
	}
	return s, nil
}

// Delete implements Store.
func (f *FileStore) Delete(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStoreClosed
	}
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete sentinel: %w", err)
	}
	return nil
}

// Close implements Store.
func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
