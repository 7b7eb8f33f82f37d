package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps every entry in one JSON object on disk, rewritten through a
// temp file and rename on each save. A file that cannot be read or decoded is
// never overwritten: saves fail until the file is repaired or removed.
type FileStore struct {
	path string

	mu      sync.Mutex
	entries map[string]Entry
	loadErr error
}

// ErrStoreUnreadable is returned by Save while the file on disk could not be
// loaded.
var ErrStoreUnreadable = errors.New("cache file unreadable, refusing to overwrite")

// NewFileStore creates a store at path. The file is created on first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) LoadAll(_ context.Context) (map[string]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.loadLocked(); err != nil {
		return nil, err
	}
	out := make(map[string]Entry, len(f.entries))
	for k, v := range f.entries {
		out[k] = v
	}
	return out, nil
}

func (f *FileStore) loadLocked() error {
	f.entries = nil
	f.loadErr = nil

	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		f.entries = make(map[string]Entry)
		return nil
	}
	if err != nil {
		f.loadErr = fmt.Errorf("read %s: %w", f.path, err)
		return f.loadErr
	}

	entries := make(map[string]Entry)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &entries); err != nil {
			f.loadErr = fmt.Errorf("decode %s: %w", f.path, err)
			return f.loadErr
		}
	}
	f.entries = entries
	return nil
}

func (f *FileStore) Save(ctx context.Context, key string, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	// saving before any load must merge with what is already on disk
	if f.entries == nil && f.loadErr == nil {
		if err := f.loadLocked(); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnreadable, err)
		}
	}
	if f.loadErr != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnreadable, f.loadErr)
	}
	f.entries[key] = e

	data, err := json.MarshalIndent(f.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cache: %w", err)
	}
	return writeFileAtomic(f.path, data)
}

func (f *FileStore) Close() error { return nil }

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
