// Package cookies persists per-session cookie state as flat name/value maps.
// Persistence is best effort: load and save failures are reported to the
// caller as status, never as faults on the request path.
package cookies

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"sync"
)

var validKey = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Store loads and saves cookie maps by key.
type Store interface {
	Load(key string) (map[string]string, error)
	Save(key string, values map[string]string) error
}

// FileStore keeps one JSON document per key under a directory.
type FileStore struct {
	dir string
}

// NewFileStore returns a store writing <dir>/<key>.json.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Path returns the file backing key.
func (s *FileStore) Path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

// Load returns the saved map, or an empty map when no file exists.
func (s *FileStore) Load(key string) (map[string]string, error) {
	if !validKey.MatchString(key) {
		return nil, fmt.Errorf("invalid cookie key %q", key)
	}
	data, err := os.ReadFile(s.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cookies: %w", err)
	}
	values := map[string]string{}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("decode cookies: %w", err)
	}
	return values, nil
}

// Save writes values atomically: temp file, fsync, rename.
func (s *FileStore) Save(key string, values map[string]string) error {
	if !validKey.MatchString(key) {
		return fmt.Errorf("invalid cookie key %q", key)
	}
	if values == nil {
		values = map[string]string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode cookies: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create cookie dir: %w", err)
	}
	return atomicWriteFile(s.Path(key), data, 0o600)
}

func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp cookie file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp cookie file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp cookie file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp cookie file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp cookie file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename cookie file: %w", err)
	}
	return nil
}

// MemoryStore keeps cookie maps in memory.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]map[string]string)}
}

// Load returns a copy of the saved map.
func (s *MemoryStore) Load(key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := maps.Clone(s.values[key])
	if out == nil {
		out = map[string]string{}
	}
	return out, nil
}

// Save stores a copy of values.
func (s *MemoryStore) Save(key string, values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = maps.Clone(values)
	return nil
}
