// Package identity persists the key -> pid mapping of supervised instances so a
// restarted supervisor can find the processes it launched earlier.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// ErrStoreCorrupt is matched by *CorruptError when the state file cannot be parsed.
var ErrStoreCorrupt = errors.New("identity store corrupt")

// CorruptError reports an unparsable state file.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("identity store %s: corrupt: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

func (e *CorruptError) Is(target error) bool { return target == ErrStoreCorrupt }

// Store is a single JSON object file keyed by the decimal instance key.
// Every mutation rewrites the whole file. The mutex only serialises callers
// within this process; two supervisors sharing one file still race.
type Store struct {
	path string
	mu   sync.Mutex
}

func New(path string) *Store { return &Store{path: path} }

func (s *Store) Path() string { return s.path }

// Save records pid for key, replacing any previous value.
func (s *Store) Save(key, pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.read()
	if err != nil {
		return err
	}
	m[key] = pid
	return s.write(m)
}

// Remove deletes key. Removing an absent key is a no-op and does not touch the file.
func (s *Store) Remove(key int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := m[key]; !ok {
		return nil
	}
	delete(m, key)
	return s.write(m)
}

// List returns the full mapping. A missing file is an empty mapping.
func (s *Store) List() (map[int]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

// Replace overwrites the file with m.
func (s *Store) Replace(m map[int]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[int]int, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return s.write(cp)
}

// Quarantine moves an unreadable state file aside to path+suffix and returns the new name.
func (s *Store) Quarantine(suffix string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dst := s.path + suffix
	if err := os.Rename(s.path, dst); err != nil {
		return "", err
	}
	return dst, nil
}

func (s *Store) read() (map[int]int, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[int]int{}, nil
		}
		return nil, fmt.Errorf("read identity store %s: %w", s.path, err)
	}
	m, err := Decode(b)
	if err != nil {
		return nil, &CorruptError{Path: s.path, Err: err}
	}
	return m, nil
}

func (s *Store) write(m map[int]int) error {
	b, err := Encode(m)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// Decode parses the state file format {"8080": 1234}. Keys must be positive
// integers and pids positive; anything else is rejected.
func Decode(b []byte) (map[int]int, error) {
	var raw map[string]int
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	out := make(map[int]int, len(raw))
	for k, pid := range raw {
		key, err := strconv.Atoi(k)
		if err != nil || key <= 0 {
			return nil, fmt.Errorf("invalid key %q", k)
		}
		if pid <= 0 {
			return nil, fmt.Errorf("invalid pid %d for key %d", pid, key)
		}
		out[key] = pid
	}
	return out, nil
}

// Encode renders m as a JSON object keyed by the decimal key.
func Encode(m map[int]int) ([]byte, error) {
	raw := make(map[string]int, len(m))
	for k, pid := range m {
		raw[strconv.Itoa(k)] = pid
	}
	return json.MarshalIndent(raw, "", "  ")
}
