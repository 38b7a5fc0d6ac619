// Package statefile persists the agent state document as JSON with atomic
// replace semantics.
package statefile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/Strob0t/hostagent/internal/domain/agent"
)

// FileName is the state file name inside the data directory.
const FileName = "agent-state.json"

// Store reads and writes one state file. Writes are serialized.
type Store struct {
	path string
	mu   sync.Mutex
}

// New returns a store for the state file at path.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the state file path.
func (s *Store) Path() string { return s.path }

// Load reads the state file. A missing file, or one that does not decode or
// validate, yields ok=false and no error. The run state is normalized.
func (s *Store) Load() (agent.StateFile, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return agent.StateFile{}, false, nil
		}
		return agent.StateFile{}, false, fmt.Errorf("read state file: %w", err)
	}

	var f agent.StateFile
	if err := json.Unmarshal(data, &f); err != nil {
		slog.Warn("ignoring unreadable state file", "path", s.path, "error", err)
		return agent.StateFile{}, false, nil
	}
	if err := f.Validate(); err != nil {
		slog.Warn("ignoring invalid state file", "path", s.path, "error", err)
		return agent.StateFile{}, false, nil
	}
	f.AgentConfiguration.Normalize()
	return f, true, nil
}

// Save replaces the state file: write a temporary file, sync, rename over
// the old file, then sync the directory. A crash leaves either the old or
// the new document in place.
func (s *Store) Save(f agent.StateFile) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temporary state file: %w", err)
	}
	tmpPath := tmp.Name()

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temporary state file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temporary state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temporary state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temporary state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename state file into place: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
