// Package diskcache stores cached objects as files in one directory.
package diskcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/Strob0t/hostagent/internal/port/cache"
)

const tmpSuffix = ".partial"

// Store is a directory of objects named by key.
type Store struct {
	dir string
}

// New creates the directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the storage directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, filepath.Base(key))
}

// Get reads a whole object.
func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read %s: %w", key, err)
	}
	return data, true, nil
}

// Set writes a whole object.
func (s *Store) Set(_ context.Context, key string, value []byte) error {
	w, err := s.Create(key)
	if err != nil {
		return err
	}
	if _, err := w.Write(value); err != nil {
		w.Abort()
		return fmt.Errorf("write %s: %w", key, err)
	}
	return w.Commit()
}

// Delete removes an object. Deleting a missing key is not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Stat returns the entry for key.
func (s *Store) Stat(key string) (cache.Entry, bool) {
	info, err := os.Stat(s.path(key))
	if err != nil || info.IsDir() {
		return cache.Entry{}, false
	}
	return cache.Entry{Key: key, Size: info.Size(), ModTime: info.ModTime()}, true
}

// Open opens an object for streaming.
func (s *Store) Open(key string) (*os.File, error) {
	f, err := os.Open(s.path(key))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return f, nil
}

// List returns the committed objects sorted by key.
func (s *Store) List(_ context.Context) ([]cache.Entry, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list cache dir: %w", err)
	}
	out := make([]cache.Entry, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), tmpSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, cache.Entry{Key: e.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	slices.SortFunc(out, func(a, b cache.Entry) int { return strings.Compare(a.Key, b.Key) })
	return out, nil
}

// Writer streams a new object into place. Readers keep seeing the previous
// object until Commit.
type Writer struct {
	f    *os.File
	dest string
}

// Create starts writing key.
func (s *Store) Create(key string) (*Writer, error) {
	f, err := os.CreateTemp(s.dir, "."+filepath.Base(key)+".*"+tmpSuffix)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", key, err)
	}
	return &Writer{f: f, dest: s.path(key)}, nil
}

func (w *Writer) Write(p []byte) (int, error) { return w.f.Write(p) }

// ReadFrom copies r into the object.
func (w *Writer) ReadFrom(r io.Reader) (int64, error) { return io.Copy(w.f, r) }

// Commit syncs and renames the object into place.
func (w *Writer) Commit() error {
	if err := w.f.Sync(); err != nil {
		w.Abort()
		return fmt.Errorf("sync %s: %w", w.dest, err)
	}
	if err := w.f.Close(); err != nil {
		_ = os.Remove(w.f.Name())
		return fmt.Errorf("close %s: %w", w.dest, err)
	}
	if err := os.Rename(w.f.Name(), w.dest); err != nil {
		_ = os.Remove(w.f.Name())
		return fmt.Errorf("commit %s: %w", w.dest, err)
	}
	return nil
}

// Abort discards the partial object.
func (w *Writer) Abort() {
	_ = w.f.Close()
	_ = os.Remove(w.f.Name())
}
