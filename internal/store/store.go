// Package store provides the named byte stores that GET and PUT read from
// and write to. A store is scoped to one root; names are flat.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const maxNameLength = 256

var (
	// ErrNotFound indicates the named entry does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidName indicates the name is empty, a dot entry, contains a
	// path separator or is too long.
	ErrInvalidName = errors.New("invalid name")
)

// Store opens named entries for reading or writing.
type Store interface {
	// OpenRead returns ErrNotFound if name does not exist.
	OpenRead(name string) (io.ReadCloser, error)
	// OpenWrite creates or truncates name.
	OpenWrite(name string) (io.WriteCloser, error)
}

// ValidateName rejects names that could escape the store root.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: name longer than %d bytes", ErrInvalidName, maxNameLength)
	}
	return nil
}

// Size reports the length of a stream returned by OpenRead, when the store
// can tell without reading it.
func Size(r io.Reader) (int64, bool) {
	switch v := r.(type) {
	case interface{ Stat() (os.FileInfo, error) }:
		info, err := v.Stat()
		if err != nil || !info.Mode().IsRegular() {
			return 0, false
		}
		return info.Size(), true
	case interface{ Size() int64 }:
		return v.Size(), true
	}
	return 0, false
}

// Dir is a Store backed by files in a single directory.
type Dir struct {
	root string
}

// NewDir returns a store rooted at root, creating the directory if needed.
func NewDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store root: %w", err)
	}
	return &Dir{root: root}, nil
}

// Root returns the directory backing the store.
func (d *Dir) Root() string {
	return d.root
}

// OpenRead opens name for reading.
func (d *Dir) OpenRead(name string) (io.ReadCloser, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(d.root, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat %s: %w", name, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return f, nil
}

// OpenWrite creates or truncates name.
func (d *Dir) OpenWrite(name string) (io.WriteCloser, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	f, err := os.Create(filepath.Join(d.root, name))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", name, err)
	}
	return f, nil
}

// Memory is an in-process Store. Writes become visible when the writer is
// closed.
type Memory struct {
	mu    sync.RWMutex
	files map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{files: make(map[string][]byte)}
}

// Put stores data under name directly.
func (m *Memory) Put(name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[name] = append([]byte(nil), data...)
}

// Bytes returns a copy of the contents of name.
func (m *Memory) Bytes(name string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.files[name]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// OpenRead opens name for reading.
func (m *Memory) OpenRead(name string) (io.ReadCloser, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	data, ok := m.Bytes(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return memoryReader{bytes.NewReader(data)}, nil
}

type memoryReader struct {
	*bytes.Reader
}

func (memoryReader) Close() error {
	return nil
}

// OpenWrite truncates name and returns a writer for it.
func (m *Memory) OpenWrite(name string) (io.WriteCloser, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	m.Put(name, nil)
	return &memoryWriter{store: m, name: name}, nil
}

type memoryWriter struct {
	store *Memory
	name  string
	buf   bytes.Buffer
}

func (w *memoryWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *memoryWriter) Close() error {
	w.store.Put(w.name, w.buf.Bytes())
	return nil
}
