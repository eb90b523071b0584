package storage

import (
	"fmt"
	"os"
	"sync"
)

// Dir is a lazily created temporary directory that holds the files a web
// client spills to disk, such as response bodies too large to keep in
// memory. Cleanup removes it with everything inside.
type Dir struct {
	prefix string

	mu      sync.Mutex
	path    string
	removed bool
}

// NewDir returns a Dir whose directory name starts with prefix.
// Nothing is created on disk until the first file is requested.
func NewDir(prefix string) *Dir {
	return &Dir{prefix: prefix}
}

// CreateTemp creates a new temporary file in the directory.
// The caller is responsible for closing the file.
func (d *Dir) CreateTemp(pattern string) (*os.File, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.removed {
		return nil, fmt.Errorf("creating temp file %q: directory already removed", pattern)
	}
	if d.path == "" {
		p, err := os.MkdirTemp("", d.prefix)
		if err != nil {
			return nil, fmt.Errorf("creating temp directory: %w", err)
		}
		d.path = p
	}

	f, err := os.CreateTemp(d.path, pattern)
	if err != nil {
		return nil, fmt.Errorf("creating temp file %q: %w", pattern, err)
	}

	return f, nil
}

// Path returns the directory path, or an empty string when nothing has
// been written yet.
func (d *Dir) Path() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.path
}

// Cleanup removes the directory. It's safe to call more than once.
func (d *Dir) Cleanup() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.removed = true
	if d.path == "" {
		return nil
	}
	if err := os.RemoveAll(d.path); err != nil {
		return fmt.Errorf("removing temp directory %q: %w", d.path, err)
	}
	d.path = ""

	return nil
}
