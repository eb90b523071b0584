package common

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/oxtoacart/bpool"

	"github.com/grafana/xk6-webclient/storage"
)

// contentPool recycles the buffers of in-memory response bodies.
var contentPool = bpool.NewBufferPool(64) //nolint:gochecknoglobals

// DownloadedContent is a response body. Small bodies are kept in a pooled
// buffer and larger ones in a temporary file; Open hides the difference.
//
// A pooled buffer goes back to the pool once the content is cleaned up
// and every reader opened on it is closed.
type DownloadedContent struct {
	mu      sync.RWMutex
	buf     *bytes.Buffer
	readers int
	path    string
	size    int64
	cleaned bool
}

// NewInMemoryContent wraps b as downloaded content.
func NewInMemoryContent(b []byte) *DownloadedContent {
	buf := contentPool.Get()
	buf.Write(b)
	return &DownloadedContent{buf: buf, size: int64(len(b))}
}

// ReadContent drains r. Up to maxInMemory bytes stay in memory; anything
// larger is spilled to a file in dir. A nil dir keeps everything in memory.
func ReadContent(r io.Reader, maxInMemory int64, dir *storage.Dir) (*DownloadedContent, error) {
	buf := contentPool.Get()
	n, err := io.CopyN(buf, r, maxInMemory+1)
	if err != nil && err != io.EOF { //nolint:errorlint
		contentPool.Put(buf)
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if n <= maxInMemory || dir == nil {
		if dir == nil {
			rest, err := io.Copy(buf, r)
			if err != nil {
				contentPool.Put(buf)
				return nil, fmt.Errorf("reading content: %w", err)
			}
			n += rest
		}
		return &DownloadedContent{buf: buf, size: n}, nil
	}

	defer contentPool.Put(buf)
	f, err := dir.CreateTemp("content-*")
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	size, err := io.Copy(f, io.MultiReader(buf, r))
	if cerr := f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return nil, fmt.Errorf("spilling content to %q: %w", f.Name(), err)
	}

	return &DownloadedContent{path: f.Name(), size: size}, nil
}

// Open returns a reader over the whole content.
func (c *DownloadedContent) Open() (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.cleaned:
		return nil, fmt.Errorf("opening content: already cleaned up")
	case c.path != "":
		f, err := os.Open(c.path)
		if err != nil {
			return nil, fmt.Errorf("opening content file: %w", err)
		}
		return f, nil
	default:
		c.readers++
		return &bufferReader{Reader: bytes.NewReader(c.buf.Bytes()), content: c}, nil
	}
}

// bufferReader reads an in-memory content and holds its buffer
// until closed.
type bufferReader struct {
	*bytes.Reader
	content *DownloadedContent
	once    sync.Once
}

func (r *bufferReader) Close() error {
	r.once.Do(r.content.release)
	return nil
}

func (c *DownloadedContent) release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.readers--
	c.recycle()
}

// recycle returns the buffer to the pool when nothing uses it anymore.
// It must be called with mu held.
func (c *DownloadedContent) recycle() {
	if c.cleaned && c.readers == 0 && c.buf != nil {
		contentPool.Put(c.buf)
		c.buf = nil
	}
}

// Bytes returns the whole content.
func (c *DownloadedContent) Bytes() ([]byte, error) {
	rc, err := c.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close() //nolint:errcheck

	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	return b, nil
}

// Len returns the content size in bytes.
func (c *DownloadedContent) Len() int64 {
	return c.size
}

// InMemory reports whether the content is buffered in memory.
func (c *DownloadedContent) InMemory() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.path == ""
}

// Cleanup releases the buffer or removes the backing file.
func (c *DownloadedContent) Cleanup() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cleaned {
		return nil
	}
	c.cleaned = true
	c.recycle()
	if c.path != "" {
		if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing content file %q: %w", c.path, err)
		}
	}

	return nil
}
