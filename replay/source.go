package replay

import (
	"io"
	"os"
	"sync"
)

// A Source is a replay byte stream that may still be growing, like a file
// being recorded or a live feed.
type Source interface {
	io.ReaderAt

	// Size returns the number of bytes currently available and whether the
	// stream is known to be final.
	Size() (n int64, final bool, err error)
}

// FileSource reads a replay file that may still be written to.
type FileSource struct {
	f *os.File
}

func OpenFile(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &FileSource{f: f}, nil
}

func (fs *FileSource) ReadAt(p []byte, off int64) (int, error) {
	return fs.f.ReadAt(p, off)
}

func (fs *FileSource) Size() (int64, bool, error) {
	fi, err := fs.f.Stat()
	if err != nil {
		return 0, false, err
	}
	return fi.Size(), false, nil
}

func (fs *FileSource) Close() error { return fs.f.Close() }

// Buffer is an in-memory Source. It is safe for one writer and any number
// of readers to use it concurrently.
type Buffer struct {
	mu     sync.RWMutex
	buf    []byte
	closed bool
}

func NewBuffer(b []byte) *Buffer {
	return &Buffer{buf: b}
}

// Write appends p to the buffer.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, os.ErrClosed
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// Close marks the buffer as final.
func (b *Buffer) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *Buffer) ReadAt(p []byte, off int64) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if off >= int64(len(b.buf)) {
		return 0, io.EOF
	}
	n := copy(p, b.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b *Buffer) Size() (int64, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int64(len(b.buf)), b.closed, nil
}

// Bytes returns a copy of the buffer content.
func (b *Buffer) Bytes() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]byte(nil), b.buf...)
}
