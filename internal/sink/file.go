package sink

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mikeyg42/framepipe/internal/enclog"
)

// FileSink appends access units to a raw Annex-B elementary stream file.
type FileSink struct {
	mu      sync.Mutex
	path    string
	f       *os.File
	w       *bufio.Writer
	written int64
	closed  bool
	log     enclog.Logger
}

// NewFileSink creates path, and any missing parent directories, truncating
// an existing file.
func NewFileSink(path string) (*FileSink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	return &FileSink{
		path: path,
		f:    f,
		w:    bufio.NewWriterSize(f, 1<<20),
		log:  enclog.L().Named("sink.file").With(enclog.String("path", path)),
	}, nil
}

func (s *FileSink) WritePacket(_ context.Context, p Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	n, err := s.w.Write(p.Data)
	s.written += int64(n)
	if err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	return nil
}

// Written returns the number of bytes accepted so far.
func (s *FileSink) Written() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Close flushes buffered data, syncs and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.w.Flush(); err != nil {
		s.f.Close()
		return fmt.Errorf("flush %s: %w", s.path, err)
	}
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return fmt.Errorf("sync %s: %w", s.path, err)
	}
	s.log.Info("elementary stream closed", enclog.Int64("bytes", s.written))
	return s.f.Close()
}
