package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileSink is a size-rotated append-only log file. The active file is
// <path>; rotated generations are <path>.1 … <path>.(maxFiles-1), oldest
// last. Writes are whole lines and are serialized.
type FileSink struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	size     int64
	maxBytes int64
	maxFiles int
}

// NewFileSink opens (or creates) the sink at path.
func NewFileSink(path string, maxBytes int64, maxFiles int) (*FileSink, error) {
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	if maxFiles <= 0 {
		maxFiles = 5
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening log file %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat log file %s: %w", path, err)
	}
	return &FileSink{f: f, path: path, size: st.Size(), maxBytes: maxBytes, maxFiles: maxFiles}, nil
}

func (s *FileSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.size > 0 && s.size+int64(len(p)) > s.maxBytes {
		if err := s.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := s.f.Write(p)
	s.size += int64(n)
	return n, err
}

// rotate shifts generations up by one and reopens a fresh active file.
// Caller holds mu.
func (s *FileSink) rotate() error {
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("closing log file: %w", err)
	}
	os.Remove(s.generation(s.maxFiles - 1))
	for i := s.maxFiles - 2; i >= 1; i-- {
		os.Rename(s.generation(i), s.generation(i+1))
	}
	if err := os.Rename(s.path, s.generation(1)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rotating log file: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("reopening log file %s: %w", s.path, err)
	}
	s.f = f
	s.size = 0
	return nil
}

func (s *FileSink) generation(i int) string {
	return fmt.Sprintf("%s.%d", s.path, i)
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
