package capture

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Sink persists batches of records off the hot path.
type Sink interface {
	Write(records []Record) error
	Close() error
}

// FileSink appends records as JSON lines to a file owned by this process,
// so concurrent writers never interleave partial lines.
type FileSink struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// NewFileSink creates <dir>/<sessionID>/<pid>-<ulid>.jsonl.
func NewFileSink(dir, sessionID string) (*FileSink, error) {
	sessionDir := filepath.Join(dir, SafeName(sessionID))
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return nil, fmt.Errorf("create capture dir: %w", err)
	}
	name := strconv.Itoa(os.Getpid()) + "-" + ulid.Make().String() + ".jsonl"
	return OpenFileSink(filepath.Join(sessionDir, name))
}

// OpenFileSink appends to path, creating it if needed.
func OpenFileSink(path string) (*FileSink, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open capture file: %w", err)
	}
	return &FileSink{path: path, file: file}, nil
}

// Path returns the file being written.
func (s *FileSink) Path() string {
	return s.path
}

// Write appends one batch with a single buffered write.
func (s *FileSink) Write(records []Record) error {
	if len(records) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return os.ErrClosed
	}

	w := bufio.NewWriterSize(s.file, 64*1024)
	enc := json.NewEncoder(w)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write capture file: %w", err)
	}
	return nil
}

// Close syncs and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Sync()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	s.file = nil
	return err
}

// SafeName maps an external session id to a directory name.
func SafeName(id string) string {
	out := make([]byte, 0, len(id))
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 || string(out) == "." || string(out) == ".." {
		return "_"
	}
	return string(out)
}
