// Package sink serialises writes from every session onto the single
// process-wide output stream.
//
// Each record is assembled in memory and handed to the underlying
// writer in one Write call while holding the sink's mutex, so lines
// from concurrent clients never interleave mid-record.
package sink

import (
	"fmt"
	"io"
	"os"
	"sync"

	ncerr "udfdebug/internal/errors"
)

// Stdout is the path value that selects standard output.
const Stdout = "-"

// Sink is the shared destination for formatted records.
type Sink struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer // nil when the sink does not own w
	closed bool
	buf    []byte
}

// New wraps w.  Closing the Sink does not close w.
func New(w io.Writer) *Sink {
	return &Sink{w: w}
}

// Open returns a sink for path: standard output for "" or "-",
// otherwise the file opened for appending (created if missing).
func Open(path string) (*Sink, error) {
	if path == "" || path == Stdout {
		return New(os.Stdout), nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open output %s: %w", path, err)
	}
	return &Sink{w: f, closer: f}, nil
}

// WriteRecord writes "<peer>> <line>\n" as one indivisible write.
// line must not contain the terminator.
func (s *Sink) WriteRecord(peer string, line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ncerr.ErrSinkClosed
	}

	s.buf = append(s.buf[:0], peer...)
	s.buf = append(s.buf, '>', ' ')
	s.buf = append(s.buf, line...)
	s.buf = append(s.buf, '\n')

	if _, err := s.w.Write(s.buf); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// Printf writes a control line such as the startup banner.  A trailing
// newline is added when missing.
func (s *Sink) Printf(format string, args ...interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ncerr.ErrSinkClosed
	}

	s.buf = fmt.Appendf(s.buf[:0], format, args...)
	if len(s.buf) == 0 || s.buf[len(s.buf)-1] != '\n' {
		s.buf = append(s.buf, '\n')
	}
	if _, err := s.w.Write(s.buf); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// Close releases the sink.  Owned files are synced and closed; a
// wrapped writer such as stdout is left open.  Close is idempotent.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.buf = nil

	if s.closer == nil {
		return nil
	}
	if f, ok := s.closer.(*os.File); ok {
		f.Sync() //nolint:errcheck // best effort before close
	}
	return s.closer.Close()
}
