// Package session owns a single client connection: it buffers the
// bytes the client sends, splits them on '\n' and hands every complete
// line, address-prefixed, to the shared sink.
//
// A session never writes back to its client and never looks at other
// sessions.  Everything it needs (peer address, sink, limits) is set at
// construction.
package session

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	ncerr "udfdebug/internal/errors"
	"udfdebug/internal/metrics"
	"udfdebug/util"
)

// asciiSpace is stripped from the end of every line.
const asciiSpace = " \t\r\n\v\f"

// State is the lifecycle position of a session.
type State int32

const (
	// StateAccepting waits for more bytes from the client.
	StateAccepting State = iota
	// StateEmitting is writing a completed line to the sink.
	StateEmitting
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepting:
		return "accepting"
	case StateEmitting:
		return "emitting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// RecordWriter receives one completed line at a time.  Implementations
// must write each record atomically; see sink.Sink.
type RecordWriter interface {
	WriteRecord(peer string, line []byte) error
}

// Session is the per-connection state for one client.
type Session struct {
	Conn    net.Conn
	Peer    string // "ip:port" of the client
	Sink    RecordWriter
	Logger  *util.Logger
	Metrics *metrics.Collector // may be nil

	// MaxLineLength bounds the unterminated data held for one line;
	// 0 disables the limit.
	MaxLineLength int

	state     atomic.Int32
	pending   []byte
	closeOnce sync.Once
}

// New creates a Session bound to conn that writes to sink.
func New(conn net.Conn, sink RecordWriter, logger *util.Logger) *Session {
	return &Session{
		Conn:   conn,
		Peer:   util.PeerAddr(conn),
		Sink:   sink,
		Logger: logger,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Run reads from the connection until the client disconnects, a read
// fails, or ctx is cancelled (which closes the connection).  Client
// side failures end the session quietly and return nil; only a sink
// failure is returned, because the service cannot work without it.
func (s *Session) Run(ctx context.Context) error {
	s.Metrics.SessionOpened()
	defer s.Metrics.SessionClosed()
	defer s.Close()

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	buf := util.GetBuf()
	defer util.PutBuf(buf)

	for {
		n, err := s.Conn.Read(*buf)
		if n > 0 {
			s.Metrics.BytesReceived(int64(n))
			if ferr := s.feed((*buf)[:n]); ferr != nil {
				return s.fail(ferr)
			}
		}
		if err != nil {
			s.end(err)
			return nil
		}
	}
}

// Close terminates the session and closes its connection.  It is safe
// to call from any goroutine, any number of times.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		err = s.Conn.Close()
	})
	return err
}

// feed appends data and emits every line it completes.  Bytes before
// the old end of pending are known to hold no terminator.
func (s *Session) feed(data []byte) error {
	scan := len(s.pending)
	s.pending = append(s.pending, data...)

	start := 0
	for {
		i := bytes.IndexByte(s.pending[scan:], '\n')
		if i < 0 {
			break
		}
		end := scan + i
		if s.MaxLineLength > 0 && end-start > s.MaxLineLength {
			return ncerr.ErrLineTooLong
		}
		if err := s.emit(s.pending[start:end]); err != nil {
			return err
		}
		start = end + 1
		scan = start
	}

	if start > 0 {
		n := copy(s.pending, s.pending[start:])
		s.pending = s.pending[:n]
	}
	if s.MaxLineLength > 0 && len(s.pending) > s.MaxLineLength {
		return ncerr.ErrLineTooLong
	}
	return nil
}

func (s *Session) emit(line []byte) error {
	if !s.state.CompareAndSwap(int32(StateAccepting), int32(StateEmitting)) {
		return net.ErrClosed
	}
	err := s.Sink.WriteRecord(s.Peer, bytes.TrimRight(line, asciiSpace))
	s.state.CompareAndSwap(int32(StateEmitting), int32(StateAccepting))
	if err != nil {
		return fmt.Errorf("session %s: %w", s.Peer, err)
	}
	s.Metrics.RecordEmitted()
	return nil
}

// fail handles an error raised while emitting.
func (s *Session) fail(err error) error {
	switch {
	case ncerr.Is(err, ncerr.ErrLineTooLong):
		s.Logger.Warn("%s: line exceeds %d bytes, closing connection", s.Peer, s.MaxLineLength)
		s.Metrics.OversizedLine()
		s.Metrics.RecordError(fmt.Sprintf("%s: %v", s.Peer, err))
		s.pending = nil
		return nil
	case err == net.ErrClosed: // closed by the server mid-feed
		s.end(err)
		return nil
	default:
		s.Metrics.RecordError(err.Error())
		return err
	}
}

// end records how the connection finished.  Unterminated data is
// dropped, never flushed.
func (s *Session) end(err error) {
	if n := len(s.pending); n > 0 {
		s.Logger.Debug("%s: dropping %d bytes of unterminated data", s.Peer, n)
		s.Metrics.PartialDropped(int64(n))
		s.pending = nil
	}
	if ncerr.IsHarmless(err) {
		s.Logger.Verbose("%s disconnected", s.Peer)
		return
	}
	s.Logger.Warn("%s: read: %v", s.Peer, err)
	s.Metrics.RecordError(ncerr.Wrap("read", s.Peer, err).Error())
}
