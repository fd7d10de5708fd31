package core

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	ncerr "udfdebug/internal/errors"
	"udfdebug/internal/metrics"
	"udfdebug/internal/retry"
	"udfdebug/internal/session"
	"udfdebug/util"
)

const maxAcceptDelay = time.Second

// Server accepts client connections and runs one session per
// connection, all writing to a shared sink.
type Server struct {
	Host          string
	Port          int // 0 = ephemeral
	Sink          session.RecordWriter
	Logger        *util.Logger
	Metrics       *metrics.Collector // may be nil
	MaxLineLength int                // 0 = unlimited
	BindRetries   int                // extra attempts when the address is in use
	GracePeriod   time.Duration      // drain time on cancellation before force-closing

	mu       sync.Mutex
	primary  net.Listener
	extra    []net.Listener
	started  bool
	stopped  bool
	stopCh   chan struct{}
	hardCtx  context.Context
	hardStop context.CancelFunc

	loops    sync.WaitGroup
	sessions sync.WaitGroup
	active   atomic.Int64
}

// Start binds Host:Port and returns the effective address.  With
// Port 0 the OS picks a free port.  A bind failure is returned as
// *errors.BindError; "address in use" is retried BindRetries times.
func (s *Server) Start(ctx context.Context) (*net.TCPAddr, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ncerr.ErrServerClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil, fmt.Errorf("server already started on %s", s.primary.Addr())
	}
	s.mu.Unlock()

	addr := util.FormatAddr(s.Host, s.Port)

	var lc net.ListenConfig
	var ln net.Listener
	b := retry.BindBackoff(s.BindRetries)
	b.OnRetry = func(attempt int, err error, wait time.Duration) {
		s.Logger.Warn("bind %s: %v, retrying in %v (%d/%d)",
			addr, err, wait.Round(time.Millisecond), attempt, s.BindRetries)
	}
	err := b.Do(ctx, func(int) error {
		l, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			if ncerr.IsAddrInUse(err) {
				return err
			}
			return retry.Permanent(err)
		}
		ln = l
		return nil
	})
	if err != nil {
		return nil, ncerr.Bind(addr, err)
	}

	s.mu.Lock()
	s.primary = ln
	s.started = true
	s.stopCh = make(chan struct{})
	s.hardCtx, s.hardStop = context.WithCancel(context.Background())
	s.mu.Unlock()

	bound := ln.Addr().(*net.TCPAddr)
	s.Logger.Verbose("listening on %s (tcp)", bound)
	return bound, nil
}

// Attach adds another accept source, such as an SSH reverse forward.
// It must be called after Start and before Serve.  A failing attached
// listener only stops its own accept loop.
func (s *Server) Attach(ln net.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		ln.Close()
		return
	}
	s.extra = append(s.extra, ln)
}

// Serve runs the accept loops until ctx is cancelled, Stop or Close is
// called, or a fatal error occurs.  It returns once every accept loop
// and every session has finished.  Cancelling ctx drains for
// GracePeriod and then closes all sessions.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return fmt.Errorf("serve: server not started")
	}
	listeners := append([]net.Listener{s.primary}, s.extra...)
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)

	s.loops.Add(len(listeners))
	for i, ln := range listeners {
		i, ln := i, ln
		g.Go(func() error {
			defer s.loops.Done()
			return s.acceptLoop(gctx, g, ln, i == 0)
		})
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
			s.Shutdown(s.GracePeriod)
			return nil
		case <-s.stopCh:
		}

		// Soft stop: sessions finish on their own unless cancelled.
		s.loops.Wait()
		drained := make(chan struct{})
		go func() {
			s.sessions.Wait()
			close(drained)
		}()
		select {
		case <-gctx.Done():
			s.Close() //nolint:errcheck
		case <-drained:
		}
		return nil
	})

	return g.Wait()
}

// Stop closes every listening socket.  Sessions already running keep
// going until their clients disconnect.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}
	s.stopped = true
	if s.stopCh != nil {
		close(s.stopCh)
	}

	var errs []error
	if s.primary != nil {
		if err := s.primary.Close(); err != nil && !ncerr.IsHarmless(err) {
			errs = append(errs, fmt.Errorf("close listener: %w", err))
		}
	}
	for _, ln := range s.extra {
		if err := ln.Close(); err != nil && !ncerr.IsHarmless(err) {
			errs = append(errs, fmt.Errorf("close %s: %w", ln.Addr(), err))
		}
	}
	return ncerr.Join(errs...)
}

// Close stops accepting and closes every open session connection.
func (s *Server) Close() error {
	err := s.Stop()
	s.mu.Lock()
	if s.hardStop != nil {
		s.hardStop()
	}
	s.mu.Unlock()
	return err
}

// Shutdown stops accepting, waits up to grace for sessions to end on
// their own and then closes the rest.
func (s *Server) Shutdown(grace time.Duration) {
	s.Stop() //nolint:errcheck
	s.loops.Wait()

	if grace > 0 && s.active.Load() > 0 {
		s.Logger.Verbose("waiting up to %v for %d session(s)", grace, s.active.Load())
		done := make(chan struct{})
		go func() {
			s.sessions.Wait()
			close(done)
		}()
		t := time.NewTimer(grace)
		select {
		case <-done:
		case <-t.C:
			s.Logger.Verbose("grace period over, closing %d session(s)", s.active.Load())
		}
		t.Stop()
	}

	s.Close() //nolint:errcheck
}

// Addr returns the primary listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.primary == nil {
		return nil
	}
	return s.primary.Addr()
}

// ActiveSessions returns the number of sessions still running.
func (s *Server) ActiveSessions() int {
	return int(s.active.Load())
}

func (s *Server) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// acceptLoop hands every accepted connection to a new session without
// waiting for it.  Temporary errors back off up to maxAcceptDelay.
func (s *Server) acceptLoop(ctx context.Context, g *errgroup.Group, ln net.Listener, primary bool) error {
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isStopped() || ctx.Err() != nil {
				return nil
			}
			if ncerr.IsRetryable(err) {
				delay = nextAcceptDelay(delay)
				s.Logger.Warn("accept on %s: %v; retrying in %v", ln.Addr(), err, delay)
				retry.Sleep(ctx, delay)
				continue
			}
			s.Metrics.RecordError(fmt.Sprintf("accept on %s: %v", ln.Addr(), err))
			if !primary {
				s.Logger.Error("accept on %s: %v; no longer serving it", ln.Addr(), err)
				return nil
			}
			s.Close() //nolint:errcheck
			return ncerr.Wrap("accept", ln.Addr().String(), err)
		}
		delay = 0
		s.spawn(g, conn)
	}
}

func (s *Server) spawn(g *errgroup.Group, conn net.Conn) {
	sess := session.New(conn, s.Sink, s.Logger)
	sess.Metrics = s.Metrics
	sess.MaxLineLength = s.MaxLineLength

	s.Logger.Verbose("connection from %s", sess.Peer)

	s.sessions.Add(1)
	s.active.Add(1)
	g.Go(func() error {
		defer s.sessions.Done()
		defer s.active.Add(-1)

		if err := sess.Run(s.hardCtx); err != nil {
			s.Logger.Error("%v", err)
			s.Close() //nolint:errcheck
			return err
		}
		return nil
	})
}

func nextAcceptDelay(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > maxAcceptDelay {
		d = maxAcceptDelay
	}
	return d
}
