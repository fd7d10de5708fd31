package session

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	ncerr "udfdebug/internal/errors"
	"udfdebug/internal/metrics"
	"udfdebug/util"
)

const testPeer = "10.1.2.3:4567"

// recorder is an in-memory RecordWriter.
type recorder struct {
	mu      sync.Mutex
	records []string
	err     error
}

func (r *recorder) WriteRecord(peer string, line []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.records = append(r.records, peer+"> "+string(line))
	return nil
}

func (r *recorder) lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.records...)
}

// runSession feeds each chunk to a fresh session over a pipe, closes
// the client side and returns what the session emitted.
func runSession(t *testing.T, rec *recorder, maxLine int, chunks ...string) ([]string, *Session, error) {
	t.Helper()

	server, client := net.Pipe()
	s := New(server, rec, util.NewLogger(0))
	s.Peer = testPeer
	s.MaxLineLength = maxLine
	s.Metrics = metrics.New()

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	for _, c := range chunks {
		if _, err := client.Write([]byte(c)); err != nil {
			break // session already closed its end
		}
	}
	client.Close()

	select {
	case err := <-done:
		return rec.lines(), s, err
	case <-time.After(3 * time.Second):
		t.Fatal("session did not finish")
		return nil, nil, nil
	}
}

func TestSession_Lines(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   []string
	}{
		{
			name:   "single line",
			chunks: []string{"hello\n"},
			want:   []string{testPeer + "> hello"},
		},
		{
			name:   "two lines in one write",
			chunks: []string{"a\nb\n"},
			want:   []string{testPeer + "> a", testPeer + "> b"},
		},
		{
			name:   "line split across writes",
			chunks: []string{"hel", "lo wor", "ld\n"},
			want:   []string{testPeer + "> hello world"},
		},
		{
			name:   "trailing whitespace stripped",
			chunks: []string{"value = 42 \t\r\n"},
			want:   []string{testPeer + "> value = 42"},
		},
		{
			name:   "leading whitespace kept",
			chunks: []string{"   indented\n"},
			want:   []string{testPeer + ">    indented"},
		},
		{
			name:   "empty line",
			chunks: []string{"\n"},
			want:   []string{testPeer + "> "},
		},
		{
			name:   "partial line dropped at close",
			chunks: []string{"done\n", "no terminator"},
			want:   []string{testPeer + "> done"},
		},
		{
			name:   "only partial",
			chunks: []string{"never finished"},
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, s, err := runSession(t, &recorder{}, 0, tt.chunks...)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("records mismatch (-want +got):\n%s", diff)
			}
			if s.State() != StateClosed {
				t.Errorf("state = %v, want closed", s.State())
			}
		})
	}
}

func TestSession_ManyLinesKeepOrder(t *testing.T) {
	var in strings.Builder
	var want []string
	for i := 0; i < 500; i++ {
		line := strings.Repeat("x", i%37) + "|" + string(rune('a'+i%26))
		in.WriteString(line + "\n")
		want = append(want, testPeer+"> "+line)
	}

	got, _, err := runSession(t, &recorder{}, 0, in.String())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestSession_Metrics(t *testing.T) {
	_, s, err := runSession(t, &recorder{}, 0, "one\ntwo\n", "tail")
	if err != nil {
		t.Fatal(err)
	}
	snap := s.Metrics.Snapshot()
	if snap.RecordsEmitted != 2 {
		t.Errorf("records = %d, want 2", snap.RecordsEmitted)
	}
	if snap.BytesIn != int64(len("one\ntwo\ntail")) {
		t.Errorf("bytes in = %d", snap.BytesIn)
	}
	if snap.PartialDropped != 4 {
		t.Errorf("partial dropped = %d, want 4", snap.PartialDropped)
	}
	if snap.SessionsActive != 0 || snap.SessionsTotal != 1 {
		t.Errorf("sessions active=%d total=%d", snap.SessionsActive, snap.SessionsTotal)
	}
}

func TestSession_LineTooLong(t *testing.T) {
	got, s, err := runSession(t, &recorder{}, 8, "short\n", "0123456789abcdef", "\n")
	if err != nil {
		t.Fatalf("oversized line must stay local to the session, got %v", err)
	}
	if diff := cmp.Diff([]string{testPeer + "> short"}, got); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
	if s.Metrics.Snapshot().OversizedLines != 1 {
		t.Error("oversized line not counted")
	}
}

func TestSession_LineTooLongInOneRead(t *testing.T) {
	tests := []struct {
		name      string
		chunks    []string
		want      []string
		oversized int64
	}{
		{"single read", []string{"0123456789abcdef\n"}, nil, 1},
		{"terminator with tail", []string{"0123456", "789abcdef\nx"}, nil, 1},
		{"after a good line", []string{"ok\n0123456789abcdef\nnever\n"}, []string{testPeer + "> ok"}, 1},
		{"exactly at the limit", []string{"01234567\n"}, []string{testPeer + "> 01234567"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, s, err := runSession(t, &recorder{}, 8, tt.chunks...)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("records mismatch (-want +got):\n%s", diff)
			}
			if got := s.Metrics.Snapshot().OversizedLines; got != tt.oversized {
				t.Errorf("oversized = %d, want %d", got, tt.oversized)
			}
		})
	}
}

func TestSession_SinkFailureIsReturned(t *testing.T) {
	sinkErr := errors.New("stdout gone")
	_, _, err := runSession(t, &recorder{err: sinkErr}, 0, "a\n")
	if !errors.Is(err, sinkErr) {
		t.Fatalf("Run error = %v, want wrapped sink error", err)
	}
}

func TestSession_SinkClosedIsFatal(t *testing.T) {
	_, _, err := runSession(t, &recorder{err: ncerr.ErrSinkClosed}, 0, "a\n")
	if !errors.Is(err, ncerr.ErrSinkClosed) {
		t.Fatalf("Run error = %v, want ErrSinkClosed", err)
	}
}

func TestSession_ContextCancelCloses(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	rec := &recorder{}
	s := New(server, rec, util.NewLogger(0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	if _, err := client.Write([]byte("before\npartial")); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for len(rec.lines()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("session ignored cancellation")
	}

	if s.State() != StateClosed {
		t.Errorf("state = %v, want closed", s.State())
	}
	if got := rec.lines(); len(got) != 1 || !strings.HasSuffix(got[0], "> before") {
		t.Errorf("records = %q", got)
	}
}

func TestSession_PeerFromConn(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	conn, err := ln.Accept()
	if err != nil {
		t.Fatal(err)
	}
	s := New(conn, &recorder{}, util.NewLogger(0))
	defer s.Close()

	if s.Peer != client.LocalAddr().String() {
		t.Errorf("Peer = %q, want %q", s.Peer, client.LocalAddr().String())
	}
}

func TestSession_CloseIdempotent(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	s := New(server, &recorder{}, util.NewLogger(0))
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
	if s.State() != StateClosed {
		t.Errorf("state = %v", s.State())
	}
}

func TestState_String(t *testing.T) {
	for st, want := range map[State]string{
		StateAccepting: "accepting",
		StateEmitting:  "emitting",
		StateClosed:    "closed",
		State(9):       "unknown",
	} {
		if got := st.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", st, got, want)
		}
	}
}

func BenchmarkSession_Feed(b *testing.B) {
	s := &Session{Peer: testPeer, Sink: &discard{}, Logger: util.NewLogger(0)}
	chunk := bytes.Repeat([]byte("some udf output line\n"), 64)

	b.SetBytes(int64(len(chunk)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := s.feed(chunk); err != nil {
			b.Fatal(err)
		}
	}
}

type discard struct{}

func (discard) WriteRecord(string, []byte) error { return nil }
