package eventlog

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("disk full")
}

func TestSinkWritesInOrder(t *testing.T) {
	var buf lockedBuffer
	s := New(&buf)

	for i := range 100 {
		s.Infof("event %d", i)
	}
	s.Warnf("last")

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(lines) != 101 {
		t.Fatalf("got %d lines, want 101", len(lines))
	}
	for i := range 100 {
		want := "INFO event " + strconv.Itoa(i)
		if !strings.HasSuffix(lines[i], want) {
			t.Fatalf("line %d = %q, want suffix %q", i, lines[i], want)
		}
		if !strings.HasPrefix(lines[i], "[") {
			t.Fatalf("line %d = %q, want timestamp prefix", i, lines[i])
		}
	}
	if !strings.HasSuffix(lines[100], "WARN last") {
		t.Fatalf("last line = %q", lines[100])
	}
}

func TestSinkAppendsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.txt")

	if err := os.WriteFile(path, []byte("existing\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Infof("Game started, shape %d/%d", 1, 3)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.HasPrefix(string(data), "existing\n") {
		t.Fatalf("existing content was not kept: %q", data)
	}
	if !strings.Contains(string(data), "Game started, shape 1/3") {
		t.Fatalf("event missing from %q", data)
	}
}

func TestSinkAfterClose(t *testing.T) {
	var buf lockedBuffer
	s := New(&buf)

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s.Infof("dropped")
	if buf.String() != "" {
		t.Fatalf("write after close reached the writer: %q", buf.String())
	}

	if err := s.Close(); !errors.Is(err, ErrClosed) {
		t.Fatalf("second Close = %v, want ErrClosed", err)
	}
}

func TestSinkReportsWriteError(t *testing.T) {
	s := New(failingWriter{})
	s.Infof("lost")

	if err := s.Close(); err == nil {
		t.Fatalf("Close returned nil after a failed write")
	}
}

func TestNilSink(t *testing.T) {
	var s *Sink
	s.Infof("ignored")
	s.Warnf("ignored")
	if err := s.Close(); err != nil {
		t.Fatalf("nil Close = %v", err)
	}
}

// gatedWriter blocks every write until release is closed.
type gatedWriter struct {
	release chan struct{}
	buf     lockedBuffer
}

func (g *gatedWriter) Write(p []byte) (int, error) {
	<-g.release
	return g.buf.Write(p)
}

func TestSinkDropsWhenWriterStalls(t *testing.T) {
	w := &gatedWriter{release: make(chan struct{})}
	s := New(w)

	total := queueSize * 2
	for i := range total {
		s.Infof("event %d", i)
	}

	if s.Dropped() == 0 {
		t.Fatal("Dropped() = 0 with a stalled writer")
	}

	close(w.release)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	out := w.buf.String()
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	if got := int64(len(lines) - 1); got+s.Dropped() != int64(total) {
		t.Fatalf("wrote %d events and dropped %d, want %d in total", got, s.Dropped(), total)
	}
	if !strings.Contains(lines[len(lines)-1], strconv.FormatInt(s.Dropped(), 10)+" events dropped") {
		t.Fatalf("last line = %q, want drop summary", lines[len(lines)-1])
	}
}
