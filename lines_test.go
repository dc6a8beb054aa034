package main

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/Seednode/tracebox/protocol"
	"github.com/Seednode/tracebox/session"
	"github.com/Seednode/tracebox/shape"
)

func testLibrary() *shape.Library {
	a := shape.Path{{X: 0.1, Y: 0.1}, {X: 0.5, Y: 0.1}, {X: 0.5, Y: 0.5}}
	b := shape.Path{{X: 0.9, Y: 0.9}, {X: 0.5, Y: 0.9}}

	return shape.NewLibrary(shape.Round{A: a, B: b, UseMargin: true})
}

func startCoordinator(t *testing.T) *session.Coordinator {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	coord := session.New(session.Config{Library: testLibrary()})
	go coord.Run(ctx)

	t.Cleanup(func() {
		cancel()
		<-coord.Done()
	})

	return coord
}

func startLineServer(t *testing.T, cfg *Config) (string, *session.Coordinator) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	coord := startCoordinator(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serveLines(ctx, cfg, coord, ln)
	}()

	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("serveLines() = %v", err)
		}
	})

	return ln.Addr().String(), coord
}

type lineClient struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dial(t *testing.T, addr string) *lineClient {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	return &lineClient{conn: conn, reader: bufio.NewReader(conn)}
}

func (c *lineClient) send(t *testing.T, line string) {
	t.Helper()

	if _, err := io.WriteString(c.conn, line+"\r\n"); err != nil {
		t.Fatal(err)
	}
}

func (c *lineClient) read(t *testing.T) string {
	t.Helper()

	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	line, err := c.reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(line) < 2 || line[len(line)-2:] != "\r\n" {
		t.Fatalf("line %q is not CRLF terminated", line)
	}

	return line[:len(line)-2]
}

func (c *lineClient) message(t *testing.T) protocol.Message {
	t.Helper()

	var asm protocol.Assembler
	for {
		m, ok, err := asm.Feed(c.read(t))
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			return m
		}
	}
}

func waitForSessions(t *testing.T, coord *session.Coordinator, n int) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := coord.Status()
		if err != nil {
			t.Fatal(err)
		}
		if len(st.Sessions) == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for %d sessions", n)
}

func TestLinePlayersStartRound(t *testing.T) {
	addr, coord := startLineServer(t, &Config{maxLine: protocol.MaxLineLength})

	zed := dial(t, addr)
	waitForSessions(t, coord, 1)
	amy := dial(t, addr)
	waitForSessions(t, coord, 2)

	zed.send(t, "ready zed")
	amy.send(t, "ready amy")

	if got := amy.read(t); got != "start 0" {
		t.Fatalf("amy got %q, want start 0", got)
	}
	if got := zed.read(t); got != "start 1" {
		t.Fatalf("zed got %q, want start 1", got)
	}

	m := amy.message(t)
	if m.Kind != protocol.KindRoundStart {
		t.Fatalf("Kind = %s, want round_start", m.Kind)
	}
	if len(m.Shapes[0]) != 3 || len(m.Shapes[1]) != 2 {
		t.Fatalf("shape lengths = %d/%d, want 3/2", len(m.Shapes[0]), len(m.Shapes[1]))
	}

	amy.send(t, "0.1,0.1")

	_ = zed.message(t)
	m = zed.message(t)
	if m.Kind != protocol.KindProgress || m.Players[0].Checkpoint != 1 {
		t.Fatalf("progress = %+v, want slot 0 at checkpoint 1", m)
	}
}

func TestThirdLinePlayerRefused(t *testing.T) {
	addr, coord := startLineServer(t, &Config{maxLine: protocol.MaxLineLength})

	dial(t, addr)
	dial(t, addr)
	waitForSessions(t, coord, 2)

	third := dial(t, addr)
	_ = third.conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if _, err := third.reader.ReadString('\n'); err != io.EOF {
		t.Fatalf("third connection read = %v, want EOF", err)
	}
}

func TestDisconnectClosesPartner(t *testing.T) {
	addr, coord := startLineServer(t, &Config{maxLine: protocol.MaxLineLength})

	first := dial(t, addr)
	second := dial(t, addr)
	waitForSessions(t, coord, 2)

	_ = first.conn.Close()

	_ = second.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := second.reader.ReadString('\n'); err != io.EOF {
		t.Fatalf("partner read = %v, want EOF", err)
	}

	waitForSessions(t, coord, 0)
}

func TestIdleLinePlayerDropped(t *testing.T) {
	addr, coord := startLineServer(t, &Config{
		maxLine:     protocol.MaxLineLength,
		idleTimeout: 50 * time.Millisecond,
	})

	dial(t, addr)
	waitForSessions(t, coord, 1)
	waitForSessions(t, coord, 0)
}
