package bot

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/Seednode/tracebox/protocol"
	"github.com/Seednode/tracebox/session"
	"github.com/Seednode/tracebox/shape"
)

type pipeTransport struct {
	conn net.Conn
}

func (p *pipeTransport) SendLine(line string) error {
	_, err := io.WriteString(p.conn, line+protocol.Delimiter)
	return err
}

func (p *pipeTransport) Close() error {
	return p.conn.Close()
}

func (p *pipeTransport) RemoteAddr() string {
	return "pipe"
}

// connect attaches one end of a pipe to the coordinator and returns the
// other end for a bot.
func connect(t *testing.T, c *session.Coordinator) net.Conn {
	t.Helper()

	server, client := net.Pipe()

	s, err := c.Accept(&pipeTransport{conn: server})
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	go func() {
		defer c.Disconnect(s)

		scanner := bufio.NewScanner(server)
		for scanner.Scan() {
			c.Receive(s, scanner.Text())
		}
	}()

	return client
}

func square(t *testing.T) shape.Path {
	t.Helper()

	p, err := shape.Sample([]shape.Point{{X: 0, Y: 0}, {X: 0.2, Y: 0}, {X: 0.2, Y: 0.2}, {X: 0, Y: 0.2}}, 0.05)
	if err != nil {
		t.Fatal(err)
	}

	return p
}

func startCoordinator(t *testing.T, rounds ...shape.Round) *session.Coordinator {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	c := session.New(session.Config{Library: shape.NewLibrary(rounds...)})
	go c.Run(ctx)

	t.Cleanup(func() {
		cancel()
		<-c.Done()
	})

	return c
}

type result struct {
	bot *Bot
	err error
}

func play(ctx context.Context, conn net.Conn, cfg Config) <-chan result {
	out := make(chan result, 1)
	b := New(conn, cfg)

	go func() {
		out <- result{bot: b, err: b.Run(ctx)}
	}()

	return out
}

func wait(t *testing.T, ch <-chan result) result {
	t.Helper()

	select {
	case r := <-ch:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for bot")
		return result{}
	}
}

func TestBotsFinishLibrary(t *testing.T) {
	sq := square(t)
	c := startCoordinator(t,
		shape.Round{A: sq, B: sq, UseMargin: true},
		shape.Round{A: sq, B: sq[:len(sq)*3/4], UseMargin: true},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := play(ctx, connect(t, c), Config{Name: "amy", Interval: time.Millisecond})
	b := play(ctx, connect(t, c), Config{Name: "zed", Interval: time.Millisecond})

	for _, ch := range []<-chan result{a, b} {
		r := wait(t, ch)
		if r.err != nil {
			t.Fatalf("Run() = %v, want nil", r.err)
		}
		if got := r.bot.Rounds(); got != 2 {
			t.Errorf("Rounds() = %d, want 2", got)
		}
	}
}

func TestBotOnceLeavesAfterFirstRound(t *testing.T) {
	sq := square(t)
	c := startCoordinator(t,
		shape.Round{A: sq, B: sq, UseMargin: false},
		shape.Round{A: sq, B: sq, UseMargin: false},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := play(ctx, connect(t, c), Config{Name: "amy", Interval: time.Millisecond, Once: true})
	b := play(ctx, connect(t, c), Config{Name: "zed", Interval: time.Millisecond, Once: true})

	for _, ch := range []<-chan result{a, b} {
		r := wait(t, ch)
		if r.err != nil {
			t.Fatalf("Run() = %v, want nil", r.err)
		}
		if got := r.bot.Rounds(); got != 1 {
			t.Errorf("Rounds() = %d, want 1", got)
		}
	}
}

func TestBotReportsDisconnect(t *testing.T) {
	server, client := net.Pipe()

	go func() {
		line, _ := bufio.NewReader(server).ReadString('\n')
		if line != "ready solo\r\n" {
			t.Errorf("first line = %q", line)
		}
		_ = server.Close()
	}()

	r := wait(t, play(context.Background(), client, Config{Name: "solo"}))
	if !errors.Is(r.err, ErrDisconnected) {
		t.Fatalf("Run() = %v, want %v", r.err, ErrDisconnected)
	}
}

func TestBotStopsOnCancel(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	go func() {
		_, _ = io.Copy(io.Discard, server)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	ch := play(ctx, client, Config{Name: "solo"})

	time.Sleep(10 * time.Millisecond)
	cancel()

	if r := wait(t, ch); r.err != nil {
		t.Fatalf("Run() = %v, want nil", r.err)
	}
}

func TestNextHoldsBackWhenAhead(t *testing.T) {
	path := shape.Path{{X: 0}, {X: 0.1}, {X: 0.2}, {X: 0.3}, {X: 0.4}, {X: 0.5}, {X: 0.6}, {X: 0.7}, {X: 0.8}, {X: 0.9}}

	b := New(nil, Config{Lead: 0.1})
	b.round = &round{path: path, other: 10}

	tests := []struct {
		mine, theirs int
		want         bool
	}{
		{0, 0, true},
		{1, 0, true},
		{2, 0, false},
		{5, 4, true},
		{6, 4, false},
		{10, 10, false},
	}

	for _, tt := range tests {
		b.round.progress = [2]int{tt.mine, tt.theirs}

		p, ok := b.next()
		if ok != tt.want {
			t.Errorf("next() at %d/%d ok = %v, want %v", tt.mine, tt.theirs, ok, tt.want)
			continue
		}
		if ok && p != path[tt.mine] {
			t.Errorf("next() at %d = %v, want %v", tt.mine, p, path[tt.mine])
		}
	}
}

func TestNextWithoutRound(t *testing.T) {
	b := New(nil, Config{})

	if _, ok := b.next(); ok {
		t.Error("next() without a round should report false")
	}
}

func TestBotDropsPartialMessageOnControlLine(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	logged := make(chan string, 16)
	logf := func(format string, args ...any) {
		select {
		case logged <- format:
		default:
		}
	}

	go func() {
		r := bufio.NewReader(server)
		_, _ = r.ReadString('\n')
		_, _ = io.WriteString(server, `{"players":[`+"\r\n")
		_, _ = io.WriteString(server, "finish\r\n")
		_, _ = io.Copy(io.Discard, r)
	}()

	if r := wait(t, play(context.Background(), client, Config{Name: "solo", Logf: logf})); r.err != nil {
		t.Fatalf("Run() = %v, want nil", r.err)
	}

	close(logged)
	for format := range logged {
		if strings.HasPrefix(format, "BOT: Dropping partial state message") {
			return
		}
	}
	t.Fatal("partial state message was not reported")
}
