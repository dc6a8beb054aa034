// Package bot is a headless player. It readies up, then walks its own path
// one checkpoint at a time, holding back when it gets too far ahead of its
// partner so that margin resets stay rare.
package bot

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/Seednode/tracebox/protocol"
	"github.com/Seednode/tracebox/shape"
)

const (
	DefaultInterval = 20 * time.Millisecond
	// DefaultLead is how far, as a fraction of the path, the bot may run
	// ahead of its partner.
	DefaultLead = 0.1
)

var ErrDisconnected = errors.New("server closed the connection")

type Config struct {
	Name     string
	Interval time.Duration
	Lead     float64
	// Once makes the bot leave after its first won round instead of
	// readying again.
	Once bool
	Logf func(format string, args ...any)
}

// round is what the bot knows about the round in progress.
type round struct {
	path     shape.Path
	other    int
	progress [2]int
}

type Bot struct {
	conn io.ReadWriteCloser
	cfg  Config

	writeMu sync.Mutex

	mu     sync.Mutex
	slot   int
	round  *round
	rounds int

	tracer context.CancelFunc
	traced sync.WaitGroup
}

func New(conn io.ReadWriteCloser, cfg Config) *Bot {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Lead <= 0 {
		cfg.Lead = DefaultLead
	}
	if cfg.Logf == nil {
		cfg.Logf = func(string, ...any) {}
	}

	return &Bot{conn: conn, cfg: cfg}
}

// Rounds is the number of rounds won so far.
func (b *Bot) Rounds() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.rounds
}

func (b *Bot) send(line string) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	_, err := io.WriteString(b.conn, line+protocol.Delimiter)

	return err
}

// Run plays until the shape library is exhausted, the server drops the
// connection or ctx is cancelled. The connection is closed on return.
func (b *Bot) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = b.conn.Close()
	}()
	defer b.stopTracer()

	if err := b.send(protocol.Ready(b.cfg.Name)); err != nil {
		return err
	}

	var asm protocol.Assembler

	scanner := bufio.NewScanner(b.conn)
	scanner.Buffer(make([]byte, 0, 4096), protocol.MaxLineLength+len(protocol.Delimiter))

	for scanner.Scan() {
		line := scanner.Text()

		if isControl(line) && asm.Pending() {
			b.cfg.Logf("BOT: Dropping partial state message before %q", line)
			asm.Reset()
		}

		switch {
		case line == protocol.MsgFinish:
			b.cfg.Logf("BOT: Shape library finished after %d rounds", b.Rounds())
			return nil
		case line == protocol.MsgReset:
			b.stopTracer()

			b.mu.Lock()
			b.round = nil
			b.rounds++
			b.mu.Unlock()

			b.cfg.Logf("BOT: Round %d won", b.Rounds())

			if b.cfg.Once {
				return nil
			}
			if err := b.send(protocol.Ready(b.cfg.Name)); err != nil {
				return err
			}
		case strings.HasPrefix(line, protocol.MsgStart+" "):
			slot, err := protocol.ParseStart(line)
			if err != nil {
				return err
			}

			b.mu.Lock()
			b.slot = slot
			b.mu.Unlock()

			b.cfg.Logf("BOT: Playing slot %d", slot)
		default:
			msg, ok, err := asm.Feed(line)
			if err != nil {
				b.cfg.Logf("BOT: Discarding state message: %v", err)
				continue
			}
			if ok {
				b.apply(ctx, msg)
			}
		}
	}

	if ctx.Err() != nil {
		return nil
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	return ErrDisconnected
}

// isControl reports whether line is one of the server's control lines
// rather than a chunk of a state message.
func isControl(line string) bool {
	return line == protocol.MsgFinish || line == protocol.MsgReset ||
		strings.HasPrefix(line, protocol.MsgStart+" ")
}

func (b *Bot) apply(ctx context.Context, msg protocol.Message) {
	b.mu.Lock()

	switch msg.Kind {
	case protocol.KindRoundStart:
		b.round = &round{
			path:  msg.Shapes[b.slot],
			other: len(msg.Shapes[1-b.slot]),
		}
	case protocol.KindProgress:
		if b.round == nil {
			b.mu.Unlock()
			return
		}
	}

	b.round.progress[0] = msg.Players[b.slot].Checkpoint
	b.round.progress[1] = msg.Players[1-b.slot].Checkpoint
	start := msg.Kind == protocol.KindRoundStart

	b.mu.Unlock()

	if start {
		b.stopTracer()
		b.startTracer(ctx)
	}
}

func (b *Bot) startTracer(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	b.tracer = cancel

	b.traced.Add(1)
	go func() {
		defer b.traced.Done()
		b.trace(ctx)
	}()
}

func (b *Bot) stopTracer() {
	if b.tracer != nil {
		b.tracer()
		b.tracer = nil
	}
	b.traced.Wait()
}

// next returns the point to report, or false while the bot has finished its
// path or is too far ahead of its partner.
func (b *Bot) next() (shape.Point, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := b.round
	if r == nil || r.progress[0] >= len(r.path) {
		return shape.Point{}, false
	}

	mine := float64(r.progress[0]) / float64(len(r.path))
	theirs := 1.0
	if r.other > 0 {
		theirs = float64(r.progress[1]) / float64(r.other)
	}
	if mine-theirs > b.cfg.Lead {
		return shape.Point{}, false
	}

	return r.path[r.progress[0]], true
}

func (b *Bot) trace(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		p, ok := b.next()
		if !ok {
			continue
		}

		if err := b.send(protocol.Position(p)); err != nil {
			b.cfg.Logf("BOT: Sending position failed: %v", err)
			return
		}
	}
}
