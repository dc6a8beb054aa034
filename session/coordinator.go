package session

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/Seednode/tracebox/progress"
	"github.com/Seednode/tracebox/protocol"
	"github.com/Seednode/tracebox/shape"
)

const (
	// MaxPlayers is the size of a pair.
	MaxPlayers = 2

	defaultQueueSize  = 256
	defaultCloseGrace = time.Second
	inboxSize         = 256
)

var (
	ErrFull    = errors.New("game already has two players")
	ErrStopped = errors.New("coordinator stopped")
)

// EventLog receives the human-readable record of the game.
type EventLog interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
}

type Config struct {
	Library *shape.Library
	Events  EventLog
	// Logf receives operational messages. Nil discards them.
	Logf func(format string, args ...any)

	Radius float64
	Margin float64
	// MaxLine is the chunk size for state broadcasts.
	MaxLine int
	// QueueSize is the per-session outbound line buffer.
	QueueSize int
	// CloseGrace bounds how long a dropped session may take to flush its
	// queue before the transport is closed.
	CloseGrace time.Duration
}

type registration struct {
	transport Transport
	reply     chan registerResult
}

type registerResult struct {
	session *Session
	err     error
}

type inbound struct {
	session *Session
	line    string
	// set when the transport is gone; queued behind the session's lines
	gone bool
}

// Coordinator owns one pair of sessions, the current round and the position
// in the shape library. All of that state is touched only by the Run
// goroutine; the exported methods post to its mailbox.
type Coordinator struct {
	library *shape.Library
	events  EventLog
	logf    func(format string, args ...any)
	opts    progress.Options
	maxLine int
	qsize   int
	grace   time.Duration

	register chan registration
	inbox    chan inbound
	status   chan chan Status
	done     chan struct{}

	sessions []*Session
	cursor   int
	round    *progress.Tracker
	// slots are ordered by name once per pairing
	ordered bool
}

func New(cfg Config) *Coordinator {
	c := &Coordinator{
		library:  cfg.Library,
		events:   cfg.Events,
		logf:     cfg.Logf,
		maxLine:  cfg.MaxLine,
		qsize:    cfg.QueueSize,
		grace:    cfg.CloseGrace,
		register: make(chan registration),
		inbox:    make(chan inbound, inboxSize),
		status:   make(chan chan Status),
		done:     make(chan struct{}),
		opts: progress.Options{
			Radius: cfg.Radius,
			Margin: cfg.Margin,
		},
	}

	if c.events == nil {
		c.events = discard{}
	}
	if c.logf == nil {
		c.logf = func(string, ...any) {}
	}
	if c.maxLine <= 0 {
		c.maxLine = protocol.MaxLineLength
	}
	if c.qsize <= 0 {
		c.qsize = defaultQueueSize
	}
	if c.grace <= 0 {
		c.grace = defaultCloseGrace
	}
	if c.opts.Radius <= 0 {
		c.opts.Radius = progress.DefaultRadius
	}
	if c.opts.Margin <= 0 {
		c.opts.Margin = progress.DefaultMargin
	}

	return c
}

// Run processes the mailbox until ctx is cancelled, then disconnects both
// players.
func (c *Coordinator) Run(ctx context.Context) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			if len(c.sessions) > 0 {
				c.resetConnections("server stopping")
			}
			return
		case reg := <-c.register:
			s, err := c.accept(reg.transport)
			reg.reply <- registerResult{session: s, err: err}
		case in := <-c.inbox:
			if in.gone {
				c.disconnect(in.session)
				continue
			}
			c.handleLine(in.session, in.line)
		case reply := <-c.status:
			reply <- c.snapshot()
		}
	}
}

// Done is closed once Run has returned.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Accept registers a new connection. It returns ErrFull when two players
// are already connected; the caller should close the transport.
func (c *Coordinator) Accept(t Transport) (*Session, error) {
	reply := make(chan registerResult, 1)

	select {
	case c.register <- registration{transport: t, reply: reply}:
	case <-c.done:
		return nil, ErrStopped
	}

	res := <-reply

	return res.session, res.err
}

// Receive hands one inbound line to the coordinator. Lines from a single
// connection must be passed in arrival order from one goroutine.
func (c *Coordinator) Receive(s *Session, line string) {
	select {
	case c.inbox <- inbound{session: s, line: line}:
	case <-c.done:
	}
}

// Disconnect reports that the session's transport is gone. Losing either
// player ends the pairing for both.
func (c *Coordinator) Disconnect(s *Session) {
	select {
	case c.inbox <- inbound{session: s, gone: true}:
	case <-c.done:
	}
}

func (c *Coordinator) accept(t Transport) (*Session, error) {
	if len(c.sessions) >= MaxPlayers {
		c.logf("CONNS: Rejected %s, game is full", t.RemoteAddr())
		c.events.Warnf("Rejected connection from %s, game is full", t.RemoteAddr())

		return nil, ErrFull
	}

	s := newSession(t, len(c.sessions), c.qsize, c.grace)
	c.sessions = append(c.sessions, s)

	go s.writePump()

	c.logf("CONNS: %s connected in slot %d (%d/%d)", s, s.slot, len(c.sessions), MaxPlayers)

	return s, nil
}

func (c *Coordinator) tracked(s *Session) bool {
	return slices.Contains(c.sessions, s)
}

func (c *Coordinator) handleLine(s *Session, line string) {
	if !c.tracked(s) {
		return
	}

	switch s.state {
	case Wait:
		name, ok := protocol.ParseReady(line)
		if !ok {
			return
		}
		c.clientReady(s, name)
	case Game:
		pos, err := protocol.ParsePosition(line)
		if err != nil {
			c.logf("CONNS: Dropped line from %s: %v", s, err)
			return
		}
		c.playerMove(s, pos)
	}
}

func (c *Coordinator) clientReady(s *Session, name string) {
	s.setReady(name)

	c.logf("GAMES: %s is ready as %q", s, name)
	c.events.Infof("Player ready: %d-%s", s.slot, name)

	if len(c.sessions) != MaxPlayers {
		return
	}
	for _, other := range c.sessions {
		if other.state != Ready {
			return
		}
	}

	c.startRound()
}

func (c *Coordinator) startRound() {
	if c.cursor >= c.library.Len() {
		c.round = nil

		ok := true
		for _, s := range c.sessions {
			ok = s.setFinished() && ok
		}

		c.logf("GAMES: Shape library exhausted after %d rounds", c.library.Len())
		c.events.Infof("Game finished")

		if !ok {
			c.resetConnections("send queue full")
		}

		return
	}

	if !c.ordered {
		if c.sessions[0].name > c.sessions[1].name {
			c.sessions[0], c.sessions[1] = c.sessions[1], c.sessions[0]
		}
		for i, s := range c.sessions {
			s.slot = i
		}
		c.ordered = true
	}

	r, _ := c.library.Round(c.cursor)
	c.cursor++

	opts := c.opts
	opts.UseMargin = r.UseMargin

	round, err := progress.New(r.A, r.B, opts)
	if err != nil {
		c.logf("GAMES: Unable to start round %d: %v", c.cursor, err)
		c.events.Warnf("Unable to start shape %d/%d: %v", c.cursor, c.library.Len(), err)
		c.resetConnections("invalid round")

		return
	}
	c.round = round

	ok := true
	for _, s := range c.sessions {
		ok = s.setGame() && ok
	}
	if !ok || !c.broadcast(protocol.RoundStart{Shapes: round.Paths(), Players: round.Players()}) {
		c.resetConnections("send queue full")
		return
	}

	c.logf("GAMES: Started shape %d/%d for %s and %s", c.cursor, c.library.Len(), c.sessions[0], c.sessions[1])
	c.events.Infof("Game started, shape %d/%d", c.cursor, c.library.Len())
}

func (c *Coordinator) playerMove(s *Session, pos shape.Point) {
	if c.round == nil {
		return
	}

	c.events.Infof("player: %d-%s, move: %s", s.slot, s.name, pos)

	if c.round.Update(s.slot, pos) {
		c.gameVictory()
		return
	}

	if c.round.MarginReset() {
		c.events.Infof("Progress margin exceeded by %d-%s, both players reset", s.slot, s.name)
	}

	if !c.broadcast(protocol.Progress{Players: c.round.Players()}) {
		c.resetConnections("send queue full")
	}
}

func (c *Coordinator) gameVictory() {
	c.round = nil

	c.logf("GAMES: Shape %d/%d completed", c.cursor, c.library.Len())
	c.events.Infof("Victory, shape %d/%d", c.cursor, c.library.Len())

	ok := true
	for _, s := range c.sessions {
		ok = s.setWait() && ok
	}
	if !ok {
		c.resetConnections("send queue full")
	}
}

func (c *Coordinator) broadcast(msg any) bool {
	lines, err := protocol.Encode(msg, c.maxLine)
	if err != nil {
		c.logf("GAMES: Unable to encode state: %v", err)
		return false
	}

	ok := true
	for _, s := range c.sessions {
		ok = s.enqueue(lines...) && ok
	}

	return ok
}

func (c *Coordinator) disconnect(s *Session) {
	if !c.tracked(s) {
		return
	}

	c.resetConnections("lost " + s.String())
}

// resetConnections drops both players and any round in progress. The
// library cursor is kept, so the next pair continues with the next shape.
func (c *Coordinator) resetConnections(reason string) {
	for _, s := range c.sessions {
		s.close()
	}

	c.sessions = nil
	c.round = nil
	c.ordered = false

	c.logf("CONNS: Reset connections (%s)", reason)
	c.events.Infof("Connections reset: %s", reason)
}

type discard struct{}

func (discard) Infof(string, ...any) {}
func (discard) Warnf(string, ...any) {}
