// Package session pairs two connected players into a game and drives each
// connection through its protocol states.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Seednode/tracebox/protocol"
)

// Transport is the line-oriented connection to one player. SendLine adds
// the line delimiter itself.
type Transport interface {
	SendLine(line string) error
	Close() error
	RemoteAddr() string
}

// State is the protocol state of one connection.
type State int

const (
	// Wait: connected, waiting for a "ready" line.
	Wait State = iota
	// Ready: ready, waiting for the other player.
	Ready
	// Game: a round is in progress and position lines are accepted.
	Game
	// Finished: the shape library is exhausted. Terminal.
	Finished
)

func (s State) String() string {
	switch s {
	case Wait:
		return "WAIT"
	case Ready:
		return "READY"
	case Game:
		return "GAME"
	case Finished:
		return "FINISHED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session is one connected player. Its id, transport and channels are set
// at construction and safe to use from any goroutine; every other field is
// owned by the Coordinator goroutine.
type Session struct {
	id        string
	transport Transport

	slot  int
	name  string
	state State

	send      chan string
	drained   chan struct{}
	grace     time.Duration
	closeOnce sync.Once
}

func newSession(t Transport, slot, queueSize int, grace time.Duration) *Session {
	return &Session{
		id:        uuid.NewString()[:8],
		transport: t,
		slot:      slot,
		state:     Wait,
		send:      make(chan string, queueSize),
		drained:   make(chan struct{}),
		grace:     grace,
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) RemoteAddr() string {
	return s.transport.RemoteAddr()
}

// String identifies the session in logs. It only reads fields fixed at
// construction, so transports may call it from their own goroutines.
func (s *Session) String() string {
	return fmt.Sprintf("%s(%s)", s.id, s.RemoteAddr())
}

// enqueue queues lines for the write pump. It reports false when the queue
// is full, which the coordinator treats as a lost peer.
func (s *Session) enqueue(lines ...string) bool {
	for _, line := range lines {
		select {
		case s.send <- line:
		default:
			return false
		}
	}

	return true
}

func (s *Session) setReady(name string) {
	s.state = Ready
	s.name = name
}

func (s *Session) setWait() bool {
	s.state = Wait

	return s.enqueue(protocol.MsgReset)
}

func (s *Session) setGame() bool {
	s.state = Game

	return s.enqueue(protocol.Start(s.slot))
}

func (s *Session) setFinished() bool {
	s.state = Finished

	return s.enqueue(protocol.MsgFinish)
}

// close stops the write pump. Queued lines are flushed for up to the
// session's grace period; a peer that is not reading by then has its
// transport closed under it.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.send)

		go func() {
			timer := time.NewTimer(s.grace)
			defer timer.Stop()

			select {
			case <-s.drained:
			case <-timer.C:
				_ = s.transport.Close()
			}
		}()
	})
}

func (s *Session) writePump() {
	defer close(s.drained)
	defer s.transport.Close()

	for line := range s.send {
		if err := s.transport.SendLine(line); err != nil {
			// Closing the transport ends the read side, which reports
			// the disconnect. Keep draining until the coordinator closes
			// the queue.
			_ = s.transport.Close()
			for range s.send {
			}
			return
		}
	}
}
