package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/Seednode/tracebox/progress"
	"github.com/Seednode/tracebox/shape"
)

// MaxMessageSize bounds how much an Assembler buffers before giving up on a
// message that never ends.
const MaxMessageSize = 1 << 24

var (
	ErrMessageTooLarge = errors.New("chunked message too large")
	ErrInvalidMessage  = errors.New("invalid state message")
)

type Kind int

const (
	KindProgress Kind = iota
	KindRoundStart
)

func (k Kind) String() string {
	switch k {
	case KindRoundStart:
		return "round_start"
	case KindProgress:
		return "progress"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// RoundStart is broadcast when a round begins: both paths and the initial
// player state.
type RoundStart struct {
	Shapes  [2]shape.Path      `json:"shapes"`
	Players [2]progress.Player `json:"players"`
}

// Progress is broadcast after every move that does not end the round.
type Progress struct {
	Players [2]progress.Player `json:"players"`
}

// Message is a decoded state broadcast.
type Message struct {
	Kind    Kind
	Shapes  [2]shape.Path
	Players [2]progress.Player
}

type wireMessage struct {
	Shapes  []shape.Path      `json:"shapes" validate:"omitempty,len=2,dive,min=1,dive"`
	Players []progress.Player `json:"players" validate:"len=2"`
}

// Encode serializes msg as JSON and splits it into lines no longer than
// maxLine bytes, followed by the JSONEnd sentinel.
func Encode(msg any, maxLine int) ([]string, error) {
	if maxLine <= 0 {
		maxLine = MaxLineLength
	}

	b, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	lines := make([]string, 0, len(b)/maxLine+2)

	s := string(b)
	for len(s) > 0 {
		n := min(maxLine, len(s))
		// Never split inside a multi-byte rune.
		for n < len(s) && n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		if n == 0 {
			return nil, fmt.Errorf("line length %d too short for payload", maxLine)
		}

		lines = append(lines, s[:n])
		s = s[n:]
	}

	return append(lines, JSONEnd), nil
}

// Decode parses a complete JSON state message.
func Decode(b []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(b, &w); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}

	if w.Shapes != nil && len(w.Shapes) == 0 {
		return Message{}, fmt.Errorf("%w: empty shapes", ErrInvalidMessage)
	}
	if err := shape.Validate(w); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}

	m := Message{Kind: KindProgress}
	copy(m.Players[:], w.Players)

	if w.Shapes != nil {
		m.Kind = KindRoundStart
		copy(m.Shapes[:], w.Shapes)
	}

	return m, nil
}

// Assembler rebuilds state messages from their chunk lines.
type Assembler struct {
	buf strings.Builder
}

// Feed adds one received line. It returns the decoded message once the
// JSONEnd sentinel arrives.
func (a *Assembler) Feed(line string) (Message, bool, error) {
	if line != JSONEnd {
		if a.buf.Len()+len(line) > MaxMessageSize {
			a.buf.Reset()

			return Message{}, false, ErrMessageTooLarge
		}

		a.buf.WriteString(line)

		return Message{}, false, nil
	}

	data := a.buf.String()
	a.buf.Reset()

	m, err := Decode([]byte(data))
	if err != nil {
		return Message{}, false, err
	}

	return m, true, nil
}

// Pending reports whether part of a message has been buffered.
func (a *Assembler) Pending() bool {
	return a.buf.Len() > 0
}

// Reset discards any partially received message.
func (a *Assembler) Reset() {
	a.buf.Reset()
}
