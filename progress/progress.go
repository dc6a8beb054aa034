// Package progress tracks how far two players have traced their paths in a
// single round.
package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/Seednode/tracebox/shape"
)

const (
	DefaultRadius = 0.04
	DefaultMargin = 0.2
)

var ErrEmptyPath = errors.New("path has no checkpoints")

// Player is one player's state within a round. Checkpoint is the index of
// the next point to reach, so it equals len(path) once the path is done.
type Player struct {
	Position   shape.Point
	Checkpoint int
}

// MarshalJSON encodes a player as [[x, y], checkpoint].
func (p Player) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.Position, p.Checkpoint})
}

func (p *Player) UnmarshalJSON(b []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(b, &parts); err != nil {
		return err
	}
	if len(parts) != 2 {
		return fmt.Errorf("player must have 2 elements, got %d", len(parts))
	}
	if err := json.Unmarshal(parts[0], &p.Position); err != nil {
		return err
	}

	return json.Unmarshal(parts[1], &p.Checkpoint)
}

type Options struct {
	// Radius is how close a position must land to the next checkpoint.
	Radius float64
	// Margin is the largest allowed gap between the players' completed
	// fractions before both are sent back to the start.
	Margin float64
	// UseMargin enables the margin rule.
	UseMargin bool
}

func DefaultOptions() Options {
	return Options{
		Radius:    DefaultRadius,
		Margin:    DefaultMargin,
		UseMargin: true,
	}
}

// Tracker holds the state of one round. It is not safe for concurrent use.
type Tracker struct {
	paths   [2]shape.Path
	players [2]Player
	opts    Options

	// set by the last Update when the margin rule fired
	marginReset bool
}

func New(a, b shape.Path, opts Options) (*Tracker, error) {
	if len(a) == 0 || len(b) == 0 {
		return nil, ErrEmptyPath
	}

	return &Tracker{
		paths: [2]shape.Path{a, b},
		players: [2]Player{
			{Position: a[0]},
			{Position: b[0]},
		},
		opts: opts,
	}, nil
}

// Update records a position for the given slot and reports whether both
// players have now reached the end of their paths.
//
// A player advances at most one checkpoint per call, however far the
// position is along the path.
func (t *Tracker) Update(slot int, pos shape.Point) bool {
	if slot < 0 || slot >= len(t.players) {
		return false
	}

	t.marginReset = false

	player := &t.players[slot]
	path := t.paths[slot]

	player.Position = pos

	if player.Checkpoint < len(path) && shape.Dist(path[player.Checkpoint], pos) <= t.opts.Radius {
		player.Checkpoint++
	}

	if t.opts.UseMargin && math.Abs(t.Progress(0)-t.Progress(1)) > t.opts.Margin {
		t.players[0].Checkpoint = 0
		t.players[1].Checkpoint = 0
		t.marginReset = true
	}

	return t.Finished()
}

// Finished reports whether both players have traced their whole path.
func (t *Tracker) Finished() bool {
	return t.players[0].Checkpoint == len(t.paths[0]) &&
		t.players[1].Checkpoint == len(t.paths[1])
}

// MarginReset reports whether the last Update sent both players back to
// the start.
func (t *Tracker) MarginReset() bool {
	return t.marginReset
}

// Progress returns the completed fraction of the slot's path.
func (t *Tracker) Progress(slot int) float64 {
	return float64(t.players[slot].Checkpoint) / float64(len(t.paths[slot]))
}

func (t *Tracker) Players() [2]Player {
	return t.players
}

func (t *Tracker) Paths() [2]shape.Path {
	return t.paths
}
