// Package protocol implements the line-oriented wire format spoken between
// the server and its players.
//
// Control lines are plain words ("ready <name>", "start <slot>", "reset",
// "finish") and positions are "<x>,<y>". State broadcasts are JSON, split
// into lines of at most MaxLineLength bytes and terminated by a JSONEnd line.
package protocol

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/Seednode/tracebox/shape"
)

const (
	MsgReady  = "ready"
	MsgStart  = "start"
	MsgReset  = "reset"
	MsgFinish = "finish"
	JSONEnd   = "json_end"
)

// MaxLineLength is the longest line either side is expected to accept.
const MaxLineLength = 16384

// Delimiter terminates every outbound line.
const Delimiter = "\r\n"

var (
	ErrMalformedPosition = errors.New("malformed position line")
	ErrMalformedStart    = errors.New("malformed start line")
)

// ParseReady returns the display name carried by a "ready" line.
func ParseReady(line string) (string, bool) {
	rest, ok := strings.CutPrefix(line, MsgReady)
	if !ok {
		return "", false
	}
	if rest == "" {
		return "", true
	}

	name, ok := strings.CutPrefix(rest, " ")
	if !ok {
		return "", false
	}

	return name, true
}

func Ready(name string) string {
	return MsgReady + " " + name
}

// ParsePosition decodes an "x,y" line.
func ParsePosition(line string) (shape.Point, error) {
	fields := strings.Split(line, ",")
	if len(fields) != 2 {
		return shape.Point{}, fmt.Errorf("%w: want 2 fields, got %d", ErrMalformedPosition, len(fields))
	}

	var xy [2]float64
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return shape.Point{}, fmt.Errorf("%w: %q", ErrMalformedPosition, f)
		}
		xy[i] = v
	}

	return shape.Point{X: xy[0], Y: xy[1]}, nil
}

func Position(p shape.Point) string {
	return strconv.FormatFloat(p.X, 'g', -1, 64) + "," + strconv.FormatFloat(p.Y, 'g', -1, 64)
}

func Start(slot int) string {
	return MsgStart + " " + strconv.Itoa(slot)
}

// ParseStart returns the slot carried by a "start" line.
func ParseStart(line string) (int, error) {
	rest, ok := strings.CutPrefix(line, MsgStart+" ")
	if !ok {
		return 0, ErrMalformedStart
	}

	slot, err := strconv.Atoi(rest)
	if err != nil || (slot != 0 && slot != 1) {
		return 0, fmt.Errorf("%w: %q", ErrMalformedStart, rest)
	}

	return slot, nil
}
