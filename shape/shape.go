/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package shape holds the geometry shared by the server and its clients:
// normalized points, densely sampled paths and the round library.
package shape

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

var (
	ErrInvalidInput   = errors.New("invalid shape input")
	ErrInvalidPolygon = fmt.Errorf("%w: polygon needs at least 3 vertices", ErrInvalidInput)
	ErrInvalidSpacing = fmt.Errorf("%w: spacing must be positive", ErrInvalidInput)
)

// Point is a position in the unit square. Values outside [0,1] are carried
// as-is.
type Point struct {
	X float64 `validate:"finite"`
	Y float64 `validate:"finite"`
}

// Path is the ordered list of checkpoints one player traces in a round.
type Path []Point

func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{p.X, p.Y})
}

func (p *Point) UnmarshalJSON(b []byte) error {
	var xy []float64
	if err := json.Unmarshal(b, &xy); err != nil {
		return err
	}
	if len(xy) != 2 {
		return fmt.Errorf("point must have 2 coordinates, got %d", len(xy))
	}

	p.X, p.Y = xy[0], xy[1]

	return nil
}

func (p Point) String() string {
	return fmt.Sprintf("%g,%g", p.X, p.Y)
}

// Dist returns the Euclidean distance between a and b.
func Dist(a, b Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// Sample densifies a closed polygon. Every vertex is kept, and each edge
// (including last→first) is split into floor(length/spacing) equal steps.
// Edges shorter than spacing contribute only their start vertex.
func Sample(polygon []Point, spacing float64) (Path, error) {
	if len(polygon) < 3 {
		return nil, ErrInvalidPolygon
	}
	if !(spacing > 0) {
		return nil, ErrInvalidSpacing
	}

	path := make(Path, 0, len(polygon))

	for i, cur := range polygon {
		next := polygon[(i+1)%len(polygon)]
		path = append(path, cur)

		n := int(math.Floor(Dist(cur, next) / spacing))
		if n == 0 {
			continue
		}

		dx := (next.X - cur.X) / float64(n)
		dy := (next.Y - cur.Y) / float64(n)

		x, y := cur.X, cur.Y
		for range n {
			x += dx
			y += dy
			path = append(path, Point{X: x, Y: y})
		}
	}

	return path, nil
}
