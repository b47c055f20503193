package index

import (
	"sort"

	"polarview/internal/tile"
)

// Window is the offset of one (hemisphere, zoom) region, in half-window
// units.
type Window struct {
	OffsetX int `json:"offset_x"`
	OffsetY int `json:"offset_y"`
}

// bounds accumulates the visible tiles of one region during a pass.
type bounds struct {
	xs   map[int]struct{}
	minY int
	maxY int
}

func newBounds(a tile.Address) *bounds {
	return &bounds{
		xs:   map[int]struct{}{a.X: {}},
		minY: a.Y,
		maxY: a.Y,
	}
}

func (b *bounds) add(a tile.Address) {
	b.xs[a.X] = struct{}{}
	if a.Y < b.minY {
		b.minY = a.Y
	}
	if a.Y > b.maxY {
		b.maxY = a.Y
	}
}

// circularMinX returns the first column of the shortest arc covering every
// visible column, so a range crossing the antimeridian stays contiguous.
func (b *bounds) circularMinX(n int) int {
	xs := make([]int, 0, len(b.xs))
	for x := range b.xs {
		xs = append(xs, x)
	}
	sort.Ints(xs)

	first := xs[0]
	widest := xs[0] + n - xs[len(xs)-1]
	for i := 0; i+1 < len(xs); i++ {
		if gap := xs[i+1] - xs[i]; gap > widest {
			widest = gap
			first = xs[i+1]
		}
	}
	return first
}
