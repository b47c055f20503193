package tile

import "fmt"

// Hemisphere selects the pole-centered view or its antipodal counterpart.
type Hemisphere uint8

const (
	Primary Hemisphere = iota
	Antipodal
)

func (h Hemisphere) String() string {
	if h == Antipodal {
		return "antipodal"
	}
	return "primary"
}

// MaxCodecZoom is the largest zoom the 5-bit zoom field can carry.
const MaxCodecZoom = 31

// Address identifies one map tile on one hemisphere.
// X is defined modulo 2^Zoom, Y is not reduced.
type Address struct {
	Hemisphere Hemisphere
	Zoom       int
	X          int
	Y          int
}

// Set is a deduplicated collection of visible tiles.
type Set map[Address]struct{}

// Add inserts a into the set.
func (s Set) Add(a Address) {
	s[a] = struct{}{}
}

// Has reports whether a is in the set.
func (s Set) Has(a Address) bool {
	_, ok := s[a]
	return ok
}

// Span returns the number of tiles along one axis at zoom.
func Span(zoom int) int {
	return 1 << uint(zoom)
}

// Mod reduces v into [0, n).
func Mod(v, n int) int {
	r := v % n
	if r < 0 {
		r += n
	}
	return r
}

// FloorDiv divides rounding toward negative infinity.
func FloorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// Wrap returns a with X reduced modulo 2^Zoom.
func (a Address) Wrap() Address {
	a.X = Mod(a.X, Span(a.Zoom))
	return a
}

// InWorld reports whether Y lies inside the Web Mercator tile grid.
func (a Address) InWorld() bool {
	return a.Y >= 0 && a.Y < Span(a.Zoom)
}

func (a Address) String() string {
	return fmt.Sprintf("%s/%d/%d/%d", a.Hemisphere, a.Zoom, a.X, a.Y)
}
