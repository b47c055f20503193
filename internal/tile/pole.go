package tile

import "math"

// MaxLatitude is the Web Mercator latitude limit.
const MaxLatitude = 85.05112878

// LonLat is a reference point in degrees.
type LonLat struct {
	Lon float64 `json:"lon" validate:"gte=-180,lte=180"`
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
}

// Antipode returns the point on the opposite side of the globe.
func (p LonLat) Antipode() LonLat {
	lon := p.Lon + 180
	if lon >= 180 {
		lon -= 360
	}
	return LonLat{Lon: lon, Lat: -p.Lat}
}

// Point is an unwrapped tile coordinate.
type Point struct {
	X, Y int
}

// TileOf returns the tile containing p at zoom.
func TileOf(p LonLat, zoom int) Point {
	n := Span(zoom)
	lat := math.Max(-MaxLatitude, math.Min(MaxLatitude, p.Lat))
	latRad := lat * math.Pi / 180

	fx := (p.Lon + 180) / 360 * float64(n)
	fy := (1 - math.Asinh(math.Tan(latRad))/math.Pi) / 2 * float64(n)

	x := Mod(int(math.Floor(fx)), n)
	y := int(math.Floor(fy))
	if y < 0 {
		y = 0
	}
	if y >= n {
		y = n - 1
	}
	return Point{X: x, Y: y}
}

// PoleTable holds, per hemisphere and zoom, the tile under the reference
// point (Primary) or its antipode (Antipodal).
type PoleTable struct {
	ref   LonLat
	tiles [2][MaxCodecZoom + 1]Point
}

// NewPoleTable precomputes pole tiles for every codec zoom.
func NewPoleTable(ref LonLat) *PoleTable {
	t := &PoleTable{ref: ref}
	anti := ref.Antipode()
	for z := 0; z <= MaxCodecZoom; z++ {
		t.tiles[Primary][z] = TileOf(ref, z)
		t.tiles[Antipodal][z] = TileOf(anti, z)
	}
	return t
}

// Reference returns the point the table was built from.
func (t *PoleTable) Reference() LonLat {
	return t.ref
}

// Pole returns the pole tile for h at zoom.
func (t *PoleTable) Pole(h Hemisphere, zoom int) Point {
	return t.tiles[h&1][zoom]
}

// Decode expands a packed sample into an absolute address.
func (t *PoleTable) Decode(p Packed) Address {
	h, zoom, dx, dy := p.Unpack()
	pole := t.Pole(h, zoom)
	return Address{
		Hemisphere: h,
		Zoom:       zoom,
		X:          Mod(pole.X+dx, Span(zoom)),
		Y:          pole.Y + dy,
	}
}

// Encode packs a relative to the pole tile of its hemisphere and zoom.
func (t *PoleTable) Encode(a Address) (Packed, error) {
	if a.Zoom < 0 || a.Zoom > MaxCodecZoom {
		return 0, ErrZoomOutOfRange
	}
	n := Span(a.Zoom)
	pole := t.Pole(a.Hemisphere, a.Zoom)

	dx := Mod(a.X-pole.X, n)
	if dx >= n/2 && n > 1 {
		dx -= n
	}
	return Pack(a.Hemisphere, a.Zoom, dx, a.Y-pole.Y)
}
