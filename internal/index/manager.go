package index

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"

	"go.uber.org/multierr"

	"polarview/internal/atlas"
	"polarview/internal/tile"
)

// ErrWindowOverflow means the visible range of one region is wider than the
// index window. The region keeps its previous window when this happens.
var ErrWindowOverflow = errors.New("index: visible range does not fit the index window")

type region struct {
	window   Window
	resident map[tile.Address]atlas.Slot
}

// Manager keeps the index texture consistent with the per-region windows.
//
// The texture holds one region per (hemisphere, zoom), laid out by zoom
// along X and by hemisphere along Y. A region is window texels wide and
// window+1 tall; its last row carries the offset registers in texels 0
// (offset_x) and 1 (offset_y) as little-endian int32.
//
// A cell is either all zero (empty) or R=cell_x, G=cell_y, B=atlas+1, A=255.
type Manager struct {
	window  int
	half    int
	maxZoom int

	tex     *image.RGBA
	regions [2][]region
	shifts  uint64
}

// New creates a manager for zooms 0..maxZoom. window must be even.
func New(window, maxZoom int) *Manager {
	m := &Manager{
		window:  window,
		half:    window / 2,
		maxZoom: maxZoom,
		tex:     image.NewRGBA(image.Rect(0, 0, window*(maxZoom+1), 2*(window+1))),
	}
	for h := range m.regions {
		m.regions[h] = make([]region, maxZoom+1)
		for z := range m.regions[h] {
			m.regions[h][z].resident = make(map[tile.Address]atlas.Slot)
		}
	}
	return m
}

func (m *Manager) covers(a tile.Address) bool {
	return a.Zoom >= 0 && a.Zoom <= m.maxZoom && a.Hemisphere <= tile.Antipodal
}

func (m *Manager) origin(h tile.Hemisphere, zoom int) (int, int) {
	return zoom * m.window, int(h) * (m.window + 1)
}

// local returns the cell of a inside window w.
func (m *Manager) local(a tile.Address, w Window) (int, int, bool) {
	lx := tile.Mod(a.X-w.OffsetX*m.half, tile.Span(a.Zoom))
	ly := a.Y - w.OffsetY*m.half
	ok := lx >= 0 && lx < m.window && ly >= 0 && ly < m.window
	return lx, ly, ok
}

// Observe moves the window of every region with visible tiles so that it
// covers them.
func (m *Manager) Observe(visible tile.Set) error {
	type key struct {
		h tile.Hemisphere
		z int
	}
	boxes := make(map[key]*bounds)
	for a := range visible {
		if !m.covers(a) {
			continue
		}
		k := key{a.Hemisphere, a.Zoom}
		if b, ok := boxes[k]; ok {
			b.add(a)
		} else {
			boxes[k] = newBounds(a)
		}
	}

	var errs error
	for k, b := range boxes {
		n := tile.Span(k.z)
		want := Window{
			OffsetX: tile.FloorDiv(b.circularMinX(n), m.half),
			OffsetY: tile.FloorDiv(b.minY, m.half),
		}

		if !m.fits(k.h, k.z, b, want) {
			errs = multierr.Append(errs, fmt.Errorf("%w: %s zoom %d", ErrWindowOverflow, k.h, k.z))
			continue
		}
		if want != m.regions[k.h][k.z].window {
			m.shift(k.h, k.z, want)
		}
	}
	return errs
}

func (m *Manager) fits(h tile.Hemisphere, zoom int, b *bounds, w Window) bool {
	for x := range b.xs {
		probe := tile.Address{Hemisphere: h, Zoom: zoom, X: x, Y: b.minY}
		if _, _, ok := m.local(probe, w); !ok {
			return false
		}
	}
	return b.maxY-w.OffsetY*m.half < m.window
}

// shift installs a new window for one region and re-projects the region's
// resident tiles into it. Tiles that fall outside lose their cell only.
func (m *Manager) shift(h tile.Hemisphere, zoom int, w Window) {
	r := &m.regions[h][zoom]
	r.window = w
	m.shifts++

	ox, oy := m.origin(h, zoom)
	for y := 0; y < m.window; y++ {
		i := m.tex.PixOffset(ox, oy+y)
		clear(m.tex.Pix[i : i+m.window*4])
	}
	m.writeRegisters(h, zoom, w)

	for a, slot := range r.resident {
		if lx, ly, ok := m.local(a, w); ok {
			m.writeCell(ox+lx, oy+ly, slot)
		}
	}
}

func (m *Manager) writeRegisters(h tile.Hemisphere, zoom int, w Window) {
	ox, oy := m.origin(h, zoom)
	i := m.tex.PixOffset(ox, oy+m.window)
	binary.LittleEndian.PutUint32(m.tex.Pix[i:i+4], uint32(int32(w.OffsetX)))
	binary.LittleEndian.PutUint32(m.tex.Pix[i+4:i+8], uint32(int32(w.OffsetY)))
}

func (m *Manager) writeCell(x, y int, slot atlas.Slot) {
	i := m.tex.PixOffset(x, y)
	m.tex.Pix[i+0] = uint8(slot.CellX)
	m.tex.Pix[i+1] = uint8(slot.CellY)
	m.tex.Pix[i+2] = uint8(slot.Atlas + 1)
	m.tex.Pix[i+3] = 0xff
}

func (m *Manager) clearCell(x, y int) {
	i := m.tex.PixOffset(x, y)
	clear(m.tex.Pix[i : i+4])
}

// Put records a as resident in slot and indexes it when it falls inside the
// current window.
func (m *Manager) Put(a tile.Address, slot atlas.Slot) {
	if !m.covers(a) {
		return
	}
	r := &m.regions[a.Hemisphere][a.Zoom]
	r.resident[a] = slot
	if lx, ly, ok := m.local(a, r.window); ok {
		ox, oy := m.origin(a.Hemisphere, a.Zoom)
		m.writeCell(ox+lx, oy+ly, slot)
	}
}

// Remove forgets a and clears its cell.
func (m *Manager) Remove(a tile.Address) {
	if !m.covers(a) {
		return
	}
	r := &m.regions[a.Hemisphere][a.Zoom]
	if _, ok := r.resident[a]; !ok {
		return
	}
	delete(r.resident, a)
	if lx, ly, ok := m.local(a, r.window); ok {
		ox, oy := m.origin(a.Hemisphere, a.Zoom)
		m.clearCell(ox+lx, oy+ly)
	}
}

// Lookup reads the texture the way a shader would.
func (m *Manager) Lookup(a tile.Address) (atlas.Slot, bool) {
	if !m.covers(a) {
		return atlas.Slot{}, false
	}
	lx, ly, ok := m.local(a, m.regions[a.Hemisphere][a.Zoom].window)
	if !ok {
		return atlas.Slot{}, false
	}
	ox, oy := m.origin(a.Hemisphere, a.Zoom)
	i := m.tex.PixOffset(ox+lx, oy+ly)
	px := m.tex.Pix[i : i+4]
	if px[2] == 0 {
		return atlas.Slot{}, false
	}
	return atlas.Slot{Atlas: int(px[2]) - 1, CellX: int(px[0]), CellY: int(px[1])}, true
}

// Window returns the current window of a region.
func (m *Manager) Window(h tile.Hemisphere, zoom int) Window {
	return m.regions[h][zoom].window
}

// Registers decodes the window offset stored in the texture itself.
func (m *Manager) Registers(h tile.Hemisphere, zoom int) Window {
	ox, oy := m.origin(h, zoom)
	i := m.tex.PixOffset(ox, oy+m.window)
	return Window{
		OffsetX: int(int32(binary.LittleEndian.Uint32(m.tex.Pix[i : i+4]))),
		OffsetY: int(int32(binary.LittleEndian.Uint32(m.tex.Pix[i+4 : i+8]))),
	}
}

// Windows returns every region's window, indexed by hemisphere then zoom.
func (m *Manager) Windows() [2][]Window {
	var out [2][]Window
	for h := range m.regions {
		out[h] = make([]Window, len(m.regions[h]))
		for z, r := range m.regions[h] {
			out[h][z] = r.window
		}
	}
	return out
}

// Texture returns the index texture.
func (m *Manager) Texture() *image.RGBA {
	return m.tex
}

// Shifts returns the number of window shifts so far.
func (m *Manager) Shifts() uint64 {
	return m.shifts
}

// WindowSize returns the number of cells per region side.
func (m *Manager) WindowSize() int {
	return m.window
}
