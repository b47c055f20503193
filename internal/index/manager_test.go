package index

import (
	"errors"
	"testing"

	"polarview/internal/atlas"
	"polarview/internal/tile"
)

func addr(h tile.Hemisphere, zoom, x, y int) tile.Address {
	return tile.Address{Hemisphere: h, Zoom: zoom, X: x, Y: y}
}

func set(addrs ...tile.Address) tile.Set {
	s := make(tile.Set)
	for _, a := range addrs {
		s.Add(a)
	}
	return s
}

// cellsOf lists every non-empty cell of a region with its position.
func cellsOf(m *Manager, h tile.Hemisphere, zoom int) map[[2]int]atlas.Slot {
	out := make(map[[2]int]atlas.Slot)
	ox, oy := m.origin(h, zoom)
	for y := 0; y < m.window; y++ {
		for x := 0; x < m.window; x++ {
			px := m.tex.RGBAAt(ox+x, oy+y)
			if px.B == 0 {
				continue
			}
			out[[2]int{x, y}] = atlas.Slot{Atlas: int(px.B) - 1, CellX: int(px.R), CellY: int(px.G)}
		}
	}
	return out
}

func TestPutAndLookup(t *testing.T) {
	m := New(8, 6)
	a := addr(tile.Primary, 4, 3, 5)
	slot := atlas.Slot{Atlas: 0, CellX: 7, CellY: 2}

	if _, ok := m.Lookup(a); ok {
		t.Fatal("lookup hit on an empty index")
	}
	m.Put(a, slot)
	got, ok := m.Lookup(a)
	if !ok || got != slot {
		t.Fatalf("lookup = %v ok=%v, want %v", got, ok, slot)
	}

	m.Remove(a)
	if _, ok := m.Lookup(a); ok {
		t.Fatal("lookup hit after remove")
	}
	if len(cellsOf(m, tile.Primary, 4)) != 0 {
		t.Fatal("region not empty after remove")
	}
}

func TestHemispheresAreSeparate(t *testing.T) {
	m := New(8, 6)
	m.Put(addr(tile.Primary, 3, 1, 1), atlas.Slot{CellX: 1})
	if _, ok := m.Lookup(addr(tile.Antipodal, 3, 1, 1)); ok {
		t.Fatal("antipodal lookup hit a primary tile")
	}
}

func TestWindowShiftDropsTilesOutsideWindow(t *testing.T) {
	m := New(8, 6)
	const zoom = 5
	a := addr(tile.Primary, zoom, 2, 2)
	b := addr(tile.Primary, zoom, 6, 3)
	c := addr(tile.Primary, zoom, 10, 2)

	if err := m.Observe(set(a, b)); err != nil {
		t.Fatal(err)
	}
	m.Put(a, atlas.Slot{CellX: 1})
	m.Put(b, atlas.Slot{CellX: 2})
	m.Put(c, atlas.Slot{CellX: 3}) // outside the first window
	if _, ok := m.Lookup(c); ok {
		t.Fatal("tile outside the window was indexed")
	}
	if m.Shifts() != 0 {
		t.Fatalf("unexpected shift, window %v", m.Window(tile.Primary, zoom))
	}

	if err := m.Observe(set(c, addr(tile.Primary, zoom, 12, 3))); err != nil {
		t.Fatal(err)
	}
	w := m.Window(tile.Primary, zoom)
	if w != (Window{OffsetX: 2, OffsetY: 0}) {
		t.Fatalf("window = %+v", w)
	}
	if m.Registers(tile.Primary, zoom) != w {
		t.Fatalf("registers = %+v, want %+v", m.Registers(tile.Primary, zoom), w)
	}

	for _, gone := range []tile.Address{a, b} {
		if _, ok := m.Lookup(gone); ok {
			t.Fatalf("%v still indexed after shift", gone)
		}
	}
	if got, ok := m.Lookup(c); !ok || got.CellX != 3 {
		t.Fatalf("re-projected tile lookup = %v ok=%v", got, ok)
	}

	// Every remaining cell must point at a resident tile whose local cell
	// is that position.
	for pos, slot := range cellsOf(m, tile.Primary, zoom) {
		found := false
		for res, s := range m.regions[tile.Primary][zoom].resident {
			lx, ly, ok := m.local(res, w)
			if ok && lx == pos[0] && ly == pos[1] && s == slot {
				found = true
			}
		}
		if !found {
			t.Fatalf("stale cell at %v -> %v", pos, slot)
		}
	}

	// Shifting back restores the earlier tiles from the side table.
	if err := m.Observe(set(a)); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Lookup(a); !ok {
		t.Fatal("tile not restored after shifting back")
	}
	if _, ok := m.Lookup(c); ok {
		t.Fatal("tile outside the restored window still indexed")
	}
}

func TestAntimeridianRangeIsContiguous(t *testing.T) {
	m := New(4, 6)
	const zoom = 3
	east := addr(tile.Primary, zoom, 7, 1)
	west := addr(tile.Primary, zoom, 0, 1)

	if err := m.Observe(set(east, west)); err != nil {
		t.Fatalf("wrapped range rejected: %v", err)
	}
	m.Put(east, atlas.Slot{CellX: 1})
	m.Put(west, atlas.Slot{CellX: 2})

	ex, _, okE := m.local(east, m.Window(tile.Primary, zoom))
	wx, _, okW := m.local(west, m.Window(tile.Primary, zoom))
	if !okE || !okW || wx != ex+1 {
		t.Fatalf("east local %d (%v), west local %d (%v)", ex, okE, wx, okW)
	}
	if _, ok := m.Lookup(east); !ok {
		t.Fatal("east tile not indexed")
	}
	if _, ok := m.Lookup(west); !ok {
		t.Fatal("west tile not indexed")
	}
}

func TestObserveOverflow(t *testing.T) {
	m := New(8, 10)
	before := m.Window(tile.Antipodal, 9)
	err := m.Observe(set(addr(tile.Antipodal, 9, 100, 5), addr(tile.Antipodal, 9, 100, 40)))
	if !errors.Is(err, ErrWindowOverflow) {
		t.Fatalf("expected ErrWindowOverflow, got %v", err)
	}
	if m.Window(tile.Antipodal, 9) != before {
		t.Fatal("window moved on overflow")
	}
}

func TestNegativeOffsetRegisters(t *testing.T) {
	m := New(8, 6)
	if err := m.Observe(set(addr(tile.Primary, 6, 30, -3))); err != nil {
		t.Fatal(err)
	}
	want := Window{OffsetX: 7, OffsetY: -1}
	if got := m.Registers(tile.Primary, 6); got != want {
		t.Fatalf("registers = %+v, want %+v", got, want)
	}
}

func TestZoomsOutsideRangeIgnored(t *testing.T) {
	m := New(8, 4)
	a := addr(tile.Primary, 9, 0, 0)
	if err := m.Observe(set(a)); err != nil {
		t.Fatal(err)
	}
	m.Put(a, atlas.Slot{})
	if _, ok := m.Lookup(a); ok {
		t.Fatal("lookup hit for a zoom outside the index")
	}
}
