package engine

import (
	"errors"
	"image"
	"image/color"
	"testing"

	"go.uber.org/zap"

	"polarview/internal/fetch"
	"polarview/internal/index"
	"polarview/internal/tile"
	"polarview/internal/tilecache"
)

type fakeFetcher struct {
	refuse     bool
	dispatched []tile.Address
}

func (f *fakeFetcher) Dispatch(addr tile.Address) bool {
	if f.refuse {
		return false
	}
	f.dispatched = append(f.dispatched, addr)
	return true
}

func (f *fakeFetcher) take() []tile.Address {
	out := f.dispatched
	f.dispatched = nil
	return out
}

// threeSlots gives an engine with single-cell atlases and room for three
// tiles in total.
func threeSlots() Options {
	return Options{
		TileSize:    16,
		AtlasSize:   16,
		MaxAtlases:  3,
		BaseSize:    16,
		MaxZoom:     5,
		IndexWindow: 8,
	}
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *fakeFetcher) {
	t.Helper()
	f := &fakeFetcher{}
	return New(opts, f, zap.NewNop()), f
}

func at(zoom, x, y int) tile.Address {
	return tile.Address{Zoom: zoom, X: x, Y: y}
}

func set(addrs ...tile.Address) tile.Set {
	s := make(tile.Set, len(addrs))
	for _, a := range addrs {
		s.Add(a)
	}
	return s
}

func solid(c color.RGBA) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func mustApply(t *testing.T, e *Engine, visible tile.Set) {
	t.Helper()
	if err := e.ApplyCoverage(visible); err != nil {
		t.Fatalf("apply coverage: %v", err)
	}
}

func mustLoad(t *testing.T, e *Engine, addr tile.Address) {
	t.Helper()
	if err := e.Complete(fetch.Result{Tile: addr, Image: solid(color.RGBA{R: 200, A: 255})}); err != nil {
		t.Fatalf("complete %v: %v", addr, err)
	}
}

// checkReciprocity verifies that every loaded entry, its slot and its index
// cell all agree.
func checkReciprocity(t *testing.T, e *Engine, addrs ...tile.Address) {
	t.Helper()
	for _, a := range addrs {
		entry, ok := e.Entry(a)
		if !ok || entry.Status != tilecache.Loaded {
			continue
		}
		owner, ok := e.Occupant(entry.Slot)
		if !ok || owner != a {
			t.Errorf("slot %v owned by %v (%v), want %v", entry.Slot, owner, ok, a)
		}
		if slot, ok := e.Lookup(a); ok && slot != entry.Slot {
			t.Errorf("index maps %v to %v, cache says %v", a, slot, entry.Slot)
		}
	}
}

func TestMissIsDispatchedAndLoaded(t *testing.T) {
	e, f := newTestEngine(t, threeSlots())
	a := at(3, 2, 5)

	mustApply(t, e, set(a))
	if got := f.take(); len(got) != 1 || got[0] != a {
		t.Fatalf("dispatched %v, want [%v]", got, a)
	}
	if entry, _ := e.Entry(a); entry.Status != tilecache.Loading {
		t.Fatalf("status %v, want loading", entry.Status)
	}

	// A second pass must not fetch the tile again.
	mustApply(t, e, set(a))
	if got := f.take(); len(got) != 0 {
		t.Fatalf("re-dispatched %v", got)
	}

	mustLoad(t, e, a)
	entry, _ := e.Entry(a)
	if entry.Status != tilecache.Loaded {
		t.Fatalf("status %v, want loaded", entry.Status)
	}
	slot, ok := e.Lookup(a)
	if !ok || slot != entry.Slot {
		t.Fatalf("lookup %v/%v, want %v", slot, ok, entry.Slot)
	}
	tex, ok := e.AtlasTexture(slot.Atlas)
	if !ok {
		t.Fatalf("atlas %d missing", slot.Atlas)
	}
	if px := tex.RGBAAt(8, 8); px.R != 200 {
		t.Fatalf("atlas pixel %v, want red", px)
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	e, _ := newTestEngine(t, threeSlots())
	a, b, c, d := at(3, 0, 0), at(3, 1, 0), at(3, 2, 0), at(3, 3, 0)

	for _, addr := range []tile.Address{a, b, c} {
		mustApply(t, e, set(addr))
		mustLoad(t, e, addr)
	}
	aEntry, _ := e.Entry(a)

	mustApply(t, e, set(d))
	mustLoad(t, e, d)

	if _, ok := e.Entry(a); ok {
		t.Fatalf("%v should have been evicted", a)
	}
	if _, ok := e.Lookup(a); ok {
		t.Fatalf("index still resolves evicted %v", a)
	}
	dEntry, _ := e.Entry(d)
	if dEntry.Slot != aEntry.Slot {
		t.Fatalf("%v got %v, want the evicted slot %v", d, dEntry.Slot, aEntry.Slot)
	}
	for _, kept := range []tile.Address{b, c} {
		if entry, _ := e.Entry(kept); entry.Status != tilecache.Loaded {
			t.Fatalf("%v status %v, want loaded", kept, entry.Status)
		}
	}
	if s := e.Stats(); s.Evictions != 1 || s.Occupied != 3 {
		t.Fatalf("stats %+v", s)
	}
	checkReciprocity(t, e, a, b, c, d)
}

func TestRevisitRefreshesRecency(t *testing.T) {
	e, _ := newTestEngine(t, threeSlots())
	a, b, c, d := at(3, 0, 1), at(3, 1, 1), at(3, 2, 1), at(3, 3, 1)

	for _, addr := range []tile.Address{a, b, c} {
		mustApply(t, e, set(addr))
		mustLoad(t, e, addr)
	}
	// a becomes the most recent, so b is the oldest.
	mustApply(t, e, set(a))
	mustApply(t, e, set(d))
	mustLoad(t, e, d)

	if _, ok := e.Entry(b); ok {
		t.Fatalf("%v should have been evicted", b)
	}
	if _, ok := e.Entry(a); !ok {
		t.Fatalf("%v was evicted despite being used recently", a)
	}
	checkReciprocity(t, e, a, b, c, d)
}

func TestNeverEvictsVisibleTiles(t *testing.T) {
	e, f := newTestEngine(t, threeSlots())
	a, b, c, d := at(3, 4, 4), at(3, 5, 4), at(3, 6, 4), at(3, 7, 4)

	mustApply(t, e, set(a, b, c))
	for _, addr := range f.take() {
		mustLoad(t, e, addr)
	}

	mustApply(t, e, set(a, b, c, d))
	if got := f.take(); len(got) != 1 || got[0] != d {
		t.Fatalf("dispatched %v, want [%v]", got, d)
	}
	err := e.Complete(fetch.Result{Tile: d, Image: solid(color.RGBA{G: 255, A: 255})})
	if !errors.Is(err, ErrCapacityExhausted) {
		t.Fatalf("got %v, want ErrCapacityExhausted", err)
	}
	if _, ok := e.Entry(d); ok {
		t.Fatalf("%v should have been reverted", d)
	}
	for _, addr := range []tile.Address{a, b, c} {
		if entry, _ := e.Entry(addr); entry.Status != tilecache.Loaded {
			t.Fatalf("%v status %v, want loaded", addr, entry.Status)
		}
	}
	if s := e.Stats(); s.Exhaustions != 1 || s.Evictions != 0 {
		t.Fatalf("stats %+v", s)
	}

	// d is requested again on the next pass it is visible in.
	mustApply(t, e, set(a, b, d))
	if got := f.take(); len(got) != 1 || got[0] != d {
		t.Fatalf("dispatched %v, want [%v]", got, d)
	}
	mustLoad(t, e, d)
	if _, ok := e.Entry(c); ok {
		t.Fatalf("%v should have made room for %v", c, d)
	}
	checkReciprocity(t, e, a, b, c, d)
}

func TestStaleCompletionIsDiscarded(t *testing.T) {
	e, _ := newTestEngine(t, threeSlots())
	a := at(2, 1, 1)

	if err := e.Complete(fetch.Result{Tile: a, Image: solid(color.RGBA{A: 255})}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, ok := e.Entry(a); ok {
		t.Fatalf("stale completion created an entry")
	}
	if s := e.Stats(); s.Stale != 1 || s.Occupied != 0 {
		t.Fatalf("stats %+v", s)
	}
}

func TestFailedFetchIsRetriedWhenVisible(t *testing.T) {
	e, f := newTestEngine(t, threeSlots())
	a := at(4, 9, 3)

	mustApply(t, e, set(a))
	f.take()
	if err := e.Complete(fetch.Result{Tile: a, Err: errors.New("503")}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, ok := e.Entry(a); ok {
		t.Fatalf("failed tile still has an entry")
	}

	mustApply(t, e, set(a))
	if got := f.take(); len(got) != 1 || got[0] != a {
		t.Fatalf("dispatched %v, want [%v]", got, a)
	}
	if s := e.Stats(); s.Failures != 1 {
		t.Fatalf("failures %d, want 1", s.Failures)
	}
}

func TestRefusedDispatchIsForgotten(t *testing.T) {
	e, f := newTestEngine(t, threeSlots())
	f.refuse = true
	a := at(3, 1, 2)

	mustApply(t, e, set(a))
	if _, ok := e.Entry(a); ok {
		t.Fatalf("refused tile still has an entry")
	}
	if s := e.Stats(); s.Refused != 1 {
		t.Fatalf("refused %d, want 1", s.Refused)
	}

	f.refuse = false
	mustApply(t, e, set(a))
	if got := f.take(); len(got) != 1 {
		t.Fatalf("dispatched %v, want one fetch", got)
	}
}

func TestBaseTileBypassesCache(t *testing.T) {
	e, f := newTestEngine(t, threeSlots())
	base := at(0, 0, 0)

	mustApply(t, e, set(base))
	mustApply(t, e, set(base))
	if got := f.take(); len(got) != 1 || got[0] != base {
		t.Fatalf("dispatched %v, want one base fetch", got)
	}
	if e.Stats().Entries != 0 {
		t.Fatalf("base tile entered the cache")
	}

	if err := e.Complete(fetch.Result{Tile: base, Image: solid(color.RGBA{B: 255, A: 255})}); err != nil {
		t.Fatalf("complete base: %v", err)
	}
	if !e.Stats().BaseLoaded {
		t.Fatalf("base not loaded")
	}
	if px := e.BaseTexture().RGBAAt(3, 3); px.B != 255 {
		t.Fatalf("base pixel %v", px)
	}
	if e.Stats().Occupied != 0 {
		t.Fatalf("base tile took an atlas slot")
	}

	mustApply(t, e, set(base))
	if got := f.take(); len(got) != 0 {
		t.Fatalf("loaded base fetched again: %v", got)
	}
}

func TestFailedBaseIsRetried(t *testing.T) {
	e, f := newTestEngine(t, threeSlots())
	base := at(0, 0, 0)

	mustApply(t, e, set(base))
	f.take()
	if err := e.Complete(fetch.Result{Tile: base, Err: errors.New("timeout")}); err != nil {
		t.Fatalf("complete base: %v", err)
	}
	mustApply(t, e, set(base))
	if got := f.take(); len(got) != 1 {
		t.Fatalf("dispatched %v, want a base retry", got)
	}
}

func TestIgnoresTilesOutsideTheWorld(t *testing.T) {
	e, f := newTestEngine(t, threeSlots())

	mustApply(t, e, set(at(3, 0, -1), at(3, 0, 8), at(6, 0, 0)))
	if got := f.take(); len(got) != 0 {
		t.Fatalf("dispatched %v", got)
	}
	if s := e.Stats(); s.Entries != 0 || s.Visible != 0 {
		t.Fatalf("stats %+v", s)
	}
}

func TestWindowOverflowStillDispatches(t *testing.T) {
	e, f := newTestEngine(t, threeSlots())
	a, b := at(5, 0, 0), at(5, 16, 0)

	err := e.ApplyCoverage(set(a, b))
	if !errors.Is(err, index.ErrWindowOverflow) {
		t.Fatalf("got %v, want ErrWindowOverflow", err)
	}
	if got := f.take(); len(got) != 2 {
		t.Fatalf("dispatched %v, want both tiles", got)
	}
}

func TestLookupFollowsWindowShift(t *testing.T) {
	e, _ := newTestEngine(t, threeSlots())
	a := at(5, 3, 3)

	mustApply(t, e, set(a))
	mustLoad(t, e, a)
	want, _ := e.Entry(a)

	// Move the window away and back; the resident tile must reappear.
	mustApply(t, e, set(at(5, 20, 20)))
	if _, ok := e.Lookup(a); ok {
		t.Fatalf("%v still resolves outside the window", a)
	}
	mustApply(t, e, set(a))
	slot, ok := e.Lookup(a)
	if !ok || slot != want.Slot {
		t.Fatalf("lookup %v/%v, want %v", slot, ok, want.Slot)
	}
	if e.Stats().WindowShifts < 2 {
		t.Fatalf("window shifts %d", e.Stats().WindowShifts)
	}
}

func TestSlotOwnershipIsReciprocal(t *testing.T) {
	opts := threeSlots()
	opts.AtlasSize = 32
	opts.MaxAtlases = 2
	e, f := newTestEngine(t, opts)

	var all []tile.Address
	for pass := 0; pass < 6; pass++ {
		visible := set(at(3, pass, 2), at(3, pass+1, 2), at(3, pass+2, 3))
		for a := range visible {
			all = append(all, a)
		}
		mustApply(t, e, visible)
		for _, a := range f.take() {
			mustLoad(t, e, a)
		}
		checkReciprocity(t, e, all...)

		if s := e.Stats(); s.Occupied != s.Loaded {
			t.Fatalf("pass %d: occupied %d, loaded %d", pass, s.Occupied, s.Loaded)
		}
	}
	if e.Stats().Capacity != 8 {
		t.Fatalf("capacity %d, want 8", e.Stats().Capacity)
	}
}
