package atlas

import (
	"errors"
	"fmt"

	"polarview/internal/tile"
)

var (
	// ErrSlotNotOccupied is returned when releasing a slot that is already free.
	ErrSlotNotOccupied = errors.New("atlas: slot is not occupied")

	// ErrSlotOutOfBounds is returned for a slot outside the configured atlases.
	ErrSlotOutOfBounds = errors.New("atlas: slot is outside atlas bounds")
)

// Slot is one cell of one atlas texture.
type Slot struct {
	Atlas int
	CellX int
	CellY int
}

func (s Slot) String() string {
	return fmt.Sprintf("Slot(%d:%d,%d)", s.Atlas, s.CellX, s.CellY)
}

type record struct {
	owner tile.Address
	used  bool
}

// Allocator hands out atlas cells from a fixed arena. Each atlas keeps its
// own free stack, so allocation and release are O(1). The allocator keeps
// using the atlases it already has before it populates a new one.
type Allocator struct {
	cellsPerSide int
	maxAtlases   int

	records  []record
	free     [][]int
	occupied int
}

// NewAllocator creates an allocator with one populated atlas that may grow
// to maxAtlases.
func NewAllocator(cellsPerSide, maxAtlases int) *Allocator {
	if cellsPerSide < 1 {
		cellsPerSide = 1
	}
	if maxAtlases < 1 {
		maxAtlases = 1
	}
	a := &Allocator{
		cellsPerSide: cellsPerSide,
		maxAtlases:   maxAtlases,
	}
	a.grow()
	return a
}

func (a *Allocator) cellsPerAtlas() int {
	return a.cellsPerSide * a.cellsPerSide
}

func (a *Allocator) grow() {
	n := a.cellsPerAtlas()
	a.records = append(a.records, make([]record, n)...)

	// Reverse order so the first allocation lands in cell (0, 0).
	stack := make([]int, n)
	for i := range stack {
		stack[i] = n - 1 - i
	}
	a.free = append(a.free, stack)
}

func (a *Allocator) index(s Slot) (int, error) {
	if s.Atlas < 0 || s.Atlas >= len(a.free) ||
		s.CellX < 0 || s.CellX >= a.cellsPerSide ||
		s.CellY < 0 || s.CellY >= a.cellsPerSide {
		return 0, fmt.Errorf("%w: %v", ErrSlotOutOfBounds, s)
	}
	return s.Atlas*a.cellsPerAtlas() + s.CellY*a.cellsPerSide + s.CellX, nil
}

// Allocate reserves a free cell for owner. It returns false when every
// permitted atlas is full; the caller is expected to evict and retry.
func (a *Allocator) Allocate(owner tile.Address) (Slot, bool) {
	atlas := -1
	for i, stack := range a.free {
		if len(stack) > 0 {
			atlas = i
			break
		}
	}
	if atlas < 0 {
		if len(a.free) >= a.maxAtlases {
			return Slot{}, false
		}
		a.grow()
		atlas = len(a.free) - 1
	}

	stack := a.free[atlas]
	local := stack[len(stack)-1]
	a.free[atlas] = stack[:len(stack)-1]

	a.records[atlas*a.cellsPerAtlas()+local] = record{owner: owner, used: true}
	a.occupied++

	return Slot{
		Atlas: atlas,
		CellX: local % a.cellsPerSide,
		CellY: local / a.cellsPerSide,
	}, true
}

// Release frees s. Releasing a free slot is an error and leaves the
// allocator unchanged.
func (a *Allocator) Release(s Slot) error {
	idx, err := a.index(s)
	if err != nil {
		return err
	}
	if !a.records[idx].used {
		return fmt.Errorf("%w: %v", ErrSlotNotOccupied, s)
	}
	a.records[idx] = record{}
	a.free[s.Atlas] = append(a.free[s.Atlas], s.CellY*a.cellsPerSide+s.CellX)
	a.occupied--
	return nil
}

// Occupant returns the tile that holds s.
func (a *Allocator) Occupant(s Slot) (tile.Address, bool) {
	idx, err := a.index(s)
	if err != nil || !a.records[idx].used {
		return tile.Address{}, false
	}
	return a.records[idx].owner, true
}

// Occupied returns the number of cells in use.
func (a *Allocator) Occupied() int {
	return a.occupied
}

// Capacity returns the number of cells across every permitted atlas.
func (a *Allocator) Capacity() int {
	return a.maxAtlases * a.cellsPerAtlas()
}

// Atlases returns the number of populated atlases.
func (a *Allocator) Atlases() int {
	return len(a.free)
}

// CellsPerSide returns the grid size of one atlas.
func (a *Allocator) CellsPerSide() int {
	return a.cellsPerSide
}
