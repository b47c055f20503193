package tilecache

import (
	"container/list"
	"errors"
	"fmt"

	"polarview/internal/atlas"
	"polarview/internal/tile"
)

var ErrNotLoading = errors.New("tilecache: entry is not loading")

type Status uint8

const (
	Loading Status = iota + 1
	Loaded
)

func (s Status) String() string {
	switch s {
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	default:
		return "none"
	}
}

// Entry is the residency record of one tile. Slot is meaningful only when
// Status is Loaded.
type Entry struct {
	Status Status
	Slot   atlas.Slot
	MRU    uint64
}

type node struct {
	addr  tile.Address
	entry Entry
	elem  *list.Element
}

// Cache is the authoritative map from tile address to residency state.
// Loaded entries are kept on a list ordered by MRU, most recent first, so
// the eviction victim is always at the back.
//
// Cache is owned by a single goroutine and does no locking.
type Cache struct {
	pass    uint64
	items   map[tile.Address]*node
	lruList *list.List
}

func New() *Cache {
	return &Cache{
		items:   make(map[tile.Address]*node),
		lruList: list.New(),
	}
}

// Pass returns the counter of the most recent coverage pass.
func (c *Cache) Pass() uint64 {
	return c.pass
}

// Observe runs one coverage pass: it advances the pass counter, stamps every
// known visible tile with it and creates Loading entries for the rest. The
// new entries are returned so the caller can fetch them.
func (c *Cache) Observe(visible tile.Set) []tile.Address {
	c.pass++

	var misses []tile.Address
	for addr := range visible {
		if n, ok := c.items[addr]; ok {
			n.entry.MRU = c.pass
			if n.elem != nil {
				c.lruList.MoveToFront(n.elem)
			}
			continue
		}
		c.items[addr] = &node{
			addr:  addr,
			entry: Entry{Status: Loading, MRU: c.pass},
		}
		misses = append(misses, addr)
	}
	return misses
}

// Get returns the entry for addr.
func (c *Cache) Get(addr tile.Address) (Entry, bool) {
	n, ok := c.items[addr]
	if !ok {
		return Entry{}, false
	}
	return n.entry, true
}

// MarkLoaded moves a Loading entry to Loaded in slot, stamped with the
// current pass.
func (c *Cache) MarkLoaded(addr tile.Address, slot atlas.Slot) error {
	n, ok := c.items[addr]
	if !ok || n.entry.Status != Loading {
		return fmt.Errorf("%w: %v", ErrNotLoading, addr)
	}
	n.entry = Entry{Status: Loaded, Slot: slot, MRU: c.pass}
	n.elem = c.lruList.PushFront(n)
	return nil
}

// Forget drops a Loading entry after a failed or refused load.
func (c *Cache) Forget(addr tile.Address) bool {
	n, ok := c.items[addr]
	if !ok || n.entry.Status != Loading {
		return false
	}
	delete(c.items, addr)
	return true
}

// Victim returns the least recently used Loaded entry.
func (c *Cache) Victim() (tile.Address, Entry, bool) {
	back := c.lruList.Back()
	if back == nil {
		return tile.Address{}, Entry{}, false
	}
	n := back.Value.(*node)
	return n.addr, n.entry, true
}

// Evict removes a Loaded entry and returns it so the caller can release
// its slot.
func (c *Cache) Evict(addr tile.Address) (Entry, bool) {
	n, ok := c.items[addr]
	if !ok || n.entry.Status != Loaded {
		return Entry{}, false
	}
	c.lruList.Remove(n.elem)
	delete(c.items, addr)
	return n.entry, true
}

// Len returns the number of entries in any state.
func (c *Cache) Len() int {
	return len(c.items)
}

// Loaded returns the number of Loaded entries.
func (c *Cache) Loaded() int {
	return c.lruList.Len()
}
