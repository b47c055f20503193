package engine

import (
	"errors"
	"fmt"
	"image"

	"go.uber.org/zap"

	"polarview/internal/atlas"
	"polarview/internal/fetch"
	"polarview/internal/index"
	"polarview/internal/metrics"
	"polarview/internal/tile"
	"polarview/internal/tilecache"
)

// ErrCapacityExhausted means a loaded tile had nowhere to go: every resident
// tile was visible in the current pass. The load is dropped and the tile is
// requested again on a later pass if it is still visible.
var ErrCapacityExhausted = errors.New("engine: atlas capacity exhausted")

// Fetcher queues a tile fetch without blocking.
type Fetcher interface {
	Dispatch(addr tile.Address) bool
}

type Options struct {
	TileSize    int
	AtlasSize   int
	MaxAtlases  int
	BaseSize    int
	MaxZoom     int
	IndexWindow int
}

type baseState uint8

const (
	baseNone baseState = iota
	baseLoading
	baseLoaded
)

// Stats is a point-in-time summary of the engine.
type Stats struct {
	Pass         uint64 `json:"pass"`
	Visible      int    `json:"visible"`
	Entries      int    `json:"entries"`
	Loaded       int    `json:"loaded"`
	Occupied     int    `json:"occupied"`
	Capacity     int    `json:"capacity"`
	Atlases      int    `json:"atlases"`
	BaseLoaded   bool   `json:"base_loaded"`
	Evictions    uint64 `json:"evictions"`
	Exhaustions  uint64 `json:"exhaustions"`
	Failures     uint64 `json:"failures"`
	Stale        uint64 `json:"stale"`
	Refused      uint64 `json:"refused"`
	WindowShifts uint64 `json:"window_shifts"`
}

// Engine ties the tile cache, atlas allocator and index together. All of its
// methods must be called from one goroutine; see Loop.
type Engine struct {
	opts    Options
	logger  *zap.Logger
	fetcher Fetcher

	cache    *tilecache.Cache
	slots    *atlas.Allocator
	surfaces *atlas.Surfaces
	base     *atlas.BaseSurface
	index    *index.Manager

	baseState baseState
	stats     Stats
}

func New(opts Options, fetcher Fetcher, logger *zap.Logger) *Engine {
	return &Engine{
		opts:     opts,
		logger:   logger,
		fetcher:  fetcher,
		cache:    tilecache.New(),
		slots:    atlas.NewAllocator(opts.AtlasSize/opts.TileSize, opts.MaxAtlases),
		surfaces: atlas.NewSurfaces(opts.AtlasSize, opts.TileSize),
		base:     atlas.NewBaseSurface(opts.BaseSize),
		index:    index.New(opts.IndexWindow, opts.MaxZoom),
	}
}

// ApplyCoverage runs one coverage pass over the visible set: tiles already
// known are marked as used in this pass, new ones are fetched, and the index
// windows follow the visible range.
func (e *Engine) ApplyCoverage(visible tile.Set) error {
	pass := make(tile.Set, len(visible))
	for a := range visible {
		if a.Zoom > e.opts.MaxZoom || !a.InWorld() {
			continue
		}
		if a.Zoom == 0 {
			e.requestBase()
			continue
		}
		pass.Add(a)
	}

	misses := e.cache.Observe(pass)
	e.stats.Visible = len(pass)
	metrics.CoveragePasses.Inc()
	metrics.VisibleTiles.Set(float64(len(pass)))

	shifts := e.index.Shifts()
	overflow := e.index.Observe(pass)
	metrics.WindowShifts.Add(float64(e.index.Shifts() - shifts))

	for _, a := range misses {
		if !e.fetcher.Dispatch(a) {
			e.cache.Forget(a)
			e.stats.Refused++
		}
	}

	if overflow != nil {
		metrics.WindowOverflows.Inc()
		e.logger.Error("Visible range exceeds index window",
			zap.Uint64("pass", e.cache.Pass()),
			zap.Error(overflow),
		)
		return overflow
	}
	return nil
}

func (e *Engine) requestBase() {
	if e.baseState != baseNone {
		return
	}
	if e.fetcher.Dispatch(tile.Address{Zoom: 0}) {
		e.baseState = baseLoading
	}
}

// Complete applies one fetch completion.
func (e *Engine) Complete(res fetch.Result) error {
	if res.Tile.Zoom == 0 {
		return e.completeBase(res)
	}

	entry, ok := e.cache.Get(res.Tile)
	if !ok || entry.Status != tilecache.Loading {
		e.stats.Stale++
		metrics.Fetches.WithLabelValues("stale").Inc()
		e.logger.Debug("Discarding stale fetch", zap.Stringer("tile", res.Tile))
		return nil
	}

	if res.Err != nil {
		e.cache.Forget(res.Tile)
		e.stats.Failures++
		metrics.Fetches.WithLabelValues("failed").Inc()
		e.logger.Info("Tile fetch failed, will retry when visible",
			zap.Stringer("tile", res.Tile),
			zap.Error(res.Err),
		)
		return nil
	}

	slot, err := e.allocate(res.Tile)
	if err != nil {
		e.cache.Forget(res.Tile)
		metrics.Fetches.WithLabelValues("dropped").Inc()
		return err
	}

	if err := e.surfaces.Write(slot, res.Image); err != nil {
		e.cache.Forget(res.Tile)
		if relErr := e.slots.Release(slot); relErr != nil {
			return fmt.Errorf("failed to release %v after write error: %w", slot, relErr)
		}
		return fmt.Errorf("failed to write %v into %v: %w", res.Tile, slot, err)
	}
	if err := e.cache.MarkLoaded(res.Tile, slot); err != nil {
		return err
	}
	e.index.Put(res.Tile, slot)

	metrics.Fetches.WithLabelValues("loaded").Inc()
	metrics.SlotsOccupied.Set(float64(e.slots.Occupied()))
	return nil
}

func (e *Engine) completeBase(res fetch.Result) error {
	if e.baseState != baseLoading {
		e.stats.Stale++
		return nil
	}
	if res.Err != nil {
		e.baseState = baseNone
		e.stats.Failures++
		metrics.Fetches.WithLabelValues("failed").Inc()
		e.logger.Info("Base tile fetch failed, will retry when visible", zap.Error(res.Err))
		return nil
	}
	if err := e.base.Write(res.Image); err != nil {
		e.baseState = baseNone
		return fmt.Errorf("failed to write base tile: %w", err)
	}
	e.baseState = baseLoaded
	metrics.Fetches.WithLabelValues("loaded").Inc()
	return nil
}

// allocate finds a slot for addr, evicting the least recently used loaded
// tile when the atlas is full. It refuses to evict a tile that was visible
// in the current pass.
func (e *Engine) allocate(addr tile.Address) (atlas.Slot, error) {
	if slot, ok := e.slots.Allocate(addr); ok {
		return slot, nil
	}

	victim, ventry, ok := e.cache.Victim()
	if !ok || ventry.MRU >= e.cache.Pass() {
		e.stats.Exhaustions++
		metrics.CapacityExhausted.Inc()
		e.logger.Warn("Atlas capacity exhausted, dropping tile",
			zap.Stringer("tile", addr),
			zap.Uint64("pass", e.cache.Pass()),
			zap.Int("capacity", e.slots.Capacity()),
		)
		return atlas.Slot{}, fmt.Errorf("%w: %v", ErrCapacityExhausted, addr)
	}

	e.cache.Evict(victim)
	e.index.Remove(victim)
	if err := e.slots.Release(ventry.Slot); err != nil {
		return atlas.Slot{}, err
	}
	e.stats.Evictions++
	metrics.Evictions.Inc()
	e.logger.Debug("Evicted tile",
		zap.Stringer("victim", victim),
		zap.Uint64("victim_mru", ventry.MRU),
		zap.Stringer("for", addr),
	)

	slot, ok := e.slots.Allocate(addr)
	if !ok {
		return atlas.Slot{}, fmt.Errorf("no slot after evicting %v", victim)
	}
	return slot, nil
}

// Entry returns the cache entry of addr.
func (e *Engine) Entry(addr tile.Address) (tilecache.Entry, bool) {
	return e.cache.Get(addr)
}

// Lookup resolves addr through the index texture.
func (e *Engine) Lookup(addr tile.Address) (atlas.Slot, bool) {
	return e.index.Lookup(addr)
}

// Occupant returns the tile held by slot.
func (e *Engine) Occupant(slot atlas.Slot) (tile.Address, bool) {
	return e.slots.Occupant(slot)
}

func (e *Engine) Stats() Stats {
	s := e.stats
	s.Pass = e.cache.Pass()
	s.Entries = e.cache.Len()
	s.Loaded = e.cache.Loaded()
	s.Occupied = e.slots.Occupied()
	s.Capacity = e.slots.Capacity()
	s.Atlases = e.slots.Atlases()
	s.BaseLoaded = e.baseState == baseLoaded
	s.WindowShifts = e.index.Shifts()
	return s
}

func (e *Engine) IndexTexture() *image.RGBA { return e.index.Texture() }

func (e *Engine) AtlasTexture(i int) (*image.RGBA, bool) { return e.surfaces.Texture(i) }

func (e *Engine) BaseTexture() *image.RGBA { return e.base.Texture() }

func (e *Engine) Windows() [2][]index.Window { return e.index.Windows() }

func (e *Engine) IndexWindowSize() int { return e.index.WindowSize() }
