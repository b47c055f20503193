package cache

// TileKey identifies the raw bytes of one upstream tile. Hemisphere is not
// part of the key: both hemispheres fetch the same imagery.
type TileKey struct {
	Z int
	X int
	Y int
}

type Cache interface {
	Get(key TileKey) ([]byte, bool)
	Set(key TileKey, value []byte)
	Has(key TileKey) bool // Check if tile exists without reading it (lightweight check)
	Clear()
}
