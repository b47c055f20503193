package tile

import "errors"

var (
	ErrZoomOutOfRange  = errors.New("zoom does not fit the codec")
	ErrDeltaOutOfRange = errors.New("tile is outside the local codec range")
)

// DeltaBias is added to signed local deltas so they travel as unsigned bytes.
const DeltaBias = 32

const (
	hemisphereBit = 1 << 7
	zoomMask      = 0x1f
)

// Packed carries a tile address relative to its pole tile in 24 bits.
// Byte 0 holds dx+DeltaBias, byte 1 dy+DeltaBias, byte 2 the hemisphere
// bit, a reserved bit (bit 6) and the 5-bit zoom.
type Packed uint32

// Pack builds a packed sample from local deltas.
func Pack(h Hemisphere, zoom, dx, dy int) (Packed, error) {
	if zoom < 0 || zoom > MaxCodecZoom {
		return 0, ErrZoomOutOfRange
	}
	if dx < -DeltaBias || dx >= DeltaBias || dy < -DeltaBias || dy >= DeltaBias {
		return 0, ErrDeltaOutOfRange
	}
	meta := uint32(zoom)
	if h == Antipodal {
		meta |= hemisphereBit
	}
	return Packed(uint32(dx+DeltaBias) | uint32(dy+DeltaBias)<<8 | meta<<16), nil
}

// FromRGBA reads a packed value from the first three bytes of a sample.
func FromRGBA(sample []byte) Packed {
	return Packed(uint32(sample[0]) | uint32(sample[1])<<8 | uint32(sample[2])<<16)
}

// PutRGBA writes p into the first three bytes of sample and leaves the
// fourth untouched.
func (p Packed) PutRGBA(sample []byte) {
	sample[0] = byte(p)
	sample[1] = byte(p >> 8)
	sample[2] = byte(p >> 16)
}

// Unpack splits p into its fields. The reserved bit is ignored.
func (p Packed) Unpack() (h Hemisphere, zoom, dx, dy int) {
	meta := byte(p >> 16)
	if meta&hemisphereBit != 0 {
		h = Antipodal
	}
	zoom = int(meta & zoomMask)
	dx = int(byte(p)) - DeltaBias
	dy = int(byte(p>>8)) - DeltaBias
	return h, zoom, dx, dy
}

// InRange reports whether both deltas of p lie in [-DeltaBias, DeltaBias-1],
// the only values Pack produces.
func (p Packed) InRange() bool {
	return byte(p) < 2*DeltaBias && byte(p>>8) < 2*DeltaBias
}
