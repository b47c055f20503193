package coverage

import (
	"errors"
	"fmt"

	"polarview/internal/tile"
)

// SampleSize is the number of bytes per sample in a coverage buffer.
const SampleSize = 4

var ErrMalformedSamples = errors.New("sample buffer length is not a multiple of 4")

// Decoder turns raw tile-identification samples into visible tile sets.
// It is not safe for concurrent use; Worker gives it a goroutine of its own.
type Decoder struct {
	maxZoom int
	poles   *tile.PoleTable
}

func NewDecoder(maxZoom int, ref tile.LonLat) *Decoder {
	if maxZoom > tile.MaxCodecZoom {
		maxZoom = tile.MaxCodecZoom
	}
	return &Decoder{
		maxZoom: maxZoom,
		poles:   tile.NewPoleTable(ref),
	}
}

// SetReference rebuilds the pole tile table for a new reference point.
func (d *Decoder) SetReference(ref tile.LonLat) {
	d.poles = tile.NewPoleTable(ref)
}

// Reference returns the current reference point.
func (d *Decoder) Reference() tile.LonLat {
	return d.poles.Reference()
}

// Decode returns the deduplicated set of tiles named by samples. Tiles above
// the maximum zoom and samples with deltas Pack cannot produce are dropped.
func (d *Decoder) Decode(samples []byte) (tile.Set, error) {
	if len(samples)%SampleSize != 0 {
		return nil, fmt.Errorf("%w: got %d bytes", ErrMalformedSamples, len(samples))
	}

	set := make(tile.Set)
	var last tile.Packed
	haveLast := false
	for i := 0; i < len(samples); i += SampleSize {
		p := tile.FromRGBA(samples[i : i+SampleSize])
		// Neighbouring samples usually name the same tile.
		if haveLast && p == last {
			continue
		}
		last, haveLast = p, true
		if !p.InRange() {
			continue
		}

		addr := d.poles.Decode(p)
		if addr.Zoom > d.maxZoom {
			continue
		}
		set.Add(addr)
	}
	return set, nil
}
