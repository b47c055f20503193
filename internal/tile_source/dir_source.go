package tile_source

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"polarview/internal/tile"
)

var tileExtensions = []string{".png", ".jpg", ".jpeg", ".webp"}

// DirSource reads pre-rendered tiles laid out as {dir}/{z}/{x}/{y}.{ext}.
type DirSource struct {
	dir     string
	decoder Decoder
}

func NewDirSource(dir string, decoder Decoder) *DirSource {
	return &DirSource{dir: dir, decoder: decoder}
}

func (s *DirSource) Fetch(ctx context.Context, addr tile.Address) (image.Image, error) {
	key, err := upstream(addr)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	base := filepath.Join(s.dir, strconv.Itoa(key.Z), strconv.Itoa(key.X), strconv.Itoa(key.Y))
	for _, ext := range tileExtensions {
		data, err := os.ReadFile(base + ext)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tile: %w", err)
		}

		img, err := s.decoder.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", base+ext, err)
		}
		return img, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrTileNotFound, addr)
}
