package tile_source

import (
	"errors"
	"fmt"
	"image"
	"net/http"

	"go.uber.org/zap"

	"polarview/internal/cache"
	"polarview/internal/config"
	"polarview/internal/fetch"
	"polarview/internal/tile"
)

var (
	ErrTileOutOfWorld    = errors.New("tile outside the map grid")
	ErrTileNotFound      = errors.New("tile not found")
	ErrUnsupportedFormat = errors.New("unsupported tile format")
)

// Decoder turns encoded tile bytes into an image of the configured tile
// size.
type Decoder interface {
	Decode(data []byte) (image.Image, error)
}

// NewDecoder picks the decoder named by kind ("go" or "vips").
func NewDecoder(kind string, tileSize int) (Decoder, error) {
	switch kind {
	case "go":
		return NewGoDecoder(tileSize), nil
	case "vips":
		return NewVipsDecoder(tileSize), nil
	default:
		return nil, fmt.Errorf("%w: decoder %q", ErrUnsupportedFormat, kind)
	}
}

// New builds the configured tile source. byteCache only applies to remote
// sources.
func New(cfg *config.Config, byteCache cache.Cache, logger *zap.Logger) (fetch.Source, error) {
	decoder, err := NewDecoder(cfg.Source.Decoder, cfg.Engine.TileSize)
	if err != nil {
		return nil, err
	}

	switch cfg.Source.Kind {
	case "http":
		logger.Info("Using HTTP tile source",
			zap.String("url_template", cfg.Source.URLTemplate),
			zap.String("decoder", cfg.Source.Decoder),
		)
		client := &http.Client{Timeout: cfg.Source.Timeout}
		return NewHTTPSource(client, cfg.Source.URLTemplate, cfg.Source.UserAgent, byteCache, decoder, logger), nil
	case "dir":
		logger.Info("Using directory tile source",
			zap.String("dir", cfg.Source.Dir),
			zap.String("decoder", cfg.Source.Decoder),
		)
		return NewDirSource(cfg.Source.Dir, decoder), nil
	default:
		return nil, fmt.Errorf("unknown source kind: %s (supported: http, dir)", cfg.Source.Kind)
	}
}

// upstream returns the imagery address of a: both hemispheres map to the
// same web tile, with X wrapped into the grid.
func upstream(a tile.Address) (cache.TileKey, error) {
	if !a.InWorld() {
		return cache.TileKey{}, fmt.Errorf("%w: %v", ErrTileOutOfWorld, a)
	}
	w := a.Wrap()
	return cache.TileKey{Z: w.Zoom, X: w.X, Y: w.Y}, nil
}
