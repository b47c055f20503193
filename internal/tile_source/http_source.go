package tile_source

import (
	"context"
	"fmt"
	"image"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"polarview/internal/cache"
	"polarview/internal/metrics"
	"polarview/internal/tile"
)

// maxTileBytes bounds a single upstream response.
const maxTileBytes = 8 << 20

// HTTPSource fetches tiles from a slippy-map server. Raw responses are kept
// in a byte cache so a tile evicted from the atlas can come back without a
// network round trip.
type HTTPSource struct {
	client    *http.Client
	template  string
	userAgent string
	cache     cache.Cache
	decoder   Decoder
	logger    *zap.Logger
}

func NewHTTPSource(client *http.Client, template, userAgent string, byteCache cache.Cache, decoder Decoder, logger *zap.Logger) *HTTPSource {
	if byteCache == nil {
		byteCache = cache.NewNoopCache()
	}
	return &HTTPSource{
		client:    client,
		template:  template,
		userAgent: userAgent,
		cache:     byteCache,
		decoder:   decoder,
		logger:    logger,
	}
}

// URL expands the template for key.
func (s *HTTPSource) URL(key cache.TileKey) string {
	return strings.NewReplacer(
		"{z}", strconv.Itoa(key.Z),
		"{x}", strconv.Itoa(key.X),
		"{y}", strconv.Itoa(key.Y),
	).Replace(s.template)
}

func (s *HTTPSource) Fetch(ctx context.Context, addr tile.Address) (image.Image, error) {
	key, err := upstream(addr)
	if err != nil {
		return nil, err
	}

	if data, ok := s.cache.Get(key); ok {
		metrics.ByteCacheHits.Inc()
		img, err := s.decoder.Decode(data)
		if err == nil {
			return img, nil
		}
		s.logger.Warn("Cached tile failed to decode, refetching", zap.Stringer("tile", addr), zap.Error(err))
	} else {
		metrics.ByteCacheMisses.Inc()
	}

	data, err := s.download(ctx, key)
	if err != nil {
		return nil, err
	}

	img, err := s.decoder.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %v: %w", addr, err)
	}
	// Both hemispheres share upstream tiles, so a concurrent fetch may have
	// filled the entry already.
	if !s.cache.Has(key) {
		s.cache.Set(key, data)
	}
	return img, nil
}

func (s *HTTPSource) download(ctx context.Context, key cache.TileKey) ([]byte, error) {
	url := s.URL(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrTileNotFound, url)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("upstream returned %d for %s", resp.StatusCode, url)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxTileBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", url, err)
	}
	return data, nil
}
