package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"polarview/internal/tile"
)

type (
	Config struct {
		HTTP      HTTP      `envPrefix:"HTTP_"`
		Logger    Logger    `envPrefix:"LOGGER_"`
		Engine    Engine    `envPrefix:"ENGINE_"`
		Fetch     Fetch     `envPrefix:"FETCH_"`
		Source    Source    `envPrefix:"SOURCE_"`
		Cache     Cache     `envPrefix:"CACHE_"`
		Redis     Redis     `envPrefix:"REDIS_"`
		SQLite    SQLite    `envPrefix:"SQLITE_"`
		Vips      Vips      `envPrefix:"VIPS_"`
		Telemetry Telemetry `envPrefix:"TELEMETRY_"`
	}

	HTTP struct {
		Port          int           `env:"PORT" envDefault:"8080"`
		ReadTimeout   time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
		WriteTimeout  time.Duration `env:"WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout   time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
		AllowedOrigin string        `env:"ALLOWED_ORIGIN" envDefault:""`
		MaxSampleSize int64         `env:"MAX_SAMPLE_SIZE" envDefault:"4194304"`
	}

	Logger struct {
		Level string `env:"LEVEL" envDefault:"info"`
	}

	Engine struct {
		TileSize       int           `env:"TILE_SIZE" envDefault:"256"`
		AtlasSize      int           `env:"ATLAS_SIZE" envDefault:"4096"`
		MaxAtlases     int           `env:"MAX_ATLASES" envDefault:"1"`
		BaseSize       int           `env:"BASE_SIZE" envDefault:"256"`
		MaxZoom        int           `env:"MAX_ZOOM" envDefault:"19"`
		IndexWindow    int           `env:"INDEX_WINDOW" envDefault:"128"`
		SampleInterval time.Duration `env:"SAMPLE_INTERVAL" envDefault:"250ms"`
		ReferenceLon   float64       `env:"REFERENCE_LON" envDefault:"0"`
		ReferenceLat   float64       `env:"REFERENCE_LAT" envDefault:"90"`
	}

	Fetch struct {
		Workers   int `env:"WORKERS" envDefault:"8"`
		QueueSize int `env:"QUEUE_SIZE" envDefault:"512"`
	}

	Source struct {
		Kind        string        `env:"KIND" envDefault:"http"`
		URLTemplate string        `env:"URL_TEMPLATE" envDefault:"https://tile.openstreetmap.org/{z}/{x}/{y}.png"`
		UserAgent   string        `env:"USER_AGENT" envDefault:"polarview/1.0"`
		Timeout     time.Duration `env:"TIMEOUT" envDefault:"0s"`
		Dir         string        `env:"DIR" envDefault:"/data/tiles"`
		Decoder     string        `env:"DECODER" envDefault:"go"`
	}

	Cache struct {
		Type        string `env:"TYPE" envDefault:"memory"`
		MemoryTiles int    `env:"MEMORY_TILES" envDefault:"2000"`
		FileDir     string `env:"FILE_DIR" envDefault:"/tmp/polarview/cache"`
	}

	Redis struct {
		Addr     string        `env:"ADDR" envDefault:"localhost:6379"`
		Password string        `env:"PASSWORD" envDefault:""`
		DB       int           `env:"DB" envDefault:"0"`
		TTL      time.Duration `env:"TTL" envDefault:"24h"`
	}

	SQLite struct {
		DSN string `env:"DSN" envDefault:"file:tiles.db?cache=shared&mode=memory"`
	}

	Vips struct {
		MaxCacheMB  int `env:"MAX_CACHE_MB" envDefault:"256"`
		Concurrency int `env:"CONCURRENCY" envDefault:"1"`
	}

	Telemetry struct {
		Enabled        bool   `env:"ENABLED" envDefault:"false"`
		ServiceName    string `env:"SERVICE_NAME" envDefault:"polarview"`
		ServiceVersion string `env:"SERVICE_VERSION" envDefault:"1.0.0"`
		Environment    string `env:"ENVIRONMENT" envDefault:"production"`
		OTLPEndpoint   string `env:"OTLP_ENDPOINT" envDefault:"localhost:4317"`
	}
)

var ErrInvalidConfig = errors.New("invalid config")

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("NOTICE: .env file not found or cannot be loaded: %v\n", err)
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the engine geometry against what the index encoding can
// represent.
func (c *Config) Validate() error {
	e := c.Engine
	switch {
	case e.TileSize <= 0 || e.AtlasSize <= 0:
		return fmt.Errorf("%w: tile and atlas size must be positive", ErrInvalidConfig)
	case e.AtlasSize%e.TileSize != 0:
		return fmt.Errorf("%w: atlas size %d is not a multiple of tile size %d", ErrInvalidConfig, e.AtlasSize, e.TileSize)
	case e.AtlasSize/e.TileSize > 256:
		return fmt.Errorf("%w: more than 256 cells per atlas side", ErrInvalidConfig)
	case e.MaxAtlases < 1 || e.MaxAtlases > 255:
		return fmt.Errorf("%w: max atlases must be in [1, 255]", ErrInvalidConfig)
	case e.MaxZoom < 1 || e.MaxZoom > tile.MaxCodecZoom:
		return fmt.Errorf("%w: max zoom must be in [1, %d]", ErrInvalidConfig, tile.MaxCodecZoom)
	case e.IndexWindow%2 != 0 || e.IndexWindow < 4*tile.DeltaBias:
		return fmt.Errorf("%w: index window must be even and at least %d", ErrInvalidConfig, 4*tile.DeltaBias)
	case e.BaseSize <= 0:
		return fmt.Errorf("%w: base size must be positive", ErrInvalidConfig)
	case e.SampleInterval < 0:
		return fmt.Errorf("%w: negative sample interval", ErrInvalidConfig)
	}

	if c.Fetch.Workers < 1 || c.Fetch.QueueSize < 1 {
		return fmt.Errorf("%w: fetch workers and queue size must be positive", ErrInvalidConfig)
	}

	switch c.Source.Kind {
	case "http":
		if !strings.Contains(c.Source.URLTemplate, "{z}") {
			return fmt.Errorf("%w: url template %q has no {z}", ErrInvalidConfig, c.Source.URLTemplate)
		}
	case "dir":
	default:
		return fmt.Errorf("%w: unknown source kind %q (supported: http, dir)", ErrInvalidConfig, c.Source.Kind)
	}

	switch c.Source.Decoder {
	case "go", "vips":
	default:
		return fmt.Errorf("%w: unknown decoder %q (supported: go, vips)", ErrInvalidConfig, c.Source.Decoder)
	}
	return nil
}

// CellsPerSide returns the atlas grid size.
func (c *Config) CellsPerSide() int {
	return c.Engine.AtlasSize / c.Engine.TileSize
}

// Reference returns the configured initial reference point.
func (c *Config) Reference() tile.LonLat {
	return tile.LonLat{Lon: c.Engine.ReferenceLon, Lat: c.Engine.ReferenceLat}
}
