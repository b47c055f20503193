package cache

import (
	"fmt"

	"go.uber.org/zap"

	"polarview/internal/config"
)

// NewCache creates a cache instance based on the cache type
func NewCache(cfg *config.Config, log *zap.Logger) (Cache, error) {
	switch cfg.Cache.Type {
	case "memory":
		log.Info("Using memory cache", zap.Int("max_tiles", cfg.Cache.MemoryTiles))
		return NewMemoryCache(cfg.Cache.MemoryTiles), nil
	case "file":
		log.Info("Using file cache", zap.String("cache_dir", cfg.Cache.FileDir))
		return NewFileCache(cfg.Cache.FileDir)
	case "redis":
		log.Info("Using redis cache", zap.String("addr", cfg.Redis.Addr), zap.Duration("ttl", cfg.Redis.TTL))
		return NewRedisCache(RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		}, log)
	case "sqlite":
		log.Info("Using sqlite cache")
		return NewSQLiteCache(cfg.SQLite.DSN, log)
	case "disabled":
		log.Info("Cache disabled")
		return NewNoopCache(), nil
	default:
		return nil, fmt.Errorf("unknown cache type: %s (supported: memory, file, redis, sqlite, disabled)", cfg.Cache.Type)
	}
}
