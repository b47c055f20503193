package cache

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLiteCache stores tile bytes in a single table. The default DSN is an
// in-memory database, which makes it a bounded-lifetime cache shared by all
// fetch workers.
type SQLiteCache struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewSQLiteCache(dsn string, logger *zap.Logger) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// One connection keeps an in-memory database alive and serialises writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}

	c := &SQLiteCache{
		db:     db,
		logger: logger,
	}

	if err := c.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("SQLite cache initialized", zap.String("dsn", dsn))
	return c, nil
}

func (c *SQLiteCache) runMigrations() error {
	goose.SetBaseFS(migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(c.db, "migrations")
}

var _ Cache = (*SQLiteCache)(nil)

func (c *SQLiteCache) Get(k TileKey) ([]byte, bool) {
	query := `SELECT tile_data
	FROM tile_cache
	WHERE z = ? AND x = ? AND y = ?`

	var data []byte
	err := c.db.QueryRow(query, k.Z, k.X, k.Y).Scan(&data)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			c.logger.Error("SQLite cache get failed", zap.Int("z", k.Z), zap.Int("x", k.X), zap.Int("y", k.Y), zap.Error(err))
		}
		return nil, false
	}
	return data, true
}

func (c *SQLiteCache) Set(k TileKey, v []byte) {
	query := `INSERT INTO tile_cache (z, x, y, tile_data)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(z, x, y) DO UPDATE SET tile_data = excluded.tile_data`

	if _, err := c.db.Exec(query, k.Z, k.X, k.Y, v); err != nil {
		c.logger.Error("SQLite cache set failed", zap.Int("z", k.Z), zap.Int("x", k.X), zap.Int("y", k.Y), zap.Error(err))
	}
}

func (c *SQLiteCache) Has(k TileKey) bool {
	var one int
	err := c.db.QueryRow(`SELECT 1 FROM tile_cache WHERE z = ? AND x = ? AND y = ?`, k.Z, k.X, k.Y).Scan(&one)
	return err == nil
}

func (c *SQLiteCache) Clear() {
	if _, err := c.db.Exec(`DELETE FROM tile_cache`); err != nil {
		c.logger.Error("SQLite cache clear failed", zap.Error(err))
	}
}

func (c *SQLiteCache) Close() error {
	return c.db.Close()
}
