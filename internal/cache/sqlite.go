package cache

import (
	"context"
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

type SQLiteCache struct {
	db  *sql.DB
	log *zap.Logger
}

func NewSQLiteCache(path string, log *zap.Logger) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	c := &SQLiteCache{db: db, log: log}
	if err := c.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite cache: %w", err)
	}

	log.Info("sqlite cache initialized", zap.String("path", path))
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

func (c *SQLiteCache) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	query := `SELECT tile_data
	FROM tile_cache
	WHERE dataset = ? AND z = ? AND x = ? AND y = ? AND format = ?`

	var data []byte
	err := c.db.QueryRowContext(ctx, query,
		key.Dataset, key.Coordinate.Z, key.Coordinate.X, key.Coordinate.Y, key.Format,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		c.log.Error("sqlite cache get failed", zap.String("tile", key.Coordinate.String()), zap.Error(err))
		return nil, false, err
	}
	return data, true, nil
}

func (c *SQLiteCache) Has(ctx context.Context, key Key) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM tile_cache
	WHERE dataset = ? AND z = ? AND x = ? AND y = ? AND format = ?)`

	var ok bool
	err := c.db.QueryRowContext(ctx, query,
		key.Dataset, key.Coordinate.Z, key.Coordinate.X, key.Coordinate.Y, key.Format,
	).Scan(&ok)
	return ok, err
}

func (c *SQLiteCache) Set(ctx context.Context, key Key, value []byte) error {
	query := `INSERT INTO tile_cache (dataset, z, x, y, format, tile_data)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(dataset, z, x, y, format) DO UPDATE SET tile_data = excluded.tile_data`

	_, err := c.db.ExecContext(ctx, query,
		key.Dataset, key.Coordinate.Z, key.Coordinate.X, key.Coordinate.Y, key.Format, value,
	)
	if err != nil {
		c.log.Error("sqlite cache set failed", zap.String("tile", key.Coordinate.String()), zap.Error(err))
		return err
	}
	return nil
}

func (c *SQLiteCache) Clear(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM tile_cache`)
	return err
}

func (c *SQLiteCache) Close() error {
	return c.db.Close()
}
