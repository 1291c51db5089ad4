package cache

import (
	"context"
	"errors"

	"tilecascade/internal/tile"
)

var ErrUnknownType = errors.New("unknown cache type")

// Key identifies one encoded tile payload.
type Key struct {
	Dataset    string
	Coordinate tile.Coordinate
	Format     string
}

// Cache stores encoded tile payloads outside the engine, so a tile evicted
// from a session can be reloaded without rendering or fetching it again.
type Cache interface {
	Get(ctx context.Context, key Key) ([]byte, bool, error)
	Set(ctx context.Context, key Key, value []byte) error
	Has(ctx context.Context, key Key) (bool, error)
	Clear(ctx context.Context) error
	Close() error
}
