package source

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"tilecascade/internal/cache"
	"tilecascade/internal/tileset"
)

// Cached serves tiles from a payload store and falls back to the wrapped
// loader on a miss, writing the result back. Store errors are logged and
// never fail the load.
type Cached struct {
	Dataset string
	Format  string
	Next    tileset.Loader
	Store   cache.Cache

	log *zap.Logger
}

func NewCached(dataset, format string, next tileset.Loader, store cache.Cache, log *zap.Logger) *Cached {
	return &Cached{Dataset: dataset, Format: format, Next: next, Store: store, log: log}
}

var _ tileset.Loader = (*Cached)(nil)

func (c *Cached) Load(ctx context.Context, req tileset.Request) (any, error) {
	key := cache.Key{Dataset: c.Dataset, Coordinate: req.Coordinate, Format: c.Format}

	data, ok, err := c.Store.Get(ctx, key)
	if err != nil {
		c.log.Warn("payload store read failed", zap.String("tile", req.Coordinate.String()), zap.Error(err))
	}
	if ok {
		return &Payload{
			Data:        data,
			ContentType: contentType(c.Format),
			ETag:        etag(c.Dataset, req.Coordinate, c.Format),
		}, nil
	}

	content, err := c.Next.Load(ctx, req)
	if err != nil {
		return nil, err
	}
	p, isPayload := content.(*Payload)
	if !isPayload {
		return nil, fmt.Errorf("cached loader: unexpected content %T", content)
	}
	if err := c.Store.Set(ctx, key, p.Data); err != nil {
		c.log.Warn("payload store write failed", zap.String("tile", req.Coordinate.String()), zap.Error(err))
	}
	return p, nil
}
