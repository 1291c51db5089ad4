package cache

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"tilecascade/internal/config"
	"tilecascade/internal/metrics"
)

// NewCache creates the payload store selected by cfg.Type.
func NewCache(cfg config.Cache, log *zap.Logger) (Cache, error) {
	switch cfg.Type {
	case "memory":
		log.Info("Using memory cache", zap.Int("max_tiles", cfg.MemoryTiles))
		return instrument("memory", NewMemoryCache(cfg.MemoryTiles)), nil
	case "file":
		log.Info("Using file cache", zap.String("cache_dir", cfg.FileDir))
		c, err := NewFileCache(cfg.FileDir)
		if err != nil {
			return nil, err
		}
		return instrument("file", c), nil
	case "sqlite":
		log.Info("Using sqlite cache", zap.String("path", cfg.SQLitePath))
		c, err := NewSQLiteCache(cfg.SQLitePath, log)
		if err != nil {
			return nil, err
		}
		return instrument("sqlite", c), nil
	case "redis":
		log.Info("Using redis cache", zap.String("addr", cfg.RedisAddr))
		c, err := NewRedisCache(RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPass,
			DB:       cfg.RedisDB,
			TTL:      cfg.RedisTTL,
		})
		if err != nil {
			return nil, err
		}
		return instrument("redis", c), nil
	case "disabled":
		log.Info("Cache disabled")
		return NewNoopCache(), nil
	default:
		return nil, fmt.Errorf("%w: %s (supported: memory, file, sqlite, redis, disabled)", ErrUnknownType, cfg.Type)
	}
}

// instrumented counts store operations by backend and outcome.
type instrumented struct {
	Cache
	backend string
}

func instrument(backend string, c Cache) Cache {
	return &instrumented{Cache: c, backend: backend}
}

func (c *instrumented) observe(result string) {
	metrics.StoreOperations.WithLabelValues(c.backend, result).Inc()
}

func (c *instrumented) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	data, ok, err := c.Cache.Get(ctx, key)
	switch {
	case err != nil:
		c.observe("error")
	case ok:
		c.observe("hit")
	default:
		c.observe("miss")
	}
	return data, ok, err
}

func (c *instrumented) Set(ctx context.Context, key Key, value []byte) error {
	err := c.Cache.Set(ctx, key, value)
	if err != nil {
		c.observe("error")
	} else {
		c.observe("store")
	}
	return err
}
