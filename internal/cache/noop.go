package cache

import "context"

type NoopCache struct{}

func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

var _ Cache = (*NoopCache)(nil)

func (c *NoopCache) Get(context.Context, Key) ([]byte, bool, error) { return nil, false, nil }
func (c *NoopCache) Set(context.Context, Key, []byte) error         { return nil }
func (c *NoopCache) Has(context.Context, Key) (bool, error)         { return false, nil }
func (c *NoopCache) Clear(context.Context) error                    { return nil }
func (c *NoopCache) Close() error                                   { return nil }
