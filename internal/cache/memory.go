package cache

import (
	"container/list"
	"context"
	"sync"
)

type entry struct {
	key   Key
	value []byte
}

// MemoryCache is an in-memory LRU bounded by entry count.
type MemoryCache struct {
	mu      sync.Mutex
	maxSize int
	items   map[Key]*list.Element
	lruList *list.List
}

func NewMemoryCache(maxSize int) *MemoryCache {
	if maxSize < 1 {
		maxSize = 1
	}
	return &MemoryCache{
		maxSize: maxSize,
		items:   make(map[Key]*list.Element),
		lruList: list.New(),
	}
}

var _ Cache = (*MemoryCache)(nil)

func (c *MemoryCache) Has(_ context.Context, key Key) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.items[key]
	return ok, nil
}

func (c *MemoryCache) Get(_ context.Context, key Key) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, false, nil
	}
	c.lruList.MoveToFront(elem)
	return elem.Value.(*entry).value, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key Key, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		elem.Value.(*entry).value = value
		c.lruList.MoveToFront(elem)
		return nil
	}

	for c.lruList.Len() >= c.maxSize {
		oldest := c.lruList.Back()
		delete(c.items, oldest.Value.(*entry).key)
		c.lruList.Remove(oldest)
	}

	c.items[key] = c.lruList.PushFront(&entry{key: key, value: value})
	return nil
}

func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

func (c *MemoryCache) Clear(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[Key]*list.Element)
	c.lruList = list.New()
	return nil
}

func (c *MemoryCache) Close() error { return nil }
