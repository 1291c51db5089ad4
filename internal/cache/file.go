package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
)

// FileCache stores payloads on disk as {dir}/{dataset}/{z}/{x}_{y}.{format}.
// Writes go through a temp file and a rename so readers never see a partial
// payload.
type FileCache struct {
	dir string
}

func NewFileCache(dir string) (*FileCache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &FileCache{dir: dir}, nil
}

var _ Cache = (*FileCache)(nil)

func (c *FileCache) path(key Key) string {
	name := fmt.Sprintf("%d_%d.%s", key.Coordinate.X, key.Coordinate.Y, key.Format)
	return filepath.Join(c.dir, key.Dataset, strconv.Itoa(key.Coordinate.Z), name)
}

func (c *FileCache) Has(_ context.Context, key Key) (bool, error) {
	_, err := os.Stat(c.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (c *FileCache) Get(_ context.Context, key Key) ([]byte, bool, error) {
	data, err := os.ReadFile(c.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read cached tile: %w", err)
	}
	return data, true, nil
}

func (c *FileCache) Set(_ context.Context, key Key, value []byte) error {
	path := c.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create tile directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tile-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func (c *FileCache) Clear(context.Context) error {
	if err := os.RemoveAll(c.dir); err != nil {
		return err
	}
	return os.MkdirAll(c.dir, 0755)
}

func (c *FileCache) Close() error { return nil }
