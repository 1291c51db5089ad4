package cache

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tilecascade/internal/config"
	"tilecascade/internal/tile"
)

func key(dataset string, x, y, z int) Key {
	return Key{Dataset: dataset, Coordinate: tile.Coordinate{X: x, Y: y, Z: z}, Format: "jpg"}
}

func backends(t *testing.T) map[string]Cache {
	t.Helper()

	file, err := NewFileCache(filepath.Join(t.TempDir(), "tiles"))
	require.NoError(t, err)

	sqlite, err := NewSQLiteCache(filepath.Join(t.TempDir(), "tiles.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	out := map[string]Cache{
		"memory": NewMemoryCache(100),
		"file":   file,
		"sqlite": sqlite,
	}

	if addr := os.Getenv("TEST_REDIS_ADDR"); addr != "" {
		redis, err := NewRedisCache(RedisConfig{Addr: addr, DB: 15})
		require.NoError(t, err)
		t.Cleanup(func() { redis.Close() })
		out["redis"] = redis
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, c.Clear(ctx))
			k := key("img", 3, 4, 5)

			_, ok, err := c.Get(ctx, k)
			require.NoError(t, err)
			assert.False(t, ok)

			has, err := c.Has(ctx, k)
			require.NoError(t, err)
			assert.False(t, has)

			require.NoError(t, c.Set(ctx, k, []byte("first")))
			require.NoError(t, c.Set(ctx, k, []byte("second")))

			data, ok, err := c.Get(ctx, k)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, []byte("second"), data)

			has, err = c.Has(ctx, k)
			require.NoError(t, err)
			assert.True(t, has)

			_, ok, err = c.Get(ctx, key("other", 3, 4, 5))
			require.NoError(t, err)
			assert.False(t, ok, "datasets do not share entries")

			require.NoError(t, c.Clear(ctx))
			_, ok, err = c.Get(ctx, k)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestMemoryCacheEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(2)

	require.NoError(t, c.Set(ctx, key("a", 0, 0, 0), []byte("a")))
	require.NoError(t, c.Set(ctx, key("b", 0, 0, 0), []byte("b")))
	_, _, _ = c.Get(ctx, key("a", 0, 0, 0))
	require.NoError(t, c.Set(ctx, key("c", 0, 0, 0), []byte("c")))

	assert.Equal(t, 2, c.Len())
	has, _ := c.Has(ctx, key("a", 0, 0, 0))
	assert.True(t, has)
	has, _ = c.Has(ctx, key("b", 0, 0, 0))
	assert.False(t, has)
}

func TestFileCacheLayout(t *testing.T) {
	dir := t.TempDir()
	c, err := NewFileCache(dir)
	require.NoError(t, err)

	require.NoError(t, c.Set(context.Background(), key("img", 1, 2, 3), []byte("x")))
	_, err = os.Stat(filepath.Join(dir, "img", "3", "1_2.jpg"))
	assert.NoError(t, err)
}

func TestFactory(t *testing.T) {
	log := zap.NewNop()

	c, err := NewCache(config.Cache{Type: "memory", MemoryTiles: 10}, log)
	require.NoError(t, err)
	assert.IsType(t, &instrumented{}, c)

	c, err = NewCache(config.Cache{Type: "disabled"}, log)
	require.NoError(t, err)
	assert.IsType(t, &NoopCache{}, c)

	_, err = NewCache(config.Cache{Type: "tape"}, log)
	assert.ErrorIs(t, err, ErrUnknownType)
}

func generateTileData(size int) []byte {
	data := make([]byte, size)
	rand.Read(data)
	return data
}

func BenchmarkSet(b *testing.B) {
	ctx := context.Background()
	sqlite, err := NewSQLiteCache(filepath.Join(b.TempDir(), "bench.db"), zap.NewNop())
	if err != nil {
		b.Fatalf("Failed to create SQLite cache: %v", err)
	}
	defer sqlite.Close()
	file, err := NewFileCache(b.TempDir())
	if err != nil {
		b.Fatalf("Failed to create file cache: %v", err)
	}

	data := generateTileData(10 * 1024)
	for name, c := range map[string]Cache{"memory": NewMemoryCache(1000), "file": file, "sqlite": sqlite} {
		b.Run(name, func(b *testing.B) {
			for i := 0; b.Loop(); i++ {
				k := key(fmt.Sprintf("ds%d", i%4), rand.Intn(1000), rand.Intn(1000), rand.Intn(20))
				if err := c.Set(ctx, k, data); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
