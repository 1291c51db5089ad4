package tile

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinateParent(t *testing.T) {
	c := Coordinate{X: 5, Y: 3, Z: 3}
	assert.Equal(t, Coordinate{X: 2, Y: 1, Z: 2}, c.Parent())
	assert.True(t, c.Parent().IsParentOf(c))
	assert.False(t, Coordinate{X: 1, Y: 1, Z: 2}.IsParentOf(c))
	assert.Equal(t, Key("5-3-3"), c.Key())

	for _, child := range c.Children() {
		assert.True(t, c.IsParentOf(child), child)
	}
}

func TestCoordinateMapTile(t *testing.T) {
	c := Coordinate{X: 7, Y: 9, Z: 4}
	assert.Equal(t, c, FromMapTile(c.MapTile()))
}

func TestSizeOf(t *testing.T) {
	assert.Equal(t, 0, SizeOf(nil))
	assert.Equal(t, 3, SizeOf([]byte("abc")))
	assert.Equal(t, 2, SizeOf("ab"))
	assert.Equal(t, 42, SizeOf(sized(42)))
	assert.Equal(t, 0, SizeOf(struct{}{}))
}

type sized int

func (s sized) ByteLength() int { return int(s) }

func TestHeaderLoadLifecycle(t *testing.T) {
	h := NewHeader(Coordinate{Z: 1}, Metadata{})
	assert.Equal(t, Unloaded, h.State())
	assert.False(t, h.HasContent())

	ctx, gen := h.BeginLoad(context.Background())
	assert.True(t, h.IsLoading())
	assert.NoError(t, ctx.Err())

	applied, delta := h.Complete(gen, []byte("1234"), nil)
	require.True(t, applied)
	assert.Equal(t, 4, delta)
	assert.Equal(t, Loaded, h.State())
	assert.Equal(t, 4, h.ByteLength())
	assert.Error(t, ctx.Err(), "load context is released on completion")

	// Reload keeps the old content until the replacement lands.
	h.MarkNeedsReload()
	assert.True(t, h.NeedsReload())
	_, gen2 := h.BeginLoad(context.Background())
	assert.False(t, h.NeedsReload())
	assert.True(t, h.HasContent())

	applied, delta = h.Complete(gen2, []byte("12"), nil)
	require.True(t, applied)
	assert.Equal(t, -2, delta)
}

func TestHeaderAbort(t *testing.T) {
	h := NewHeader(Coordinate{}, Metadata{})
	assert.False(t, h.Abort(), "nothing to abort")

	ctx, gen := h.BeginLoad(context.Background())
	assert.True(t, h.Abort())
	assert.False(t, h.Abort(), "abort is idempotent")
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.False(t, h.IsLoading())
	assert.True(t, h.NeedsReload())

	applied, _ := h.Complete(gen, nil, context.Canceled)
	assert.False(t, applied, "aborted results are discarded")
	assert.Equal(t, Unloaded, h.State())
	assert.NoError(t, h.Err())
}

func TestHeaderStaleCompletion(t *testing.T) {
	h := NewHeader(Coordinate{}, Metadata{})
	_, first := h.BeginLoad(context.Background())
	_, second := h.BeginLoad(context.Background())

	applied, _ := h.Complete(first, []byte("old"), nil)
	assert.False(t, applied)

	applied, _ = h.Complete(second, nil, errors.New("boom"))
	assert.True(t, applied)
	assert.Equal(t, Errored, h.State())
	assert.True(t, h.IsLoaded())
	assert.Nil(t, h.Content())
	assert.EqualError(t, h.Err(), "boom")
}

func TestStoreInsertionOrder(t *testing.T) {
	s := NewStore()
	a := NewHeader(Coordinate{X: 0, Y: 0, Z: 0}, Metadata{})
	b := NewHeader(Coordinate{X: 0, Y: 0, Z: 1}, Metadata{})
	c := NewHeader(Coordinate{X: 1, Y: 0, Z: 1}, Metadata{})
	s.Put(a)
	s.Put(b)
	s.Put(c)
	s.Put(a)

	assert.Equal(t, []*Header{a, b, c}, s.All())

	assert.Same(t, b, s.Delete(b.Key()))
	assert.Nil(t, s.Delete(b.Key()))
	assert.Equal(t, []*Header{a, c}, s.All())
	assert.Equal(t, 2, s.Len())

	var seen []Key
	s.Each(func(h *Header) bool {
		seen = append(seen, h.Key())
		s.Delete(h.Key())
		return true
	})
	assert.Equal(t, []Key{a.Key(), c.Key()}, seen)
	assert.Zero(t, s.Len())
}

func TestRebuildLinksNearestAncestor(t *testing.T) {
	s := NewStore()
	root := NewHeader(Coordinate{X: 0, Y: 0, Z: 0}, Metadata{})
	mid := NewHeader(Coordinate{X: 1, Y: 1, Z: 1}, Metadata{})
	deep := NewHeader(Coordinate{X: 3, Y: 2, Z: 2}, Metadata{})
	skip := NewHeader(Coordinate{X: 0, Y: 0, Z: 3}, Metadata{})
	for _, h := range []*Header{deep, skip, mid, root} {
		s.Put(h)
	}

	s.Rebuild(0)

	assert.Same(t, root, s.ParentOf(mid))
	assert.Same(t, mid, s.ParentOf(deep))
	assert.Same(t, root, s.ParentOf(skip), "skips missing intermediate levels")
	assert.Nil(t, s.ParentOf(root))
	assert.ElementsMatch(t, []*Header{mid, skip}, s.ChildrenOf(root))

	s.Delete(mid.Key())
	assert.Nil(t, s.ParentOf(deep), "evicted parent does not resolve")
	assert.Len(t, s.ChildrenOf(root), 1)

	s.Rebuild(0)
	assert.Same(t, root, s.ParentOf(deep))
	assertTree(t, s)
}

func TestRebuildStopsAtMinLevel(t *testing.T) {
	s := NewStore()
	root := NewHeader(Coordinate{X: 0, Y: 0, Z: 0}, Metadata{})
	leaf := NewHeader(Coordinate{X: 1, Y: 1, Z: 2}, Metadata{})
	s.Put(root)
	s.Put(leaf)

	s.Rebuild(1)
	assert.Nil(t, s.ParentOf(leaf))
	assert.Empty(t, root.Children())
}

func assertTree(t *testing.T, s *Store) {
	t.Helper()
	for _, h := range s.All() {
		p := s.ParentOf(h)
		if p == nil {
			continue
		}
		assert.Less(t, p.Level(), h.Level())
		anc := h.Coordinate()
		for anc.Z > p.Level() {
			anc = anc.Parent()
		}
		assert.Equal(t, p.Coordinate(), anc)
		assert.Contains(t, p.Children(), h.Key())
	}
}
