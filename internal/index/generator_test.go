package index

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilecascade/internal/tile"
)

func unbounded(v Viewport) Query {
	return Query{Viewport: v, MinZoom: math.Inf(-1), MaxZoom: math.Inf(1)}
}

func TestGeographicWholeWorld(t *testing.T) {
	g := Geographic{TileSize: 512}
	world := orb.Bound{Min: orb.Point{-180, -85}, Max: orb.Point{180, 85}}

	got := g.Generate(unbounded(Viewport{Bound: world, Zoom: 1}))
	assert.ElementsMatch(t, []tile.Coordinate{
		{X: 0, Y: 0, Z: 1}, {X: 1, Y: 0, Z: 1},
		{X: 0, Y: 1, Z: 1}, {X: 1, Y: 1, Z: 1},
	}, got)
}

func TestGeographicTileSizeShiftsLevel(t *testing.T) {
	g := Geographic{TileSize: 256}
	small := orb.Bound{Min: orb.Point{1, 1}, Max: orb.Point{2, 2}}

	got := g.Generate(unbounded(Viewport{Bound: small, Zoom: 3}))
	require.NotEmpty(t, got)
	assert.Equal(t, 4, got[0].Z)
}

func TestGeographicZoomBounds(t *testing.T) {
	g := Geographic{TileSize: 512}
	v := Viewport{Bound: orb.Bound{Min: orb.Point{10, 10}, Max: orb.Point{11, 11}}, Zoom: 12}

	got := g.Generate(Query{Viewport: v, MinZoom: 0, MaxZoom: 8})
	require.NotEmpty(t, got)
	for _, c := range got {
		assert.Equal(t, 8, c.Z)
	}

	v.Zoom = 2
	assert.Empty(t, g.Generate(Query{Viewport: v, MinZoom: 4, MaxZoom: math.Inf(1)}))

	extent := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{20, 20}}
	g.Extent = &extent
	got = g.Generate(Query{Viewport: v, MinZoom: 4, MaxZoom: math.Inf(1)})
	require.NotEmpty(t, got)
	assert.Equal(t, 4, got[0].Z, "extent allows clamping up to the minimum")
}

func TestGeographicOutsideExtent(t *testing.T) {
	extent := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1, 1}}
	g := Geographic{Extent: &extent}
	v := Viewport{Bound: orb.Bound{Min: orb.Point{50, 50}, Max: orb.Point{60, 60}}, Zoom: 3}
	assert.Empty(t, g.Generate(unbounded(v)))
}

func TestCartesianCover(t *testing.T) {
	g := Cartesian{TileSize: 256}
	v := Viewport{Bound: orb.Bound{Min: orb.Point{-10, 0}, Max: orb.Point{130, 64}}, Zoom: 1}

	got := g.Generate(unbounded(v))
	assert.Equal(t, []tile.Coordinate{
		{X: 0, Y: 0, Z: 1},
		{X: 1, Y: 0, Z: 1},
	}, got)
}

func TestCartesianExtentClips(t *testing.T) {
	extent := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{300, 100}}
	g := Cartesian{TileSize: 256, Extent: &extent}
	v := Viewport{Bound: orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1000, 1000}}, Zoom: 0}

	got := g.Generate(unbounded(v))
	assert.Equal(t, []tile.Coordinate{
		{X: 0, Y: 0, Z: 0},
		{X: 1, Y: 0, Z: 0},
	}, got)
}

func TestCartesianTransform(t *testing.T) {
	g := Cartesian{TileSize: 256}
	v := Viewport{Bound: orb.Bound{Min: orb.Point{512, 0}, Max: orb.Point{600, 100}}, Zoom: 0}

	// The layer is drawn shifted right by 512 units.
	m := Identity()
	m[12] = 512
	q := unbounded(v)
	q.Transform = &m

	assert.Equal(t, []tile.Coordinate{{X: 0, Y: 0, Z: 0}}, g.Generate(q))
}

func TestTransformInverse(t *testing.T) {
	m := Identity()
	m[0], m[5], m[12], m[13] = 2, 4, 10, -3
	inv, ok := m.Inverse()
	require.True(t, ok)

	p := orb.Point{7, 9}
	back := inv.Apply(m.Apply(p))
	assert.InDelta(t, p[0], back[0], 1e-9)
	assert.InDelta(t, p[1], back[1], 1e-9)

	_, ok = Transform{}.Inverse()
	assert.False(t, ok)
}

func TestMetadataProviders(t *testing.T) {
	c := tile.Coordinate{X: 1, Y: 1, Z: 1}
	md := CartesianMetadata(256)(c)
	assert.Equal(t, orb.Point{128, 128}, md.Bound.Min)
	assert.Equal(t, orb.Point{256, 256}, md.Bound.Max)

	geo := GeographicMetadata(tile.Coordinate{X: 0, Y: 0, Z: 0})
	assert.InDelta(t, -180, geo.Bound.Min[0], 1e-6)
	assert.InDelta(t, 180, geo.Bound.Max[0], 1e-6)
}

func TestCountMatchesGenerate(t *testing.T) {
	extent := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{300, 100}}
	cases := map[string]struct {
		gen interface {
			Counter
			Generate(Query) []tile.Coordinate
		}
		v Viewport
	}{
		"geographic": {Geographic{TileSize: 512}, Viewport{Bound: orb.Bound{Min: orb.Point{-20, -10}, Max: orb.Point{40, 30}}, Zoom: 5}},
		"cartesian":  {Cartesian{TileSize: 256, Extent: &extent}, Viewport{Bound: orb.Bound{Max: orb.Point{1000, 1000}}, Zoom: 3}},
		"outside":    {Cartesian{TileSize: 256, Extent: &extent}, Viewport{Bound: orb.Bound{Min: orb.Point{500, 500}, Max: orb.Point{600, 600}}, Zoom: 3}},
	}
	for name, tc := range cases {
		q := unbounded(tc.v)
		assert.Len(t, tc.gen.Generate(q), tc.gen.Count(q), name)
	}
}

func TestCountDeepWorldWithoutAllocating(t *testing.T) {
	world := orb.Bound{Min: orb.Point{-180, -85}, Max: orb.Point{180, 85}}
	q := unbounded(Viewport{Bound: world, Zoom: 30})

	assert.Greater(t, Geographic{TileSize: 512}.Count(q), 1<<40)
	assert.Greater(t, Cartesian{TileSize: 256}.Count(unbounded(Viewport{Bound: orb.Bound{Max: orb.Point{1e12, 1e12}}, Zoom: 30})), 1<<40)
}
