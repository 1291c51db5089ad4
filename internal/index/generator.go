package index

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"

	"tilecascade/internal/tile"
)

const (
	// referenceTileSize is the tile size at which viewport zoom and level agree.
	referenceTileSize = 512
	maxLatitude       = 85.051129
)

// Counter is implemented by generators that can size a selection before
// producing it.
type Counter interface {
	Count(q Query) int
}

var (
	_ Counter = Geographic{}
	_ Counter = Cartesian{}
)

// Geographic covers a lon/lat viewport with web-mercator tiles.
type Geographic struct {
	TileSize   int
	ZoomOffset int
	Extent     *orb.Bound
}

func (g Geographic) Generate(q Query) []tile.Coordinate {
	r, ok := g.cells(q)
	if !ok {
		return nil
	}
	return r.coordinates()
}

// Count reports how many tiles Generate would return for q without
// allocating them.
func (g Geographic) Count(q Query) int {
	r, ok := g.cells(q)
	if !ok {
		return 0
	}
	return r.count()
}

func (g Geographic) cells(q Query) (cellRange, bool) {
	size := g.TileSize
	if size <= 0 {
		size = referenceTileSize
	}
	z := int(math.Round(q.Viewport.Zoom+math.Log2(referenceTileSize/float64(size)))) + g.ZoomOffset
	z, ok := q.clampLevel(z, g.Extent != nil)
	if !ok {
		return cellRange{}, false
	}

	b := q.tileSpace()
	if g.Extent != nil {
		if b, ok = intersect(b, *g.Extent); !ok {
			return cellRange{}, false
		}
	}
	b, ok = intersect(b, orb.Bound{
		Min: orb.Point{-180, -maxLatitude},
		Max: orb.Point{180, maxLatitude},
	})
	if !ok {
		return cellRange{}, false
	}

	zoom := maptile.Zoom(z)
	nw := maptile.At(orb.Point{b.Min[0], b.Max[1]}, zoom)
	se := maptile.At(orb.Point{b.Max[0], b.Min[1]}, zoom)
	last := int(uint32(1)<<zoom - 1)

	return cellRange{
		z:    z,
		minX: int(nw.X),
		minY: int(nw.Y),
		maxX: min(int(se.X), last),
		maxY: min(int(se.Y), last),
	}, true
}

// GeographicMetadata attaches the lon/lat bound of the tile.
func GeographicMetadata(c tile.Coordinate) tile.Metadata {
	return tile.Metadata{Bound: c.MapTile().Bound()}
}

// Cartesian covers a viewport expressed in flat world units, where a level 0
// tile spans TileSize units and each level halves that.
type Cartesian struct {
	TileSize   int
	ZoomOffset int
	Extent     *orb.Bound
}

func (g Cartesian) Generate(q Query) []tile.Coordinate {
	r, ok := g.cells(q)
	if !ok {
		return nil
	}
	return r.coordinates()
}

// Count reports how many tiles Generate would return for q without
// allocating them.
func (g Cartesian) Count(q Query) int {
	r, ok := g.cells(q)
	if !ok {
		return 0
	}
	return r.count()
}

func (g Cartesian) cells(q Query) (cellRange, bool) {
	size := float64(g.TileSize)
	if size <= 0 {
		size = referenceTileSize
	}
	z, ok := q.clampLevel(int(math.Ceil(q.Viewport.Zoom))+g.ZoomOffset, g.Extent != nil)
	if !ok {
		return cellRange{}, false
	}

	b := q.tileSpace()
	if g.Extent != nil {
		if b, ok = intersect(b, *g.Extent); !ok {
			return cellRange{}, false
		}
	}
	if b.Max[0] <= 0 || b.Max[1] <= 0 {
		return cellRange{}, false
	}

	span := size / math.Exp2(float64(z))
	maxX := math.Ceil(b.Max[0]/span) - 1
	maxY := math.Ceil(b.Max[1]/span) - 1
	if g.Extent != nil {
		maxX = math.Min(maxX, math.Ceil(g.Extent.Max[0]/span)-1)
		maxY = math.Min(maxY, math.Ceil(g.Extent.Max[1]/span)-1)
	}

	return cellRange{
		z:    z,
		minX: cellIndex(math.Max(0, math.Floor(b.Min[0]/span))),
		minY: cellIndex(math.Max(0, math.Floor(b.Min[1]/span))),
		maxX: cellIndex(maxX),
		maxY: cellIndex(maxY),
	}, true
}

// CartesianMetadata returns a provider attaching the world-unit bound of
// each tile.
func CartesianMetadata(tileSize int) func(tile.Coordinate) tile.Metadata {
	size := float64(tileSize)
	if size <= 0 {
		size = referenceTileSize
	}
	return func(c tile.Coordinate) tile.Metadata {
		span := size / math.Exp2(float64(c.Z))
		return tile.Metadata{Bound: orb.Bound{
			Min: orb.Point{float64(c.X) * span, float64(c.Y) * span},
			Max: orb.Point{float64(c.X+1) * span, float64(c.Y+1) * span},
		}}
	}
}

// cellRange is an inclusive block of tile columns and rows on one level.
type cellRange struct {
	z                      int
	minX, minY, maxX, maxY int
}

func (r cellRange) count() int {
	if r.maxX < r.minX || r.maxY < r.minY {
		return 0
	}
	w := int64(r.maxX - r.minX + 1)
	h := int64(r.maxY - r.minY + 1)
	if w > math.MaxInt64/h {
		return math.MaxInt
	}
	return int(min(w*h, int64(math.MaxInt)))
}

// coordinates lists the range row by row.
func (r cellRange) coordinates() []tile.Coordinate {
	out := make([]tile.Coordinate, 0, min(r.count(), 4096))
	for y := r.minY; y <= r.maxY; y++ {
		for x := r.minX; x <= r.maxX; x++ {
			out = append(out, tile.Coordinate{X: x, Y: y, Z: r.z})
		}
	}
	return out
}

// cellIndex converts a float column or row, saturating at the largest index
// a level 30 grid can hold.
func cellIndex(v float64) int {
	const limit = 1<<MaxLevel - 1
	switch {
	case math.IsNaN(v), v < 0:
		return -1
	case v > limit:
		return limit
	}
	return int(v)
}
