// Package index turns a viewport into the tile coordinates it needs.
package index

import (
	"math"

	"github.com/paulmach/orb"
)

// Viewport is the visible region and its fractional zoom. Two viewports are
// the same only if every component is exactly equal.
type Viewport struct {
	Bound orb.Bound
	Zoom  float64
}

// ZRange is the elevation span of the content under the viewport.
type ZRange struct {
	Min float64
	Max float64
}

// Transform is a column-major 4x4 model matrix. Only its 2D affine part is
// used when mapping the viewport into tile space.
type Transform [16]float64

func Identity() Transform {
	return Transform{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

func (m Transform) Apply(p orb.Point) orb.Point {
	return orb.Point{
		m[0]*p[0] + m[4]*p[1] + m[12],
		m[1]*p[0] + m[5]*p[1] + m[13],
	}
}

// Inverse returns the inverse of the 2D affine part, or false if it is
// singular.
func (m Transform) Inverse() (Transform, bool) {
	det := m[0]*m[5] - m[4]*m[1]
	if det == 0 || math.IsNaN(det) || math.IsInf(det, 0) {
		return Transform{}, false
	}
	inv := Identity()
	inv[0] = m[5] / det
	inv[1] = -m[1] / det
	inv[4] = -m[4] / det
	inv[5] = m[0] / det
	inv[12] = -(inv[0]*m[12] + inv[4]*m[13])
	inv[13] = -(inv[1]*m[12] + inv[5]*m[13])
	return inv, true
}

// Query carries everything a generator needs for one selection pass.
// Non-finite zoom bounds leave the level unclamped on that side.
type Query struct {
	Viewport  Viewport
	MinZoom   float64
	MaxZoom   float64
	// ZRange is passed through for 3D-aware generators; the flat generators
	// in this package ignore it.
	ZRange    *ZRange
	Transform *Transform
}

// tileSpace maps the viewport bound into the layer's own coordinates.
func (q Query) tileSpace() orb.Bound {
	b := q.Viewport.Bound
	if q.Transform == nil {
		return b
	}
	inv, ok := q.Transform.Inverse()
	if !ok {
		return b
	}
	corners := []orb.Point{
		b.Min,
		{b.Max[0], b.Min[1]},
		b.Max,
		{b.Min[0], b.Max[1]},
	}
	out := orb.Bound{Min: inv.Apply(corners[0]), Max: inv.Apply(corners[0])}
	for _, c := range corners[1:] {
		out = out.Extend(inv.Apply(c))
	}
	return out
}

// clampLevel applies the query's zoom bounds to z. ok is false when z falls
// below the minimum and clamping up is not allowed.
func (q Query) clampLevel(z int, clampUp bool) (int, bool) {
	if !math.IsInf(q.MinZoom, 0) && !math.IsNaN(q.MinZoom) {
		if min := int(math.Ceil(q.MinZoom)); z < min {
			if !clampUp {
				return 0, false
			}
			z = min
		}
	}
	if !math.IsInf(q.MaxZoom, 0) && !math.IsNaN(q.MaxZoom) {
		if max := int(math.Floor(q.MaxZoom)); z > max {
			z = max
		}
	}
	if z < 0 {
		z = 0
	}
	if z > MaxLevel {
		z = MaxLevel
	}
	return z, true
}

// MaxLevel is the deepest level any generator emits.
const MaxLevel = 30

func intersect(a, b orb.Bound) (orb.Bound, bool) {
	if !a.Intersects(b) {
		return orb.Bound{}, false
	}
	return orb.Bound{
		Min: orb.Point{math.Max(a.Min[0], b.Min[0]), math.Max(a.Min[1], b.Min[1])},
		Max: orb.Point{math.Min(a.Max[0], b.Max[0]), math.Min(a.Max[1], b.Max[1])},
	}, true
}
