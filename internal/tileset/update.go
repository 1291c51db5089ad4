package tileset

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"tilecascade/internal/index"
	"tilecascade/internal/metrics"
	"tilecascade/internal/refine"
	"tilecascade/internal/tile"
)

var tracer = otel.Tracer("tilecascade/internal/tileset")

type updateParams struct {
	zRange    *index.ZRange
	transform *index.Transform
}

type UpdateOption func(*updateParams)

func WithZRange(r index.ZRange) UpdateOption {
	return func(p *updateParams) { p.zRange = &r }
}

func WithTransform(m index.Transform) UpdateOption {
	return func(p *updateParams) { p.transform = &m }
}

// Update runs one cycle for viewport and returns the frame counter, which
// advances only when the set of visible tiles changed.
func (t *Tileset) Update(ctx context.Context, viewport index.Viewport, opts ...UpdateOption) int {
	_, span := tracer.Start(ctx, "tileset.Update")
	defer span.End()
	start := time.Now()

	t.ApplyLoads()

	var p updateParams
	for _, o := range opts {
		o(&p)
	}

	if !t.hasViewport || viewport != t.viewport || !equalPtr(p.zRange, t.zRange) || !equalPtr(p.transform, t.transform) {
		t.hasViewport = true
		t.viewport = viewport
		t.zRange = p.zRange
		t.transform = p.transform

		coords := t.gen.Generate(index.Query{
			Viewport:  viewport,
			MinZoom:   t.opts.MinZoom,
			MaxZoom:   t.opts.MaxZoom,
			ZRange:    p.zRange,
			Transform: p.transform,
		})
		selected := make([]*tile.Header, 0, len(coords))
		for _, c := range coords {
			if h := t.GetOrCreate(c, true); h != nil {
				selected = append(selected, h)
			}
		}
		t.selected = selected
	} else if t.needsReload() {
		for i, h := range t.selected {
			if fresh := t.GetOrCreate(h.Coordinate(), true); fresh != nil {
				t.selected[i] = fresh
			}
		}
	}

	if t.treeStale {
		t.rebuildTree()
	}

	changed := t.updateTileStates()
	t.pruneRequests()
	if t.dirty {
		t.resize()
	}
	if changed {
		t.frame++
	}

	metrics.UpdateDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.Int("tileset.frame", t.frame),
		attribute.Int("tileset.selected", len(t.selected)),
		attribute.Int("tileset.resident", t.store.Len()),
		attribute.Bool("tileset.changed", changed),
	)
	return t.frame
}

// GetOrCreate returns the header for c. A missing header is created and
// starts loading when create is set; an existing one flagged for reload
// starts loading again.
func (t *Tileset) GetOrCreate(c tile.Coordinate, create bool) *tile.Header {
	if !c.Valid() {
		return nil
	}

	h := t.store.Get(c.Key())
	load := false
	switch {
	case h == nil && create:
		h = tile.NewHeader(c, t.meta(c))
		t.store.Put(h)
		t.dirty = true
		t.treeStale = true
		metrics.ResidentTiles.Inc()
		load = true
	case h != nil && h.NeedsReload():
		load = true
	}

	// Once the base context is done every load would be cancelled at once,
	// so aborted tiles stay unloaded instead of restarting on each cycle.
	if h != nil && load && t.baseCtx.Err() == nil {
		t.startLoad(h)
	}
	return h
}

func (t *Tileset) needsReload() bool {
	for _, h := range t.selected {
		if h.NeedsReload() {
			return true
		}
	}
	return false
}

// updateTileStates reapplies selection, runs refinement and reports whether
// any tile's visibility changed.
func (t *Tileset) updateTileStates() bool {
	all := t.store.All()
	before := make([]bool, len(all))
	for i, h := range all {
		before[i] = h.Visible()
		h.SetSelected(false)
	}
	for _, h := range t.selected {
		h.SetSelected(true)
	}

	t.opts.Strategy.Apply(t.store, refine.Bounds{MinLevel: t.minLevel, MaxLevel: t.maxLevel})

	for i, h := range all {
		if before[i] != h.Visible() {
			return true
		}
	}
	return false
}

func (t *Tileset) rebuildTree() {
	t.store.Rebuild(t.minLevel)
	t.treeStale = false
	t.log.Debug("tile tree rebuilt", zap.Int("resident", t.store.Len()))
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
