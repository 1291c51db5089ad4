package tileset

import (
	"math"
	"sort"

	"go.uber.org/zap"

	"tilecascade/internal/metrics"
	"tilecascade/internal/tile"
)

// pruneRequests aborts loads nobody waits for, oldest first, until the number
// of loads in flight fits under MaxRequests.
func (t *Tileset) pruneRequests() {
	limit := t.opts.MaxRequests
	if limit <= 0 {
		return
	}

	loading := 0
	var abortable []*tile.Header
	t.store.Each(func(h *tile.Header) bool {
		if h.IsLoading() {
			loading++
			if !h.Selected() && !h.Visible() {
				abortable = append(abortable, h)
			}
		}
		return true
	})

	for len(abortable) > 0 && loading > limit {
		h := abortable[0]
		abortable = abortable[1:]
		if h.Abort() {
			metrics.TileAborts.Inc()
			t.log.Debug("tile load aborted", zap.String("tile", h.Coordinate().String()))
			loading--
		}
	}
}

func (t *Tileset) limits() (count int, bytes int64) {
	count = t.opts.MaxCacheSize
	if count <= 0 {
		if t.opts.MaxCacheByteSize > 0 {
			count = math.MaxInt
		} else {
			count = defaultCacheScale * len(t.selected)
		}
	}
	bytes = t.opts.MaxCacheByteSize
	if bytes <= 0 {
		bytes = math.MaxInt64
	}
	return count, bytes
}

// resize evicts tiles in insertion order until the store fits both budgets.
// Selected and visible tiles are never evicted.
func (t *Tileset) resize() {
	maxCount, maxBytes := t.limits()

	evicted := 0
	if t.store.Len() > maxCount || t.byteSize > maxBytes {
		t.store.Each(func(h *tile.Header) bool {
			if t.store.Len() <= maxCount && t.byteSize <= maxBytes {
				return false
			}
			if !h.Selected() && !h.Visible() {
				t.evict(h)
				evicted++
			}
			return true
		})
	}
	if evicted > 0 {
		t.log.Debug("tiles evicted",
			zap.Int("evicted", evicted),
			zap.Int("resident", t.store.Len()),
			zap.Int64("bytes", t.byteSize),
		)
		t.rebuildTree()
	}

	t.relist()
	t.dirty = false
}

// relist refreshes the render order: coarsest level first so finer tiles
// paint on top.
func (t *Tileset) relist() {
	t.tiles = t.store.All()
	sort.SliceStable(t.tiles, func(i, j int) bool {
		return t.tiles[i].Level() < t.tiles[j].Level()
	})
}

func (t *Tileset) evict(h *tile.Header) {
	h.Abort()
	t.store.Delete(h.Key())
	t.byteSize -= int64(h.ByteLength())

	metrics.ResidentTiles.Dec()
	metrics.ResidentBytes.Sub(float64(h.ByteLength()))
	metrics.TileEvictions.Inc()

	if t.cb.OnTileUnload != nil {
		t.cb.OnTileUnload(h)
	}
}

// ReloadAll drops every tile that is not selected and flags the selected
// ones for reload. Selected tiles keep showing their current content until
// the fresh load lands on the next Update.
func (t *Tileset) ReloadAll() {
	evicted := 0
	t.store.Each(func(h *tile.Header) bool {
		if h.Selected() {
			h.MarkNeedsReload()
			return true
		}
		t.evict(h)
		evicted++
		return true
	})
	if evicted > 0 {
		t.dirty = true
		t.treeStale = true
		t.relist()
	}
	t.log.Info("tileset reload requested",
		zap.Int("evicted", evicted),
		zap.Int("reloading", t.store.Len()),
	)
}

// Finalize aborts every load in flight and empties the tileset. Results that
// arrive afterwards are dropped.
func (t *Tileset) Finalize() {
	t.store.Each(func(h *tile.Header) bool {
		if h.Abort() {
			metrics.TileAborts.Inc()
		}
		return true
	})

	metrics.ResidentTiles.Sub(float64(t.store.Len()))
	metrics.ResidentBytes.Sub(float64(t.byteSize))

	t.store.Clear()
	t.byteSize = 0
	t.selected = nil
	t.tiles = nil
	t.dirty = false
	t.treeStale = false
	t.hasViewport = false

	t.mu.Lock()
	t.pending = nil
	t.mu.Unlock()
}
