package tileset

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"tilecascade/internal/metrics"
	"tilecascade/internal/tile"
)

type completion struct {
	header  *tile.Header
	gen     uint64
	content any
	err     error
}

func (t *Tileset) startLoad(h *tile.Header) {
	ctx, gen := h.BeginLoad(t.baseCtx)
	req := Request{
		Coordinate: h.Coordinate(),
		Key:        h.Key(),
		Metadata:   h.Metadata(),
	}
	metrics.TileLoads.Inc()
	t.log.Debug("tile load started", zap.String("tile", req.Coordinate.String()), zap.Uint64("generation", gen))

	go t.runLoad(ctx, h, gen, req)
}

func (t *Tileset) runLoad(ctx context.Context, h *tile.Header, gen uint64, req Request) {
	token, err := t.sched.Schedule(ctx)
	if err != nil {
		t.post(completion{header: h, gen: gen, err: err})
		return
	}
	content, err := t.loader.Load(ctx, req)
	token.Done()
	t.post(completion{header: h, gen: gen, content: content, err: err})
}

func (t *Tileset) post(c completion) {
	t.mu.Lock()
	t.pending = append(t.pending, c)
	t.mu.Unlock()

	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// ApplyLoads applies every load result received so far and returns how many
// were drained. Results of aborted or superseded loads are dropped.
func (t *Tileset) ApplyLoads() int {
	t.mu.Lock()
	batch := t.pending
	t.pending = nil
	t.mu.Unlock()

	for _, c := range batch {
		t.apply(c)
	}
	return len(batch)
}

// WaitLoad blocks until at least one load result arrives, then applies
// everything received.
func (t *Tileset) WaitLoad(ctx context.Context) error {
	for {
		if t.ApplyLoads() > 0 {
			return nil
		}
		select {
		case <-t.notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitIdle applies results until no tile is loading.
func (t *Tileset) WaitIdle(ctx context.Context) error {
	for {
		t.ApplyLoads()
		if t.Loading() == 0 {
			return nil
		}
		select {
		case <-t.notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *Tileset) apply(c completion) {
	h := c.header
	if t.store.Get(h.Key()) != h {
		return
	}
	// A load cancelled from outside (base context shutdown) is an abort,
	// not a failure.
	if errors.Is(c.err, context.Canceled) && c.gen == h.Generation() {
		h.Abort()
		return
	}
	applied, delta := h.Complete(c.gen, c.content, c.err)
	if !applied {
		return
	}
	t.byteSize += int64(delta)
	metrics.ResidentBytes.Add(float64(delta))
	// Growth past the byte budget is settled by the next resize.
	if delta > 0 && t.opts.MaxCacheByteSize > 0 {
		t.dirty = true
	}

	if c.err != nil {
		metrics.TileLoadErrors.Inc()
		t.log.Warn("tile load failed", zap.String("tile", h.Coordinate().String()), zap.Error(c.err))
		if t.cb.OnTileError != nil {
			t.cb.OnTileError(c.err, h)
		}
		return
	}

	t.log.Debug("tile loaded", zap.String("tile", h.Coordinate().String()), zap.Int("bytes", h.ByteLength()))
	if t.cb.OnTileLoad != nil {
		t.cb.OnTileLoad(h)
	}
}
