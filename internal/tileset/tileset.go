// Package tileset keeps the resident tile set of one viewport consumer in
// step with what the viewport needs, and decides which resident tiles are
// rendered while better ones are still loading.
//
// A Tileset is not safe for concurrent use. Update and every mutator must be
// called from one goroutine; loads run in the background and their results
// are applied on that goroutine by Update, ApplyLoads or WaitLoad.
package tileset

import (
	"context"
	"math"
	"sync"

	"go.uber.org/zap"

	"tilecascade/internal/index"
	"tilecascade/internal/refine"
	"tilecascade/internal/scheduler"
	"tilecascade/internal/tile"
)

// defaultCacheScale bounds the resident count when no budget is configured.
const defaultCacheScale = 5

// Request describes one tile load.
type Request struct {
	Coordinate tile.Coordinate
	Key        tile.Key
	Metadata   tile.Metadata
}

// Loader fetches and decodes a tile payload. It must return promptly once
// ctx is cancelled.
type Loader interface {
	Load(ctx context.Context, req Request) (any, error)
}

type LoaderFunc func(ctx context.Context, req Request) (any, error)

func (f LoaderFunc) Load(ctx context.Context, req Request) (any, error) {
	return f(ctx, req)
}

type IndexGenerator interface {
	Generate(q index.Query) []tile.Coordinate
}

type MetadataProvider func(tile.Coordinate) tile.Metadata

type Scheduler interface {
	Schedule(ctx context.Context) (scheduler.Token, error)
}

// Callbacks are invoked on the goroutine that drives the tileset.
type Callbacks struct {
	OnTileLoad   func(h *tile.Header)
	OnTileUnload func(h *tile.Header)
	OnTileError  func(err error, h *tile.Header)
}

// Options configure budgets and refinement. Zero cache sizes mean no budget
// was set. Non-finite zoom bounds leave that side unclamped.
type Options struct {
	MaxCacheSize     int
	MaxCacheByteSize int64
	Strategy         refine.Strategy
	MinZoom          float64
	MaxZoom          float64
	MaxRequests      int
}

func DefaultOptions() Options {
	return Options{
		Strategy:    refine.BestAvailable,
		MinZoom:     0,
		MaxZoom:     math.Inf(1),
		MaxRequests: 6,
	}
}

type Option func(*Tileset)

func WithScheduler(s Scheduler) Option {
	return func(t *Tileset) { t.sched = s }
}

func WithMetadata(p MetadataProvider) Option {
	return func(t *Tileset) { t.meta = p }
}

func WithCallbacks(cb Callbacks) Option {
	return func(t *Tileset) { t.cb = cb }
}

// WithBaseContext sets the context every load derives from.
func WithBaseContext(ctx context.Context) Option {
	return func(t *Tileset) { t.baseCtx = ctx }
}

type Tileset struct {
	opts     Options
	minLevel int
	maxLevel int

	loader Loader
	gen    IndexGenerator
	meta   MetadataProvider
	sched  Scheduler
	cb     Callbacks
	log    *zap.Logger

	store    *tile.Store
	byteSize int64
	selected []*tile.Header
	tiles    []*tile.Header
	frame    int

	// dirty means membership changed since the last resize; treeStale means
	// since the last tree rebuild.
	dirty     bool
	treeStale bool

	hasViewport bool
	viewport    index.Viewport
	zRange      *index.ZRange
	transform   *index.Transform

	baseCtx context.Context
	mu      sync.Mutex
	pending []completion
	notify  chan struct{}
}

func New(opts Options, loader Loader, gen IndexGenerator, log *zap.Logger, options ...Option) *Tileset {
	if log == nil {
		log = zap.NewNop()
	}
	t := &Tileset{
		opts:    opts,
		loader:  loader,
		gen:     gen,
		log:     log,
		store:   tile.NewStore(),
		baseCtx: context.Background(),
		notify:  make(chan struct{}, 1),
	}
	for _, o := range options {
		o(t)
	}
	if t.meta == nil {
		t.meta = func(tile.Coordinate) tile.Metadata { return tile.Metadata{} }
	}
	if t.sched == nil {
		t.sched = scheduler.New(opts.MaxRequests)
	}
	t.setLevels()
	return t
}

func (t *Tileset) setLevels() {
	t.minLevel = 0
	if z := t.opts.MinZoom; !math.IsInf(z, 0) && !math.IsNaN(z) && z > 0 {
		t.minLevel = int(math.Ceil(z))
	}
	t.maxLevel = index.MaxLevel
	if z := t.opts.MaxZoom; !math.IsInf(z, 0) && !math.IsNaN(z) && z >= 0 {
		t.maxLevel = int(math.Floor(z))
	}
}

func (t *Tileset) Options() Options { return t.opts }

// Frame is the counter returned by the last Update.
func (t *Tileset) Frame() int { return t.frame }

func (t *Tileset) Len() int { return t.store.Len() }

func (t *Tileset) ByteSize() int64 { return t.byteSize }

// Get returns the resident header for c without creating or loading it.
func (t *Tileset) Get(c tile.Coordinate) *tile.Header {
	return t.store.Get(c.Key())
}

// Tiles returns every resident tile, coarsest level first.
func (t *Tileset) Tiles() []*tile.Header {
	return t.tiles
}

func (t *Tileset) Selected() []*tile.Header {
	out := make([]*tile.Header, len(t.selected))
	copy(out, t.selected)
	return out
}

// Visible returns the tiles to render, coarsest level first so finer tiles
// paint on top.
func (t *Tileset) Visible() []*tile.Header {
	var out []*tile.Header
	for _, h := range t.tiles {
		if h.Visible() {
			out = append(out, h)
		}
	}
	return out
}

// Loading counts tiles with a load in flight.
func (t *Tileset) Loading() int {
	n := 0
	t.store.Each(func(h *tile.Header) bool {
		if h.IsLoading() {
			n++
		}
		return true
	})
	return n
}
