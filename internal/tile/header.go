package tile

import (
	"context"
)

// LoadState is the payload lifecycle of a header.
type LoadState int

const (
	Unloaded LoadState = iota
	Loading
	Loaded
	Errored
)

func (s LoadState) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

// Flags are the packed per-cycle refinement bits.
type Flags uint8

const (
	FlagVisited Flags = 1 << iota
	FlagVisible
)

// Sizer is implemented by payloads that know their own byte size.
type Sizer interface {
	ByteLength() int
}

// SizeOf reports the byte length of a payload.
func SizeOf(content any) int {
	switch v := content.(type) {
	case nil:
		return 0
	case []byte:
		return len(v)
	case string:
		return len(v)
	case Sizer:
		return v.ByteLength()
	default:
		return 0
	}
}

// Header is the mutable state of one resident tile. Parent and children
// are stored as keys and resolved through the owning Store, so an evicted
// tile can never be reached through a stale link.
type Header struct {
	coord Coordinate
	key   Key
	meta  Metadata

	state       LoadState
	needsReload bool
	cancelled   bool
	content     any
	byteLength  int
	err         error

	selected bool
	visible  bool
	flags    Flags

	parent   Key
	children []Key

	generation uint64
	cancel     context.CancelFunc
}

func NewHeader(coord Coordinate, meta Metadata) *Header {
	return &Header{
		coord: coord,
		key:   coord.Key(),
		meta:  meta,
	}
}

func (h *Header) Coordinate() Coordinate { return h.coord }
func (h *Header) Key() Key               { return h.key }
func (h *Header) Level() int             { return h.coord.Z }
func (h *Header) Metadata() Metadata     { return h.meta }
func (h *Header) State() LoadState       { return h.state }
func (h *Header) Content() any           { return h.content }
func (h *Header) ByteLength() int        { return h.byteLength }
func (h *Header) Err() error             { return h.err }
func (h *Header) Generation() uint64     { return h.generation }

// IsLoaded reports whether the last load settled, successfully or not.
func (h *Header) IsLoaded() bool {
	return h.state == Loaded || h.state == Errored
}

func (h *Header) IsLoading() bool {
	return h.state == Loading
}

// NeedsReload is true after an explicit invalidation and after an abort,
// so a cancelled tile that gets selected again starts a fresh load.
func (h *Header) NeedsReload() bool {
	return h.needsReload || h.cancelled
}

// HasContent reports whether the tile can stand in as a placeholder.
// A tile being reloaded keeps its previous content until the new one lands.
func (h *Header) HasContent() bool {
	return h.IsLoaded() || h.content != nil
}

func (h *Header) MarkNeedsReload() {
	h.needsReload = true
}

func (h *Header) Selected() bool        { return h.selected }
func (h *Header) SetSelected(v bool)    { h.selected = v }
func (h *Header) Visible() bool         { return h.visible }
func (h *Header) SetVisible(v bool)     { h.visible = v }
func (h *Header) Flags() Flags          { return h.flags }
func (h *Header) SetFlags(f Flags)      { h.flags = f }
func (h *Header) AddFlags(f Flags)      { h.flags |= f }
func (h *Header) HasFlags(f Flags) bool { return h.flags&f != 0 }

// Parent returns the key of the nearest resident ancestor, or "" if none.
func (h *Header) Parent() Key { return h.parent }

// Children returns the keys of resident tiles whose nearest ancestor is h.
// The slice must not be modified.
func (h *Header) Children() []Key { return h.children }

// BeginLoad moves the header into Loading and returns the context the load
// must run under together with the generation to hand back to Complete.
func (h *Header) BeginLoad(parent context.Context) (context.Context, uint64) {
	if h.cancel != nil {
		h.cancel()
	}
	ctx, cancel := context.WithCancel(parent)
	h.generation++
	h.cancel = cancel
	h.state = Loading
	h.needsReload = false
	h.cancelled = false
	h.err = nil
	return ctx, h.generation
}

// Abort cancels an in-flight load. It is a no-op unless the header is
// loading, and reports whether anything was cancelled.
func (h *Header) Abort() bool {
	if h.state != Loading {
		return false
	}
	h.cancelled = true
	h.state = Unloaded
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	return true
}

// Complete applies the outcome of the load started with generation gen.
// It returns false when the result is stale: the load was aborted or
// superseded by a newer one. delta is the change in resident bytes.
func (h *Header) Complete(gen uint64, content any, err error) (applied bool, delta int) {
	if gen != h.generation || h.state != Loading {
		return false, 0
	}
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}

	prev := h.byteLength
	if err != nil {
		h.state = Errored
		h.err = err
		h.content = nil
		h.byteLength = 0
	} else {
		h.state = Loaded
		h.content = content
		h.byteLength = SizeOf(content)
	}
	return true, h.byteLength - prev
}

func (h *Header) clearLinks() {
	h.parent = ""
	h.children = h.children[:0]
}
