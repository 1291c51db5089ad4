// Package refine decides which resident tiles are shown, given which tiles
// the viewport selected and which of them have content yet.
package refine

import (
	"fmt"
	"sort"

	"tilecascade/internal/tile"
)

// Kind names a built-in refinement strategy.
type Kind int

const (
	KindBestAvailable Kind = iota
	KindNever
	KindNoOverlap
	KindCustom
)

// CustomFunc receives every resident tile in cache order, with selection
// already applied and visibility cleared, and must set visibility itself.
type CustomFunc func(tiles []*tile.Header)

// Strategy is one of the built-in variants or a caller supplied function.
// The zero value is BestAvailable.
type Strategy struct {
	kind   Kind
	custom CustomFunc
}

var (
	BestAvailable = Strategy{kind: KindBestAvailable}
	Never         = Strategy{kind: KindNever}
	NoOverlap     = Strategy{kind: KindNoOverlap}
)

func Custom(fn CustomFunc) Strategy {
	if fn == nil {
		return BestAvailable
	}
	return Strategy{kind: KindCustom, custom: fn}
}

// Parse maps a configuration name to a built-in strategy.
func Parse(name string) (Strategy, error) {
	switch name {
	case "", "best-available":
		return BestAvailable, nil
	case "never":
		return Never, nil
	case "no-overlap":
		return NoOverlap, nil
	default:
		return BestAvailable, fmt.Errorf("unknown refinement strategy: %s (supported: never, no-overlap, best-available)", name)
	}
}

func (s Strategy) Kind() Kind { return s.kind }

func (s Strategy) String() string {
	switch s.kind {
	case KindNever:
		return "never"
	case KindNoOverlap:
		return "no-overlap"
	case KindCustom:
		return "custom"
	default:
		return "best-available"
	}
}

// Bounds limits the placeholder searches. MaxLevel caps descendant
// recursion.
type Bounds struct {
	MinLevel int
	MaxLevel int
}

// Apply recomputes visibility for every tile in store. Selection flags must
// already be set.
func (s Strategy) Apply(store *tile.Store, bounds Bounds) {
	tiles := store.All()
	for _, t := range tiles {
		t.SetFlags(0)
		t.SetVisible(false)
	}

	switch s.kind {
	case KindNever:
		for _, t := range tiles {
			t.SetVisible(t.Selected())
		}
	case KindNoOverlap:
		searcher{store: store, bounds: bounds}.noOverlap(tiles)
	case KindCustom:
		s.custom(tiles)
	default:
		searcher{store: store, bounds: bounds}.bestAvailable(tiles)
	}
}

type searcher struct {
	store  *tile.Store
	bounds Bounds
}

func (s searcher) bestAvailable(tiles []*tile.Header) {
	for _, t := range tiles {
		if t.Selected() && !s.placeholderInAncestors(t) {
			s.placeholderInChildren(t)
		}
	}
	for _, t := range tiles {
		t.SetVisible(t.HasFlags(tile.FlagVisible))
	}
}

func (s searcher) noOverlap(tiles []*tile.Header) {
	for _, t := range tiles {
		if t.Selected() {
			s.placeholderInAncestors(t)
		}
	}

	sorted := make([]*tile.Header, len(tiles))
	copy(sorted, tiles)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Level() < sorted[j].Level()
	})

	for _, t := range sorted {
		t.SetVisible(t.HasFlags(tile.FlagVisible))
		children := s.store.ChildrenOf(t)
		if len(children) > 0 && (t.Visible() || t.HasFlags(tile.FlagVisited)) {
			for _, child := range children {
				child.SetFlags(tile.FlagVisited)
			}
		} else if t.Selected() {
			s.placeholderInChildren(t)
		}
	}
}

// placeholderInAncestors marks the nearest tile with content, starting at t
// itself and walking up through parent links.
func (s searcher) placeholderInAncestors(t *tile.Header) bool {
	for t != nil && t.Level() >= s.bounds.MinLevel {
		if t.HasContent() {
			t.AddFlags(tile.FlagVisible)
			return true
		}
		t = s.store.ParentOf(t)
	}
	return false
}

// placeholderInChildren marks every child with content and descends into
// the ones without.
func (s searcher) placeholderInChildren(t *tile.Header) {
	if t.Level() >= s.bounds.MaxLevel {
		return
	}
	for _, child := range s.store.ChildrenOf(t) {
		if child.Level() <= t.Level() {
			continue
		}
		if child.HasContent() {
			child.AddFlags(tile.FlagVisible)
		} else {
			s.placeholderInChildren(child)
		}
	}
}
