package tile

import (
	"container/list"
)

// Store is the arena that owns every resident header. Iteration follows
// insertion order, which drives the prune and eviction scans.
type Store struct {
	items map[Key]*list.Element
	order *list.List
}

func NewStore() *Store {
	return &Store{
		items: make(map[Key]*list.Element),
		order: list.New(),
	}
}

func (s *Store) Len() int {
	return s.order.Len()
}

func (s *Store) Get(key Key) *Header {
	elem, ok := s.items[key]
	if !ok {
		return nil
	}
	return elem.Value.(*Header)
}

// Put inserts h at the end of the iteration order. An existing header with
// the same key is replaced in place.
func (s *Store) Put(h *Header) {
	if elem, ok := s.items[h.key]; ok {
		elem.Value = h
		return
	}
	s.items[h.key] = s.order.PushBack(h)
}

func (s *Store) Delete(key Key) *Header {
	elem, ok := s.items[key]
	if !ok {
		return nil
	}
	delete(s.items, key)
	s.order.Remove(elem)
	return elem.Value.(*Header)
}

func (s *Store) Clear() {
	s.items = make(map[Key]*list.Element)
	s.order = list.New()
}

// All returns the resident headers in iteration order.
func (s *Store) All() []*Header {
	out := make([]*Header, 0, s.order.Len())
	for elem := s.order.Front(); elem != nil; elem = elem.Next() {
		out = append(out, elem.Value.(*Header))
	}
	return out
}

// Each visits headers in iteration order until fn returns false.
// fn may delete the header it is given.
func (s *Store) Each(fn func(h *Header) bool) {
	for elem := s.order.Front(); elem != nil; {
		next := elem.Next()
		if !fn(elem.Value.(*Header)) {
			return
		}
		elem = next
	}
}

// ParentOf resolves h's parent link, or nil.
func (s *Store) ParentOf(h *Header) *Header {
	if h.parent == "" {
		return nil
	}
	return s.Get(h.parent)
}

// ChildrenOf resolves h's child links, skipping keys no longer resident.
func (s *Store) ChildrenOf(h *Header) []*Header {
	if len(h.children) == 0 {
		return nil
	}
	out := make([]*Header, 0, len(h.children))
	for _, key := range h.children {
		if child := s.Get(key); child != nil {
			out = append(out, child)
		}
	}
	return out
}
