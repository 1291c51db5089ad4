package tile

// Rebuild recomputes every parent/children link from scratch. Each tile is
// attached to its nearest resident ancestor, searching no further up than
// minLevel. Must run whenever membership changes.
func (s *Store) Rebuild(minLevel int) {
	s.Each(func(h *Header) bool {
		h.clearLinks()
		return true
	})

	s.Each(func(h *Header) bool {
		if parent := s.nearestAncestor(h.coord, minLevel); parent != nil {
			h.parent = parent.key
			parent.children = append(parent.children, h.key)
		}
		return true
	})
}

func (s *Store) nearestAncestor(c Coordinate, minLevel int) *Header {
	for c.Z > minLevel {
		c = c.Parent()
		if h := s.Get(c.Key()); h != nil {
			return h
		}
	}
	return nil
}
