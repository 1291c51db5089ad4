package tile

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// Coordinate identifies one cell of the level-indexed partition.
// Z is the level, increasing with depth.
type Coordinate struct {
	X int
	Y int
	Z int
}

// Key is the canonical identity of a tile inside the store.
type Key string

// Metadata is attached to a header when it is created.
type Metadata struct {
	Bound orb.Bound
	Attrs map[string]any
}

func (c Coordinate) Key() Key {
	return Key(fmt.Sprintf("%d-%d-%d", c.X, c.Y, c.Z))
}

func (c Coordinate) String() string {
	return fmt.Sprintf("%d/%d/%d", c.Z, c.X, c.Y)
}

// Parent applies the halving rule. Calling it on a level 0 coordinate
// returns a coordinate with a negative level.
func (c Coordinate) Parent() Coordinate {
	return Coordinate{X: c.X / 2, Y: c.Y / 2, Z: c.Z - 1}
}

// Children returns the four cells one level below c.
func (c Coordinate) Children() [4]Coordinate {
	x, y, z := c.X*2, c.Y*2, c.Z+1
	return [4]Coordinate{
		{X: x, Y: y, Z: z},
		{X: x + 1, Y: y, Z: z},
		{X: x, Y: y + 1, Z: z},
		{X: x + 1, Y: y + 1, Z: z},
	}
}

func (c Coordinate) IsParentOf(child Coordinate) bool {
	return child.Z == c.Z+1 && child.Parent() == c
}

func (c Coordinate) Valid() bool {
	return c.X >= 0 && c.Y >= 0 && c.Z >= 0
}

// MapTile converts to the web-mercator tile of the same index.
func (c Coordinate) MapTile() maptile.Tile {
	return maptile.New(uint32(c.X), uint32(c.Y), maptile.Zoom(c.Z))
}

func FromMapTile(t maptile.Tile) Coordinate {
	return Coordinate{X: int(t.X), Y: int(t.Y), Z: int(t.Z)}
}
