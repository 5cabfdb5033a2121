package parallel

import "image"

// Tile size in pixels. 64x64 RGBA is 16KB, which keeps one tile's colour and
// depth rows hot while a worker rasterizes it.
const (
	TileWidth  = 64
	TileHeight = 64
)

// Tile is one screen region together with the primitives overlapping it.
// Tiles cover disjoint pixels, so workers can rasterize different tiles into
// the same colour and depth buffers without locking.
type Tile struct {
	// X and Y are the tile column and row.
	X, Y int

	// Bounds is the pixel rectangle covered by the tile, clipped to the
	// target.
	Bounds image.Rectangle

	// Items holds primitive indices in submission order.
	Items []int32
}

// Reset forgets the binned primitives but keeps their storage.
func (t *Tile) Reset() {
	t.Items = t.Items[:0]
}

// Empty reports whether no primitive overlaps the tile.
func (t *Tile) Empty() bool {
	return len(t.Items) == 0
}
