package parallel

import "image"

// TileGrid bins primitives into the screen tiles their bounding boxes touch.
//
// Thread safety: Bin and Reset are NOT safe for concurrent use. Binning is a
// serial pass; the tiles it produces are then processed in parallel.
type TileGrid struct {
	tiles  []Tile
	tilesX int
	tilesY int
	width  int
	height int
}

// NewTileGrid creates a grid covering a width x height target. Edge tiles
// are smaller when the target is not a multiple of the tile size.
func NewTileGrid(width, height int) *TileGrid {
	g := &TileGrid{}
	if width <= 0 || height <= 0 {
		return g
	}
	g.width, g.height = width, height
	g.tilesX = (width + TileWidth - 1) / TileWidth
	g.tilesY = (height + TileHeight - 1) / TileHeight
	g.tiles = make([]Tile, g.tilesX*g.tilesY)
	for ty := range g.tilesY {
		for tx := range g.tilesX {
			r := image.Rect(tx*TileWidth, ty*TileHeight, (tx+1)*TileWidth, (ty+1)*TileHeight)
			g.tiles[ty*g.tilesX+tx] = Tile{X: tx, Y: ty, Bounds: r.Intersect(image.Rect(0, 0, width, height))}
		}
	}
	return g
}

// Bin records item in every tile overlapped by r. Rectangles outside the
// target are ignored.
func (g *TileGrid) Bin(r image.Rectangle, item int32) {
	r = r.Intersect(image.Rect(0, 0, g.width, g.height))
	if r.Empty() {
		return
	}
	tx0, ty0 := r.Min.X/TileWidth, r.Min.Y/TileHeight
	tx1, ty1 := (r.Max.X-1)/TileWidth, (r.Max.Y-1)/TileHeight
	for ty := ty0; ty <= ty1; ty++ {
		row := g.tiles[ty*g.tilesX : (ty+1)*g.tilesX]
		for tx := tx0; tx <= tx1; tx++ {
			row[tx].Items = append(row[tx].Items, item)
		}
	}
}

// Reset empties every tile.
func (g *TileGrid) Reset() {
	for i := range g.tiles {
		g.tiles[i].Reset()
	}
}

// Tiles returns all tiles in row-major order.
func (g *TileGrid) Tiles() []Tile {
	return g.tiles
}

// TileAt returns the tile at column tx, row ty, or nil if out of range.
func (g *TileGrid) TileAt(tx, ty int) *Tile {
	if tx < 0 || tx >= g.tilesX || ty < 0 || ty >= g.tilesY {
		return nil
	}
	return &g.tiles[ty*g.tilesX+tx]
}

// TileCount returns the number of tiles.
func (g *TileGrid) TileCount() int { return len(g.tiles) }

// TilesX returns the number of tile columns.
func (g *TileGrid) TilesX() int { return g.tilesX }

// TilesY returns the number of tile rows.
func (g *TileGrid) TilesY() int { return g.tilesY }

// Width returns the target width in pixels.
func (g *TileGrid) Width() int { return g.width }

// Height returns the target height in pixels.
func (g *TileGrid) Height() int { return g.height }
