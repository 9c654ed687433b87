package raster

import "fmt"

// TileOrigin is the top-left pixel of a tile in its parent raster.
type TileOrigin struct {
	Col, Row int
}

// TileGrid returns the origins of the floor(width/size) × floor(height/size)
// full tiles in row-major order. The trailing partial row and column are
// never covered.
func TileGrid(width, height, size int) []TileOrigin {
	if size <= 0 {
		return nil
	}
	nx, ny := width/size, height/size
	out := make([]TileOrigin, 0, nx*ny)
	for j := 0; j < ny; j++ {
		for i := 0; i < nx; i++ {
			out = append(out, TileOrigin{Col: i * size, Row: j * size})
		}
	}
	return out
}

// Tile is one co-located image/label window. Index counts emitted tiles.
type Tile struct {
	Index int
	TileOrigin
	Image *Raster
	Label *Raster
}

// Tiles cuts an aligned pair into size×size tiles. Windows that come back
// short are skipped, not padded.
func Tiles(img, lbl *Raster, size int) ([]Tile, error) {
	if size <= 0 {
		return nil, fmt.Errorf("tile size must be positive, got %d: %w", size, ErrConfiguration)
	}
	if !img.Grid.Equal(lbl.Grid) {
		return nil, fmt.Errorf("image grid %v does not match label grid %v: %w", img.Grid, lbl.Grid, ErrSpatialAlignment)
	}

	var out []Tile
	for _, o := range TileGrid(img.Width, img.Height, size) {
		iw := img.Window(o.Col, o.Row, size, size)
		lw := lbl.Window(o.Col, o.Row, size, size)
		if iw.Width != size || iw.Height != size || lw.Width != size || lw.Height != size {
			continue
		}
		out = append(out, Tile{Index: len(out), TileOrigin: o, Image: iw, Label: lw})
	}
	return out, nil
}
