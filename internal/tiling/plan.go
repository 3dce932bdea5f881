// Package tiling splits images into fixed-size overlapping tiles, runs them
// through an upscaler and stitches the outputs into one canvas.
//
// With tile edge S, overlap O and scale s, tiles start every step = S-O
// input pixels. Each tile's output crop is chosen so that the crops of all
// tiles partition the output canvas exactly: boundaries between neighbours
// sit in the middle of their shared overlap.
package tiling

import (
	"fmt"
	"image"
)

// Tile is one cell of a Plan.
type Tile struct {
	Index    int
	Col, Row int
	// Source is the region read from the input image, clipped to it.
	Source image.Rectangle
	// Output is where the full S·s × S·s tile output lands on the canvas
	// (it may extend past the canvas on edge tiles).
	Output image.Rectangle
	// Crop is the part of the canvas this tile paints.
	Crop image.Rectangle
}

// Padded reports whether the tile needs edge padding to reach full size.
func (t Tile) Padded(size int) bool { return t.Source.Dx() < size || t.Source.Dy() < size }

// Plan is the tile grid for one image.
type Plan struct {
	Width, Height int
	TileSize      int
	Overlap       int
	Scale         int
	Step          int
	Cols, Rows    int
	Tiles         []Tile
}

// Count returns the number of tiles for a w×h image without building a plan.
func Count(w, h, size, overlap int) int {
	step := size - overlap
	if w <= 0 || h <= 0 || step <= 0 {
		return 0
	}
	return ceilDiv(w, step) * ceilDiv(h, step)
}

// NewPlan lays out tiles for a w×h image.
func NewPlan(w, h, size, overlap, scale int) (Plan, error) {
	switch {
	case w <= 0 || h <= 0:
		return Plan{}, fmt.Errorf("tiling: empty image %dx%d", w, h)
	case size <= 0:
		return Plan{}, fmt.Errorf("tiling: tile size must be positive, got %d", size)
	case overlap < 0 || overlap >= size:
		return Plan{}, fmt.Errorf("tiling: overlap %d must be in [0,%d)", overlap, size)
	case scale <= 0:
		return Plan{}, fmt.Errorf("tiling: scale must be positive, got %d", scale)
	}
	step := size - overlap
	p := Plan{
		Width: w, Height: h,
		TileSize: size, Overlap: overlap, Scale: scale, Step: step,
		Cols: ceilDiv(w, step), Rows: ceilDiv(h, step),
	}
	xs := cropBounds(p.Cols, w, step, overlap, scale)
	ys := cropBounds(p.Rows, h, step, overlap, scale)
	p.Tiles = make([]Tile, 0, p.Cols*p.Rows)
	for r := 0; r < p.Rows; r++ {
		for c := 0; c < p.Cols; c++ {
			x0, y0 := c*step, r*step
			ox, oy := x0*scale, y0*scale
			p.Tiles = append(p.Tiles, Tile{
				Index:  len(p.Tiles),
				Col:    c,
				Row:    r,
				Source: image.Rect(x0, y0, min(x0+size, w), min(y0+size, h)),
				Output: image.Rect(ox, oy, ox+size*scale, oy+size*scale),
				Crop:   image.Rect(xs[c], ys[r], xs[c+1], ys[r+1]),
			})
		}
	}
	return p, nil
}

// Canvas is the output image rectangle.
func (p Plan) Canvas() image.Rectangle { return image.Rect(0, 0, p.Width*p.Scale, p.Height*p.Scale) }

// cropBounds returns n+1 ascending boundaries along one axis. Interior
// boundaries sit half an overlap past the start of the next tile, so every
// crop stays inside its tile's real (unpadded) content.
func cropBounds(n, length, step, overlap, scale int) []int {
	b := make([]int, n+1)
	limit := length * scale
	half := overlap * scale / 2
	for i := 1; i < n; i++ {
		b[i] = min(i*step*scale+half, limit)
	}
	b[n] = limit
	return b
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }
