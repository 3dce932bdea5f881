package tiling

import (
	"image"

	"golang.org/x/image/draw"
)

// Extract copies t's source region into a new size×size image, replicating
// the last row and column of real content into the padding.
func Extract(src *image.NRGBA, t Tile, size int) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, size, size))
	sw, sh := t.Source.Dx(), t.Source.Dy()
	base := src.Rect.Min
	for y := 0; y < size; y++ {
		sy := base.Y + t.Source.Min.Y + min(y, sh-1)
		srow := src.Pix[src.PixOffset(base.X+t.Source.Min.X, sy):]
		drow := dst.Pix[y*dst.Stride : y*dst.Stride+size*4]
		copy(drow, srow[:sw*4])
		last := srow[(sw-1)*4 : sw*4]
		for x := sw; x < size; x++ {
			copy(drow[x*4:x*4+4], last)
		}
	}
	return dst
}

// Stitch copies the crop of a tile output into dst. out must be the tile's
// full output (size·scale square); its origin corresponds to t.Output.Min.
// Crops of different tiles never overlap, so concurrent Stitch calls on
// distinct tiles are safe.
func Stitch(dst *image.NRGBA, t Tile, out *image.NRGBA) {
	if t.Crop.Empty() {
		return
	}
	off := t.Crop.Min.Sub(t.Output.Min).Add(out.Rect.Min)
	w := t.Crop.Dx() * 4
	for y := 0; y < t.Crop.Dy(); y++ {
		si := out.PixOffset(off.X, off.Y+y)
		di := dst.PixOffset(t.Crop.Min.X, t.Crop.Min.Y+y)
		copy(dst.Pix[di:di+w], out.Pix[si:si+w])
	}
}

// resize scales img to w×h, returning img unchanged when it already fits.
func resize(img *image.NRGBA, w, h int, q draw.Scaler) *image.NRGBA {
	if img.Rect.Dx() == w && img.Rect.Dy() == h {
		return img
	}
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	q.Scale(dst, dst.Rect, img, img.Rect, draw.Src, nil)
	return dst
}
