package tensor

import (
	"fmt"
	"image"
	"math"
)

// Encode writes img into batch slot of b. img must already match the
// spatial dimensions of the buffer.
//
//	FLOAT32: v/255
//	UINT8:   v
//	INT8:    v-128
func Encode(b *Buffer, slot int, img *image.NRGBA) error {
	s := b.info.Shape
	h, w, c := s.Height(), s.Width(), s.Channels()
	if slot < 0 || slot >= s.Batch() {
		return fmt.Errorf("encode: slot %d out of range for batch %d", slot, s.Batch())
	}
	if img.Rect.Dx() != w || img.Rect.Dy() != h {
		return fmt.Errorf("encode: image %dx%d does not match tensor %dx%d", img.Rect.Dx(), img.Rect.Dy(), w, h)
	}
	base := slot * h * w * c
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			px := row[x*4 : x*4+4]
			idx := base + (y*w+x)*c
			for ch := 0; ch < c; ch++ {
				v := px[ch]
				switch b.info.DType {
				case Float32:
					b.setFloat32At(idx+ch, float32(v)/255)
				case Uint8:
					b.data[idx+ch] = v
				case Int8:
					b.data[idx+ch] = byte(int8(int(v) - 128))
				}
			}
		}
	}
	return nil
}

// Decode reads batch slot of b into a new opaque image.
//
//	FLOAT32: clamp(v,0,1)*255, rounded
//	UINT8:   v
//	INT8:    v+128
func Decode(b *Buffer, slot int) (*image.NRGBA, error) {
	s := b.info.Shape
	h, w, c := s.Height(), s.Width(), s.Channels()
	if slot < 0 || slot >= s.Batch() {
		return nil, fmt.Errorf("decode: slot %d out of range for batch %d", slot, s.Batch())
	}
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	base := slot * h * w * c
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			px := row[x*4 : x*4+4]
			px[3] = 0xff
			idx := base + (y*w+x)*c
			for ch := 0; ch < c; ch++ {
				var v byte
				switch b.info.DType {
				case Float32:
					f := b.float32At(idx + ch)
					if f < 0 || math.IsNaN(float64(f)) {
						f = 0
					} else if f > 1 {
						f = 1
					}
					v = byte(math.Round(float64(f) * 255))
				case Uint8:
					v = b.data[idx+ch]
				case Int8:
					v = byte(int(int8(b.data[idx+ch])) + 128)
				}
				px[ch] = v
			}
		}
	}
	return img, nil
}

// ToNRGBA returns img as an *image.NRGBA anchored at the origin, copying only
// when needed.
func ToNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) {
		return n
	}
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			out.Set(x, y, img.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return out
}
