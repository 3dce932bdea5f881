package backend

import (
	"errors"
	"fmt"
	"image"

	"golang.org/x/image/draw"

	"srd/internal/runtime"
	"srd/internal/tensor"
)

// buffers is a reusable input/output tensor pair. The owner guarantees
// single-goroutine access.
type buffers struct {
	in, out  *tensor.Buffer
	reallocs uint64
}

// ensure makes in and out fit the session's tensors, reallocating when shape
// or dtype changed. It reports whether a reallocation happened.
func (b *buffers) ensure(s runtime.Session) bool {
	changed := false
	if !b.in.Matches(s.Input()) {
		b.in = tensor.NewBuffer(s.Input())
		changed = true
	}
	if !b.out.Matches(s.Output()) {
		b.out = tensor.NewBuffer(s.Output())
		changed = true
	}
	if changed {
		b.reallocs++
	}
	return changed
}

func (b *buffers) drop() { b.in, b.out = nil, nil }

// infer runs imgs (at most the session's batch size) through s. A buffer
// size mismatch reported by the session triggers one reallocation and retry.
// realloc is called for every reallocation; retried reports the retry.
func (b *buffers) infer(s runtime.Session, imgs []*image.NRGBA, realloc func(), retried func(error)) ([]*image.NRGBA, error) {
	if b.ensure(s) {
		realloc()
	}
	if err := b.load(s, imgs); err != nil {
		return nil, err
	}
	err := s.Run(b.in, b.out)
	if errors.Is(err, runtime.ErrBufferSizeMismatch) {
		retried(err)
		b.drop()
		b.ensure(s)
		realloc()
		if err = b.load(s, imgs); err == nil {
			err = s.Run(b.in, b.out)
		}
	}
	if err != nil {
		return nil, err
	}
	out := make([]*image.NRGBA, len(imgs))
	for i := range imgs {
		if out[i], err = tensor.Decode(b.out, i); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (b *buffers) load(s runtime.Session, imgs []*image.NRGBA) error {
	info := s.Input()
	batch := info.Shape.Batch()
	if len(imgs) == 0 || len(imgs) > batch {
		return fmt.Errorf("batch of %d images does not fit session batch %d", len(imgs), batch)
	}
	if len(imgs) < batch {
		b.in.Zero()
	}
	w, h := info.Shape.Width(), info.Shape.Height()
	for i, img := range imgs {
		if err := tensor.Encode(b.in, i, fit(img, w, h)); err != nil {
			return err
		}
	}
	return nil
}

// fit resizes img to w×h with bilinear filtering when its size differs.
func fit(img *image.NRGBA, w, h int) *image.NRGBA {
	if img.Rect.Dx() == w && img.Rect.Dy() == h && img.Rect.Min == (image.Point{}) {
		return img
	}
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Rect, img, img.Rect, draw.Src, nil)
	return dst
}

// SelfTest runs one zero-filled inference through s with private buffers and
// checks that the session executes on want. It catches sessions that build
// but fail at first use, and runtimes that silently fall back to another
// device.
func SelfTest(s runtime.Session, want runtime.Kind) error {
	if err := s.Input().Shape.Validate(); err != nil {
		return fmt.Errorf("self-test: input %w", err)
	}
	if err := s.Output().Shape.Validate(); err != nil {
		return fmt.Errorf("self-test: output %w", err)
	}
	in := tensor.NewBuffer(s.Input())
	out := tensor.NewBuffer(s.Output())
	if err := s.Run(in, out); err != nil {
		return fmt.Errorf("self-test inference: %w", err)
	}
	if d, ok := s.(runtime.DeviceReporter); ok && d.Device() != want {
		return fmt.Errorf("self-test: session requested on %s executes on %s", want, d.Device())
	}
	return nil
}
