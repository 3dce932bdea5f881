package backend

import (
	"context"
	"fmt"
	"image"
	"time"

	"srd/internal/runtime"
	"srd/internal/tensor"
)

// Run upscales img on the active backend. A non-empty kind switches the
// active backend first (a no-op with a warning when kind is unavailable).
// Images whose size differs from the backend's input are resized to it.
func (m *Manager) Run(ctx context.Context, img image.Image, kind runtime.Kind) (*image.NRGBA, error) {
	return m.runOne(ctx, img, kind, true)
}

// RunOn upscales img on kind for this call only; the active backend is left
// alone. An empty kind means the active backend. It fails with
// ErrNotInitialized when kind has no usable session.
func (m *Manager) RunOn(ctx context.Context, img image.Image, kind runtime.Kind) (*image.NRGBA, error) {
	return m.runOne(ctx, img, kind, false)
}

func (m *Manager) runOne(ctx context.Context, img image.Image, kind runtime.Kind, sticky bool) (*image.NRGBA, error) {
	var (
		out *image.NRGBA
		err error
	)
	src := tensor.ToNRGBA(img)
	cerr := m.call(ctx, func() {
		var s *slot
		if s, err = m.slotLocked(kind, sticky); err != nil {
			return
		}
		var outs []*image.NRGBA
		outs, err = m.runLocked(s, []*image.NRGBA{src})
		if err == nil {
			out = outs[0]
		}
	})
	if cerr != nil {
		return nil, cerr
	}
	return out, err
}

// RunAsync is Run with the result delivered through exec.
func (m *Manager) RunAsync(img image.Image, kind runtime.Kind, exec Executor, cb func(*image.NRGBA, error)) {
	src := tensor.ToNRGBA(img)
	if !m.do(func() {
		s, err := m.slotLocked(kind, true)
		var out *image.NRGBA
		if err == nil {
			var outs []*image.NRGBA
			if outs, err = m.runLocked(s, []*image.NRGBA{src}); err == nil {
				out = outs[0]
			}
		}
		exec.Execute(func() { cb(out, err) })
	}) {
		exec.Execute(func() { cb(nil, ErrClosed) })
	}
}

// RunBatch runs imgs through the active backend in as few calls as its batch
// dimension allows. Results are in input order. A non-empty kind switches
// the active backend as in Run.
func (m *Manager) RunBatch(ctx context.Context, imgs []*image.NRGBA, kind runtime.Kind) ([]*image.NRGBA, error) {
	return m.runBatch(ctx, imgs, kind, true)
}

// RunBatchOn is RunBatch on kind for this call only, like RunOn.
func (m *Manager) RunBatchOn(ctx context.Context, imgs []*image.NRGBA, kind runtime.Kind) ([]*image.NRGBA, error) {
	return m.runBatch(ctx, imgs, kind, false)
}

func (m *Manager) runBatch(ctx context.Context, imgs []*image.NRGBA, kind runtime.Kind, sticky bool) ([]*image.NRGBA, error) {
	var (
		out []*image.NRGBA
		err error
	)
	cerr := m.call(ctx, func() {
		var s *slot
		if s, err = m.slotLocked(kind, sticky); err != nil {
			return
		}
		batch := max(1, s.in.Shape.Batch())
		out = make([]*image.NRGBA, 0, len(imgs))
		for start := 0; start < len(imgs); start += batch {
			end := min(start+batch, len(imgs))
			var part []*image.NRGBA
			if part, err = m.runLocked(s, imgs[start:end]); err != nil {
				out = nil
				return
			}
			out = append(out, part...)
		}
	})
	if cerr != nil {
		return nil, cerr
	}
	return out, err
}

// slotLocked resolves the backend a call runs on and makes sure it has a
// live session. A sticky kind becomes the active backend (falling back to
// the active one when kind is unavailable); otherwise kind is used for this
// call only.
func (m *Manager) slotLocked(kind runtime.Kind, sticky bool) (*slot, error) {
	if m.closed {
		return nil, ErrClosed
	}
	if kind != "" && kind != m.active && !sticky {
		s := m.slots[kind]
		if s == nil || !s.state.usable() {
			return nil, fmt.Errorf("backend %s: %w", kind, ErrNotInitialized)
		}
		if err := m.ensureSessionLocked(s); err != nil {
			return nil, err
		}
		return s, nil
	}
	if kind != "" && kind != m.active {
		if _, err := m.switchLocked(kind); err != nil {
			m.log.Warn().Err(err).Str("backend", string(kind)).Msg("forced backend unavailable, using active")
		}
	}
	if m.active == "" {
		return nil, ErrNotInitialized
	}
	s := m.slots[m.active]
	if err := m.ensureSessionLocked(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Manager) runLocked(s *slot, imgs []*image.NRGBA) ([]*image.NRGBA, error) {
	start := time.Now()
	outs, err := m.bufs.infer(s.session, imgs,
		func() {
			m.reallocs.Add(1)
			m.obs.BuffersReallocated(s.kind)
			m.log.Debug().Str("backend", string(s.kind)).Str("input", s.in.String()).Msg("tensor buffers reallocated")
			m.emit(EventBuffersRealloc, s.kind, map[string]any{"input_bytes": s.in.ByteSize(), "output_bytes": s.out.ByteSize()})
		},
		func(cause error) {
			m.log.Warn().Err(cause).Str("backend", string(s.kind)).Msg("buffer size mismatch, reallocating and retrying once")
			m.emit(EventInferenceRetry, s.kind, nil)
		})
	d := time.Since(start)
	s.lastUsed = time.Now()
	if err != nil {
		err = ErrInferenceFailure(s.kind, err)
		m.lastErr = err.Error()
		m.log.Error().Err(err).Str("backend", string(s.kind)).Int("batch", len(imgs)).Msg("inference failed")
	} else {
		m.log.Debug().Str("backend", string(s.kind)).Int("batch", len(imgs)).Dur("dur", d).Msg("inference done")
	}
	m.obs.InferenceDone(s.kind, d, err)
	return outs, err
}
