package backend

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"srd/internal/runtime"
	"srd/internal/tensor"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

var testModel = runtime.EncodeReferenceModel(runtime.ReferenceModel{
	Edge:   8,
	Scale:  2,
	DTypes: map[runtime.Kind]string{runtime.KindNPU: "uint8"},
	Batch:  map[runtime.Kind]int{runtime.KindNPU: 4},
})

// fakeFactory wraps the reference runtime with per-kind failure injection.
type fakeFactory struct {
	ref *runtime.ReferenceFactory

	mu       sync.Mutex
	fail     map[runtime.Kind]error
	panics   map[runtime.Kind]bool
	mismatch map[runtime.Kind]int
	runErr   map[runtime.Kind]error
	builds   map[runtime.Kind]int
	sessions []*flakySession
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		ref:      runtime.NewReference(),
		fail:     map[runtime.Kind]error{},
		panics:   map[runtime.Kind]bool{},
		mismatch: map[runtime.Kind]int{},
		runErr:   map[runtime.Kind]error{},
		builds:   map[runtime.Kind]int{},
	}
}

func (f *fakeFactory) NewSession(kind runtime.Kind, model []byte, opts runtime.Options) (runtime.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds[kind]++
	if f.panics[kind] {
		panic("driver crashed")
	}
	if err := f.fail[kind]; err != nil {
		return nil, err
	}
	s, err := f.ref.NewSession(kind, model, opts)
	if err != nil {
		return nil, err
	}
	fs := &flakySession{Session: s, mismatch: f.mismatch[kind], err: f.runErr[kind]}
	f.sessions = append(f.sessions, fs)
	return fs, nil
}

func (f *fakeFactory) buildCount(k runtime.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.builds[k]
}

type flakySession struct {
	runtime.Session
	mu       sync.Mutex
	mismatch int
	err      error
	runs     int
	closed   bool
}

func (s *flakySession) Run(in, out *tensor.Buffer) error {
	s.mu.Lock()
	s.runs++
	if s.mismatch > 0 {
		s.mismatch--
		s.mu.Unlock()
		return fmt.Errorf("%w: injected", runtime.ErrBufferSizeMismatch)
	}
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Session.Run(in, out)
}

func (s *flakySession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.Session.Close()
}

func newTestManager(t *testing.T, f *fakeFactory, pub EventPublisher) *Manager {
	t.Helper()
	m := New(Config{Factory: f, Publisher: pub, Preference: []runtime.Kind{runtime.KindCPU, runtime.KindGPU, runtime.KindNPU}})
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func pattern(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 30), G: uint8(y * 30), B: uint8(x ^ y), A: 0xff})
		}
	}
	return img
}

// assertNearest checks that out is in upscaled ×scale by replication.
func assertNearest(t *testing.T, in, out *image.NRGBA, scale int) {
	t.Helper()
	if out.Rect.Dx() != in.Rect.Dx()*scale || out.Rect.Dy() != in.Rect.Dy()*scale {
		t.Fatalf("output %v, want %dx scale of %v", out.Rect, scale, in.Rect)
	}
	for y := 0; y < out.Rect.Dy(); y++ {
		for x := 0; x < out.Rect.Dx(); x++ {
			if got, want := out.NRGBAAt(x, y), in.NRGBAAt(x/scale, y/scale); got != want {
				t.Fatalf("pixel (%d,%d)=%v want %v", x, y, got, want)
			}
		}
	}
}
