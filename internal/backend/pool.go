package backend

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"srd/internal/runtime"
)

// Pool is a set of independent sessions of one kind for parallel tiling.
// Each Runner must be driven by a single goroutine. A Pool is held by one
// request at a time; Release hands it back for reuse.
type Pool struct {
	kind    runtime.Kind
	want    int
	runners []*Runner
	sem     chan struct{}

	mu      sync.Mutex
	retired bool
	held    bool
}

// Runner upscales images on its own session and buffers.
type Runner struct {
	kind    runtime.Kind
	session runtime.Session
	bufs    buffers
	obs     Observer
	log     zerolog.Logger
}

func (p *Pool) Kind() runtime.Kind { return p.kind }

// Runners returns the pool's runners. Use each from one goroutine only.
func (p *Pool) Runners() []*Runner { return p.runners }

// Release returns the pool to the manager. A pool retired while held (by
// eviction or Close) is closed here instead.
func (p *Pool) Release() {
	p.mu.Lock()
	p.held = false
	retired := p.retired
	p.mu.Unlock()
	if retired {
		p.closeRunners()
	}
	<-p.sem
}

// retire marks the pool unusable, closing it now if nobody holds it.
func (p *Pool) retire() {
	p.mu.Lock()
	p.retired = true
	held := p.held
	p.mu.Unlock()
	if !held {
		p.closeRunners()
	}
}

func (p *Pool) closeRunners() {
	for _, r := range p.runners {
		if r.session != nil {
			_ = r.session.Close()
			r.session = nil
		}
	}
}

// Upscale runs one image through the runner's session, retrying once after
// reallocating buffers on a size mismatch.
func (r *Runner) Upscale(ctx context.Context, img *image.NRGBA) (*image.NRGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.session == nil {
		return nil, ErrClosed
	}
	start := time.Now()
	outs, err := r.bufs.infer(r.session, []*image.NRGBA{img},
		func() { r.obs.BuffersReallocated(r.kind) },
		func(cause error) {
			r.log.Warn().Err(cause).Str("backend", string(r.kind)).Msg("pool runner buffer mismatch, retrying once")
		})
	r.obs.InferenceDone(r.kind, time.Since(start), err)
	if err != nil {
		return nil, ErrInferenceFailure(r.kind, err)
	}
	return outs[0], nil
}

// AcquirePool returns a pool of up to n independent sessions of kind, built
// from the retained model on first use and cached afterwards. It blocks while
// another request holds the pool. At least one session must build.
func (m *Manager) AcquirePool(ctx context.Context, kind runtime.Kind, n int) (*Pool, error) {
	sem, ok := m.poolSem[kind]
	if !ok {
		return nil, runtime.ErrUnsupportedKind(kind)
	}
	if n < 1 {
		n = 1
	}
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var (
		pool *Pool
		err  error
	)
	cerr := m.call(ctx, func() { pool, err = m.poolLocked(kind, n, sem) })
	if cerr == nil && err == nil {
		return pool, nil
	}
	if cerr != nil {
		// the task may still hand out the pool after we stopped waiting
		if m.do(func() {
			if p := m.pools[kind]; p != nil {
				p.mu.Lock()
				p.held = false
				p.mu.Unlock()
			}
			<-sem
		}) {
			return nil, cerr
		}
		err = cerr
	}
	<-sem
	return nil, err
}

func (m *Manager) poolLocked(kind runtime.Kind, n int, sem chan struct{}) (*Pool, error) {
	if m.closed {
		return nil, ErrClosed
	}
	if p := m.pools[kind]; p != nil && p.want >= n {
		p.mu.Lock()
		p.held = true
		p.mu.Unlock()
		return p, nil
	} else if p != nil {
		p.retire()
		delete(m.pools, kind)
	}
	p := &Pool{kind: kind, want: n, sem: sem, held: true}
	var lastErr error
	for i := 0; i < n; i++ {
		sess, err := m.build(kind)
		if err != nil {
			lastErr = err
			m.log.Warn().Err(err).Str("backend", string(kind)).Int("worker", i).Msg("pool session build failed")
			continue
		}
		p.runners = append(p.runners, &Runner{kind: kind, session: sess, obs: m.obs, log: m.log})
	}
	if len(p.runners) == 0 {
		return nil, fmt.Errorf("build %s worker pool: %w", kind, lastErr)
	}
	m.log.Info().Str("backend", string(kind)).Int("workers", len(p.runners)).Msg("worker pool ready")
	m.pools[kind] = p
	return p, nil
}
