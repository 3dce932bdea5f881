package backend

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"srd/internal/runtime"
	"srd/pkg/types"
)

// Config encapsulates all tunables for Manager construction.
type Config struct {
	Factory runtime.Factory
	Options runtime.Options
	// Kinds limits which accelerators Initialize attempts. Defaults to all.
	Kinds []runtime.Kind
	// Preference orders candidates for the active backend after
	// initialization. Defaults to gpu, cpu, npu.
	Preference []runtime.Kind
	// DefaultKind, when set and ready, always wins the active slot.
	DefaultKind runtime.Kind
	// ExpectedScale logs a warning when a session's output/input edge ratio
	// differs. Zero disables the check.
	ExpectedScale int
	Logger        *zerolog.Logger
	Publisher     EventPublisher
	Observer      Observer
}

var defaultPreference = []runtime.Kind{runtime.KindGPU, runtime.KindCPU, runtime.KindNPU}

// Manager is the single owner of every accelerator session.
type Manager struct {
	cfg Config
	log zerolog.Logger
	pub EventPublisher
	obs Observer
	act *actor

	// owned by the actor goroutine
	model   []byte
	slots   map[runtime.Kind]*slot
	active  runtime.Kind
	bufs    buffers
	pools   map[runtime.Kind]*Pool
	closed  bool
	lastErr string

	poolSem map[runtime.Kind]chan struct{}

	snapMu sync.RWMutex
	snap   snapshot

	reallocs atomic.Uint64
}

type snapshot struct {
	active    runtime.Kind
	available []runtime.Kind
	statuses  []types.BackendStatus
	geometry  map[runtime.Kind]Geometry
	lastErr   string
}

// New constructs a Manager and starts its worker goroutine.
func New(cfg Config) *Manager {
	if len(cfg.Kinds) == 0 {
		cfg.Kinds = runtime.Kinds
	}
	if len(cfg.Preference) == 0 {
		cfg.Preference = defaultPreference
	}
	m := &Manager{
		cfg:     cfg,
		log:     zerolog.Nop(),
		pub:     noopPublisher{},
		obs:     noopObserver{},
		slots:   make(map[runtime.Kind]*slot, len(runtime.Kinds)),
		pools:   make(map[runtime.Kind]*Pool),
		poolSem: make(map[runtime.Kind]chan struct{}, len(runtime.Kinds)),
	}
	if cfg.Logger != nil {
		m.log = cfg.Logger.With().Str("component", "backend").Logger()
	}
	if cfg.Publisher != nil {
		m.pub = cfg.Publisher
	}
	if cfg.Observer != nil {
		m.obs = cfg.Observer
	}
	for _, k := range runtime.Kinds {
		m.slots[k] = &slot{kind: k, state: StateUninitialized}
		m.poolSem[k] = make(chan struct{}, 1)
	}
	m.act = newActor(m.log)
	m.publishLocked()
	return m
}

// do enqueues fn and republishes the snapshot after it ran.
func (m *Manager) do(fn func()) bool {
	return m.act.submit(func() {
		fn()
		m.publishLocked()
	})
}

// call enqueues fn and waits for it. A cancelled ctx releases the waiter; the
// task itself still runs to completion.
func (m *Manager) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !m.do(func() {
		defer close(done)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases every session and stops the worker. Queued tasks run first.
func (m *Manager) Close() error {
	var errs []error
	err := m.call(context.Background(), func() {
		if m.closed {
			return
		}
		m.closed = true
		for _, s := range m.slots {
			if s.session != nil {
				if err := s.session.Close(); err != nil {
					errs = append(errs, err)
				}
				s.session = nil
			}
		}
		for k, p := range m.pools {
			p.retire()
			delete(m.pools, k)
		}
		m.bufs.drop()
	})
	if err == ErrClosed {
		return nil
	}
	m.act.stop()
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (m *Manager) emit(name string, kind runtime.Kind, fields map[string]any) {
	m.pub.Publish(Event{Name: name, Kind: kind, Fields: fields})
}
