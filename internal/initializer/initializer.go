// Package initializer brings backends up progressively: the CPU first so the
// service becomes interactive quickly, then GPU and NPU in the background.
package initializer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"srd/internal/backend"
	"srd/internal/hardware"
	"srd/internal/runtime"
)

// State is the initialization lifecycle.
type State int32

const (
	Uninitialized State = iota
	Initializing
	PartiallyReady
	FullyReady
	Degraded
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case PartiallyReady:
		return "partially_ready"
	case FullyReady:
		return "fully_ready"
	case Degraded:
		return "degraded"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// EventName identifies an initialization event.
type EventName string

const (
	QuickStartReady EventName = "quick_start_ready"
	ModeAvailable   EventName = "mode_available"
	ModeFailed      EventName = "mode_failed"
	AllModesReady   EventName = "all_modes_ready"
	Progress        EventName = "progress"
	InitError       EventName = "init_error"
)

// Event is delivered to the Listener. Only the fields relevant to Name are
// set. Events are not guaranteed to arrive in any particular order across
// backends.
type Event struct {
	Name       EventName
	Kind       runtime.Kind
	DeviceInfo string
	Reason     string
	Message    string
	Percent    int
	ReadyCount int
	Elapsed    time.Duration
	Err        error
}

// Listener receives initialization events.
type Listener func(Event)

const (
	DefaultCPUTimeout        = 30 * time.Second
	DefaultBackgroundTimeout = 60 * time.Second
	DefaultGracePeriod       = 2 * time.Second
	buildWorkers             = 3
)

// Config tunes an Initializer.
type Config struct {
	Factory   runtime.Factory
	Options   runtime.Options
	Validator hardware.Validator
	// ModelHint is passed to GPU validation, e.g. the model's input dtype.
	ModelHint string
	// CPUTimeout bounds how long Start's quick-start phase waits for the
	// CPU build. The build itself is never cancelled.
	CPUTimeout time.Duration
	// BackgroundTimeout bounds the wait for each of GPU and NPU.
	BackgroundTimeout time.Duration
	GracePeriod       time.Duration
	SkipGPUSelfTest   bool
	DisableNPU        bool
	// Executor delivers events; defaults to backend.Inline.
	Executor backend.Executor
	Logger   *zerolog.Logger
}

// Initializer runs one progressive initialization against a Manager.
type Initializer struct {
	cfg  Config
	mgr  *backend.Manager
	log  zerolog.Logger
	exec backend.Executor

	started  atomic.Bool
	stateMu  sync.Mutex
	state    atomic.Int32
	ready    atomic.Int32
	final    atomic.Bool
	cpuDone  chan struct{}
	quick    chan struct{}
	done     chan struct{}
	listenMu sync.Mutex
	listener Listener
	start    time.Time

	mu      sync.Mutex
	reasons map[runtime.Kind]string
}

// New returns an Initializer that hands built sessions to mgr.
func New(cfg Config, mgr *backend.Manager) *Initializer {
	if cfg.CPUTimeout <= 0 {
		cfg.CPUTimeout = DefaultCPUTimeout
	}
	if cfg.BackgroundTimeout <= 0 {
		cfg.BackgroundTimeout = DefaultBackgroundTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Validator == nil {
		cfg.Validator = hardware.NewHost()
	}
	i := &Initializer{
		cfg:     cfg,
		mgr:     mgr,
		log:     zerolog.Nop(),
		exec:    cfg.Executor,
		cpuDone: make(chan struct{}),
		quick:   make(chan struct{}),
		done:    make(chan struct{}),
		reasons: make(map[runtime.Kind]string),
	}
	if i.exec == nil {
		i.exec = backend.Inline
	}
	if cfg.Logger != nil {
		i.log = cfg.Logger.With().Str("component", "initializer").Logger()
	}
	return i
}

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("initialization already started")

// Start begins initialization and returns immediately. Builds outlive ctx:
// cancelling it only stops the waiting, never a build in progress.
func (i *Initializer) Start(ctx context.Context, model []byte, l Listener) error {
	if !i.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if len(model) == 0 {
		i.started.Store(false)
		return errors.New("empty model")
	}
	i.listener = l
	i.start = time.Now()
	i.state.Store(int32(Initializing))
	go i.run(ctx, model)
	return nil
}

// State returns the current lifecycle state.
func (i *Initializer) State() State { return State(i.state.Load()) }

// ReadyCount returns how many backends are ready.
func (i *Initializer) ReadyCount() int { return int(i.ready.Load()) }

// Reason returns why kind failed, if it did.
func (i *Initializer) Reason(kind runtime.Kind) string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.reasons[kind]
}

// WaitQuickStart blocks until the CPU backend settled or its timeout passed.
func (i *Initializer) WaitQuickStart(ctx context.Context) error {
	select {
	case <-i.quick:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until AllModesReady has been emitted. The CPU build may still
// be running then; use WaitQuickStart as well to wait for it.
func (i *Initializer) Wait(ctx context.Context) error {
	select {
	case <-i.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (i *Initializer) run(ctx context.Context, model []byte) {
	i.progress("Starting progressive initialization", 0)
	i.mgr.SetModel(model)
	i.progress("Model loaded, initializing CPU", 10)

	var g errgroup.Group
	g.SetLimit(buildWorkers)
	launch := func(kind runtime.Kind, done chan struct{}) {
		i.mgr.MarkInitializing(kind)
		g.Go(func() error {
			defer close(done)
			i.initKind(kind, model)
			return nil
		})
	}

	launch(runtime.KindCPU, i.cpuDone)
	go i.awaitQuickStart(ctx)

	i.progress("Loading GPU and NPU in background", 40)
	gpu, npu := make(chan struct{}), make(chan struct{})
	launch(runtime.KindGPU, gpu)
	launch(runtime.KindNPU, npu)

	var wg sync.WaitGroup
	for kind, ch := range map[runtime.Kind]chan struct{}{runtime.KindGPU: gpu, runtime.KindNPU: npu} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !wait(ctx, ch, i.cfg.BackgroundTimeout) && ctx.Err() == nil {
				i.log.Warn().Str("backend", string(kind)).Dur("timeout", i.cfg.BackgroundTimeout).Msg("background initialization timed out, build continues")
				i.emit(Event{Name: ModeFailed, Kind: kind, Reason: "initialization timeout"})
			}
		}()
	}
	wg.Wait()

	// AllModesReady follows the background backends; a slow CPU only holds it
	// back for the grace period, and only when nothing else came up.
	elapsed := time.Since(i.start)
	if i.ready.Load() == 0 && !closed(i.cpuDone) {
		i.log.Warn().Dur("grace", i.cfg.GracePeriod).Msg("no backend ready yet, waiting for CPU")
		wait(ctx, i.cpuDone, i.cfg.GracePeriod)
	}
	i.finalize(elapsed)
}

// awaitQuickStart releases WaitQuickStart once the CPU build settled or
// CPUTimeout passed. A late CPU still reports through initKind.
func (i *Initializer) awaitQuickStart(ctx context.Context) {
	defer close(i.quick)
	if !wait(ctx, i.cpuDone, i.cfg.CPUTimeout) {
		i.log.Warn().Dur("timeout", i.cfg.CPUTimeout).Msg("CPU initialization taking longer than expected, continuing in background")
	}
}

func (i *Initializer) finalize(elapsed time.Duration) {
	n := int(i.ready.Load())
	i.final.Store(true)
	i.updateState()
	i.log.Info().Int("ready", n).Dur("elapsed", elapsed).Str("state", i.State().String()).Msg("initialization complete")
	if n == 0 {
		i.emit(Event{Name: InitError, Err: backend.ErrAllBackendsFailed, Reason: i.failureSummary()})
	}
	i.progress("Initialization complete", 100)
	i.emit(Event{Name: AllModesReady, ReadyCount: n, Elapsed: elapsed})
	close(i.done)
}

// initKind validates, builds, self-tests and hands off one backend.
func (i *Initializer) initKind(kind runtime.Kind, model []byte) {
	name := strings.ToUpper(string(kind))
	device := name
	if kind != runtime.KindCPU {
		i.progress("Validating "+name, validatePercent[kind])
		res, reason := i.validate(kind)
		for _, w := range res.Warnings {
			i.log.Warn().Str("backend", string(kind)).Msg(w)
		}
		if !res.Available {
			i.fail(kind, reason)
			return
		}
		if res.DeviceInfo != "" {
			device = res.DeviceInfo
		}
	}

	i.progress("Initializing "+name, buildPercent[kind])
	start := time.Now()
	sess, err := i.build(kind, model)
	if err != nil {
		i.fail(kind, fmt.Sprintf("%s initialization failed: %v", name, err))
		return
	}
	if kind == runtime.KindNPU || (kind == runtime.KindGPU && !i.cfg.SkipGPUSelfTest) {
		if err := backend.SelfTest(sess, kind); err != nil {
			_ = sess.Close()
			i.fail(kind, err.Error())
			return
		}
	}
	// the hand-off must complete even if the caller stopped waiting
	if err := i.mgr.Adopt(context.Background(), kind, sess); err != nil {
		i.fail(kind, err.Error())
		return
	}

	n := i.ready.Add(1)
	i.updateState()
	elapsed := time.Since(i.start)
	i.log.Info().Str("backend", string(kind)).Dur("build", time.Since(start)).Int32("ready", n).Msg("backend available")
	i.progress(name+" ready", readyPercent[kind])
	if kind == runtime.KindCPU {
		i.emit(Event{Name: QuickStartReady, Kind: kind, Elapsed: elapsed})
	}
	i.emit(Event{Name: ModeAvailable, Kind: kind, DeviceInfo: device, Elapsed: elapsed})
}

var (
	validatePercent = map[runtime.Kind]int{runtime.KindGPU: 50, runtime.KindNPU: 75}
	buildPercent    = map[runtime.Kind]int{runtime.KindCPU: 20, runtime.KindGPU: 60, runtime.KindNPU: 85}
	readyPercent    = map[runtime.Kind]int{runtime.KindCPU: 30, runtime.KindGPU: 70, runtime.KindNPU: 95}
)

func (i *Initializer) validate(kind runtime.Kind) (hardware.Result, string) {
	if kind == runtime.KindNPU && i.cfg.DisableNPU {
		return hardware.Failure("NPU disabled in configuration"), "NPU disabled in configuration"
	}
	var res hardware.Result
	if kind == runtime.KindGPU {
		res = i.cfg.Validator.ValidateGPU(i.cfg.ModelHint)
	} else {
		res = i.cfg.Validator.ValidateNPU()
	}
	return res, "hardware validation: " + res.FailureReason
}

func (i *Initializer) build(kind runtime.Kind, model []byte) (sess runtime.Session, err error) {
	defer func() {
		if r := recover(); r != nil {
			sess, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return i.cfg.Factory.NewSession(kind, model, i.cfg.Options)
}

func (i *Initializer) fail(kind runtime.Kind, reason string) {
	i.mu.Lock()
	i.reasons[kind] = reason
	i.mu.Unlock()
	i.mgr.MarkFailed(kind, reason)
	i.log.Warn().Str("backend", string(kind)).Str("reason", reason).Msg("backend initialization failed")
	i.emit(Event{Name: ModeFailed, Kind: kind, Reason: reason})
}

func (i *Initializer) failureSummary() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	parts := make([]string, 0, len(i.reasons))
	for _, k := range runtime.Kinds {
		if r, ok := i.reasons[k]; ok {
			parts = append(parts, string(k)+": "+r)
		}
	}
	return strings.Join(parts, "; ")
}

// updateState derives the lifecycle state from the ready count.
func (i *Initializer) updateState() {
	i.stateMu.Lock()
	defer i.stateMu.Unlock()
	n := int(i.ready.Load())
	var s State
	switch {
	case n == len(runtime.Kinds):
		s = FullyReady
	case i.final.Load():
		s = Degraded
	case n > 0:
		s = PartiallyReady
	default:
		s = Initializing
	}
	i.state.Store(int32(s))
}

func (i *Initializer) progress(msg string, pct int) {
	i.emit(Event{Name: Progress, Message: msg, Percent: pct})
}

func (i *Initializer) emit(e Event) {
	if i.listener == nil {
		return
	}
	i.exec.Execute(func() {
		i.listenMu.Lock()
		defer i.listenMu.Unlock()
		i.listener(e)
	})
}

// wait reports whether ch closed before d elapsed or ctx ended.
func wait(ctx context.Context, ch <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
