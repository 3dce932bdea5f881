// Package engine is the caller-facing super-resolution API. It wires the
// backend manager, progressive initializer, strategy selector and tile
// engine together and picks a processing path per image.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"srd/internal/backend"
	"srd/internal/config"
	"srd/internal/hardware"
	"srd/internal/initializer"
	"srd/internal/memory"
	"srd/internal/runtime"
	"srd/internal/strategy"
	"srd/internal/tiling"
	"srd/pkg/types"
)

// Deps are the collaborators a Processor needs besides configuration. Nil
// fields are derived from the configuration.
type Deps struct {
	Factory   runtime.Factory
	Validator hardware.Validator
	Memory    memory.Probe
	Logger    *zerolog.Logger
	// Registerer receives the engine metrics; nil keeps them unregistered.
	Registerer prometheus.Registerer
	// Executor delivers ProcessImage and initialization callbacks;
	// defaults to backend.Go.
	Executor  backend.Executor
	Publisher backend.EventPublisher
}

// Processor upscales images on the best available accelerator.
type Processor struct {
	cfg     config.Config
	log     zerolog.Logger
	mgr     *backend.Manager
	init    *initializer.Initializer
	sel     *strategy.Selector
	tiles   *tiling.Engine
	mem     memory.Probe
	metrics *Metrics
	exec    backend.Executor
	started time.Time
}

// New builds a Processor. No session is created until Initialize.
func New(cfg config.Config, deps Deps) (*Processor, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := zerolog.Nop()
	if deps.Logger != nil {
		log = *deps.Logger
	}
	if deps.Factory == nil {
		f, err := FactoryFor(cfg.Model.Runtime)
		if err != nil {
			return nil, err
		}
		deps.Factory = f
	}
	if deps.Validator == nil {
		deps.Validator = validatorFor(cfg.Init.Validator)
	}
	if deps.Memory == nil {
		deps.Memory = probeFor(cfg.Memory)
	}
	if deps.Executor == nil {
		deps.Executor = backend.Go
	}
	metrics, err := NewMetrics(deps.Registerer)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	defaultKind, err := runtime.ParseKind(cfg.Processing.DefaultBackend)
	if err != nil {
		return nil, err
	}

	opts := optionsFor(cfg)
	mgr := backend.New(backend.Config{
		Factory:       deps.Factory,
		Options:       opts,
		DefaultKind:   defaultKind,
		ExpectedScale: cfg.Model.ExpectedScaleFactor,
		Logger:        &log,
		Publisher:     deps.Publisher,
		Observer:      metrics,
	})
	p := &Processor{
		cfg:     cfg,
		log:     log.With().Str("component", "engine").Logger(),
		mgr:     mgr,
		mem:     deps.Memory,
		metrics: metrics,
		exec:    deps.Executor,
		started: time.Now(),
	}
	p.init = initializer.New(initializer.Config{
		Factory:           deps.Factory,
		Options:           opts,
		Validator:         deps.Validator,
		ModelHint:         cfg.Model.Path,
		CPUTimeout:        cfg.Init.CPUTimeout.Std(),
		BackgroundTimeout: cfg.Init.BackgroundTimeout.Std(),
		GracePeriod:       cfg.Init.GracePeriod.Std(),
		SkipGPUSelfTest:   !cfg.Init.SelfTestGPU(),
		DisableNPU:        !cfg.NPU.IsEnabled(),
		Executor:          deps.Executor,
		Logger:            &log,
	}, mgr)
	p.sel = strategy.NewSelector(strategy.Config{
		Overlap:             cfg.Tiling.OverlapPixels,
		MaxDirectSize:       cfg.Tiling.MaxInputSizeWithoutTiling,
		ForceTilingAboveMB:  cfg.Tiling.ForceTilingAboveMB,
		BatchRequiredMB:     cfg.Memory.BatchRequiredMB,
		ParallelMinMB:       cfg.Memory.ParallelMinMB,
		ParallelWorkers:     cfg.Tiling.ParallelWorkers,
		ThresholdPercentage: cfg.Memory.ThresholdPercentage,
		LowMemoryWarningMB:  cfg.Memory.LowMemoryWarningMB,
		Logger:              &log,
	}, deps.Memory)
	p.tiles = tiling.New(tiling.Config{Logger: &log, OOMReduction: cfg.Memory.OOMReduction})
	return p, nil
}

// FactoryFor returns the session factory for a configured runtime name.
func FactoryFor(name string) (runtime.Factory, error) {
	switch name {
	case "", "reference":
		return runtime.NewReference(), nil
	case "onnx":
		if !runtime.ONNXAvailable() {
			return nil, runtime.ErrDependencyUnavailable("onnx runtime not compiled in (build with -tags onnx)")
		}
		return runtime.NewONNX(), nil
	}
	return nil, fmt.Errorf("unknown runtime %q", name)
}

func validatorFor(name string) hardware.Validator {
	if name == "static" {
		return hardware.Static{GPU: hardware.Success("static"), NPU: hardware.Success("static")}
	}
	return hardware.NewHost()
}

func probeFor(c config.MemoryConfig) memory.Probe {
	if c.FixedAvailableMB > 0 {
		return memory.Fixed{Available: c.FixedAvailableMB}
	}
	return memory.NewMeminfo(c.BatchRequiredMB)
}

func optionsFor(cfg config.Config) runtime.Options {
	return runtime.Options{
		NumThreads:              cfg.Processing.NumThreads,
		LibraryPath:             cfg.Model.LibraryPath,
		DynamicEdge:             cfg.Model.DynamicEdge,
		DynamicScale:            cfg.Model.ExpectedScaleFactor,
		UseXNNPACK:              cfg.Processing.UseXNNPACK,
		GPUDeviceID:             cfg.Processing.GPUDeviceID,
		GPUPrecisionLossAllowed: cfg.Processing.GPUPrecisionLossAllowed,
		GPUInferencePreference:  cfg.Processing.GPUInferencePreference,
		NPUDeviceType:           cfg.NPU.DeviceType,
		NPUAllowFP16:            cfg.NPU.AllowFP16 || cfg.Processing.AllowFP16,
		NPUAccelerator:          cfg.NPU.AcceleratorName,
	}
}

// Initialize starts progressive initialization with the serialized model and
// returns at once. l (optional) receives every initialization event on the
// configured executor.
func (p *Processor) Initialize(ctx context.Context, model []byte, l initializer.Listener) error {
	return p.init.Start(ctx, model, func(e initializer.Event) {
		p.metrics.initEvent(e, p.init.ReadyCount())
		if l != nil {
			l(e)
		}
	})
}

// WaitQuickStart blocks until the CPU backend settled (or timed out). It
// returns backend.ErrNotInitialized when nothing is ready by then.
func (p *Processor) WaitQuickStart(ctx context.Context) error {
	if err := p.init.WaitQuickStart(ctx); err != nil {
		return err
	}
	if p.init.ReadyCount() == 0 {
		return backend.ErrNotInitialized
	}
	return nil
}

// Wait blocks until AllModesReady was reported and the CPU build settled (or
// its quick-start timeout passed). It wraps backend.ErrAllBackendsFailed when
// no backend came up.
func (p *Processor) Wait(ctx context.Context) error {
	if err := p.init.WaitQuickStart(ctx); err != nil {
		return err
	}
	if err := p.init.Wait(ctx); err != nil {
		return err
	}
	if p.init.ReadyCount() == 0 {
		return fmt.Errorf("%w: %s", backend.ErrAllBackendsFailed, p.describeFailures())
	}
	return nil
}

func (p *Processor) describeFailures() string {
	var s string
	for _, k := range runtime.Kinds {
		if r := p.init.Reason(k); r != "" {
			if s != "" {
				s += "; "
			}
			s += string(k) + ": " + r
		}
	}
	return s
}

// InitState returns the progressive initialization state.
func (p *Processor) InitState() initializer.State { return p.init.State() }

// AvailableBackends lists kinds with a usable session.
func (p *Processor) AvailableBackends() []runtime.Kind { return p.mgr.AvailableKinds() }

// Ready reports whether at least one backend can serve requests.
func (p *Processor) Ready() bool { return len(p.mgr.AvailableKinds()) > 0 }

// Active returns the active backend kind.
func (p *Processor) Active() runtime.Kind { return p.mgr.Active() }

// Switch makes kind the active backend; see backend.Manager.Switch.
func (p *Processor) Switch(ctx context.Context, kind runtime.Kind) (bool, error) {
	return p.mgr.Switch(ctx, kind)
}

// Evict drops kind's session; it is re-created on next use.
func (p *Processor) Evict(ctx context.Context, kind runtime.Kind) error {
	return p.mgr.Evict(ctx, kind)
}

// Status returns a snapshot for /status.
func (p *Processor) Status() types.StatusResponse {
	return types.StatusResponse{
		InitState:           p.init.State().String(),
		ReadyCount:          len(p.mgr.AvailableKinds()),
		Active:              string(p.mgr.Active()),
		Backends:            p.mgr.Status(),
		BufferReallocations: p.mgr.BufferReallocations(),
		AvailableMemoryMB:   p.mem.AvailableMB(),
		LastError:           p.mgr.LastError(),
		UptimeSeconds:       int64(time.Since(p.started).Seconds()),
		ServerTimeUnix:      time.Now().Unix(),
	}
}

// Close releases every session. In-flight builds finish and are discarded.
func (p *Processor) Close() error { return p.mgr.Close() }
