package initializer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"srd/internal/backend"
	"srd/internal/hardware"
	"srd/internal/runtime"
)

var testModel = runtime.EncodeReferenceModel(runtime.ReferenceModel{
	Edge:   8,
	Scale:  2,
	DTypes: map[runtime.Kind]string{runtime.KindNPU: "uint8"},
	Batch:  map[runtime.Kind]int{runtime.KindNPU: 4},
})

var allHardware = hardware.Static{
	GPU: hardware.Success("test gpu"),
	NPU: hardware.Success("test npu"),
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// hookFactory wraps the reference runtime with per-kind failure, delay and
// device overrides.
type hookFactory struct {
	ref *runtime.ReferenceFactory

	mu     sync.Mutex
	fail   map[runtime.Kind]error
	gate   map[runtime.Kind]chan struct{}
	device map[runtime.Kind]runtime.Kind
	calls  map[runtime.Kind]int
}

func newHookFactory() *hookFactory {
	return &hookFactory{
		ref:    runtime.NewReference(),
		fail:   map[runtime.Kind]error{},
		gate:   map[runtime.Kind]chan struct{}{},
		device: map[runtime.Kind]runtime.Kind{},
		calls:  map[runtime.Kind]int{},
	}
}

func (f *hookFactory) NewSession(kind runtime.Kind, model []byte, opts runtime.Options) (runtime.Session, error) {
	f.mu.Lock()
	f.calls[kind]++
	gate, err, dev := f.gate[kind], f.fail[kind], f.device[kind]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	s, err := f.ref.NewSession(kind, model, opts)
	if err != nil || dev == "" {
		return s, err
	}
	return misplaced{Session: s, dev: dev}, nil
}

func (f *hookFactory) callCount(kind runtime.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[kind]
}

// misplaced reports a different execution device than requested.
type misplaced struct {
	runtime.Session
	dev runtime.Kind
}

func (m misplaced) Device() runtime.Kind { return m.dev }

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) named(name EventName) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) failed(kind runtime.Kind) bool {
	for _, e := range r.named(ModeFailed) {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

func setup(t *testing.T, f *hookFactory, cfg Config) (*Initializer, *backend.Manager, *recorder) {
	t.Helper()
	mgr := backend.New(backend.Config{Factory: f, Preference: []runtime.Kind{runtime.KindCPU, runtime.KindGPU, runtime.KindNPU}})
	t.Cleanup(func() { _ = mgr.Close() })
	cfg.Factory = f
	if cfg.Validator == nil {
		cfg.Validator = allHardware
	}
	in := New(cfg, mgr)
	rec := &recorder{}
	require.NoError(t, in.Start(testCtx(t), testModel, rec.listen))
	return in, mgr, rec
}

// holdBackground keeps the GPU and NPU builds waiting until the returned
// func is called, so the CPU settles first.
func holdBackground(f *hookFactory) func(t *testing.T, in *Initializer) {
	hold := make(chan struct{})
	f.gate[runtime.KindGPU] = hold
	f.gate[runtime.KindNPU] = hold
	return func(t *testing.T, in *Initializer) {
		t.Helper()
		require.NoError(t, in.WaitQuickStart(testCtx(t)))
		close(hold)
	}
}

func TestAllBackendsReady(t *testing.T) {
	f := newHookFactory()
	release := holdBackground(f)
	in, mgr, rec := setup(t, f, Config{})
	release(t, in)
	require.NoError(t, in.Wait(testCtx(t)))

	assert.Equal(t, FullyReady, in.State())
	assert.Equal(t, 3, in.ReadyCount())
	assert.Len(t, rec.named(QuickStartReady), 1)
	assert.Len(t, rec.named(ModeAvailable), 3)
	all := rec.named(AllModesReady)
	require.Len(t, all, 1)
	assert.Equal(t, 3, all[0].ReadyCount)
	assert.ElementsMatch(t, runtime.Kinds, mgr.AvailableKinds())
	assert.NotEmpty(t, mgr.Active())

	progress := rec.named(Progress)
	require.NotEmpty(t, progress)
	assert.Equal(t, 100, progress[len(progress)-1].Percent)
	assert.ErrorIs(t, in.Start(testCtx(t), testModel, nil), ErrAlreadyStarted)
}

func TestGPUFailureIsIsolated(t *testing.T) {
	f := newHookFactory()
	f.fail[runtime.KindGPU] = errors.New("driver crashed")
	release := holdBackground(f)
	in, mgr, rec := setup(t, f, Config{})
	release(t, in)
	require.NoError(t, in.Wait(testCtx(t)))

	assert.Equal(t, Degraded, in.State())
	all := rec.named(AllModesReady)
	require.Len(t, all, 1)
	assert.Equal(t, 2, all[0].ReadyCount)
	assert.True(t, rec.failed(runtime.KindGPU))
	assert.Contains(t, in.Reason(runtime.KindGPU), "driver crashed")
	assert.ElementsMatch(t, []runtime.Kind{runtime.KindCPU, runtime.KindNPU}, mgr.AvailableKinds())
	assert.Empty(t, rec.named(InitError))
}

func TestValidatorRejectionSkipsBuild(t *testing.T) {
	f := newHookFactory()
	v := hardware.Static{GPU: hardware.Failure("GPU not available on emulator"), NPU: hardware.Success("npu")}
	in, mgr, rec := setup(t, f, Config{Validator: v})
	require.NoError(t, in.Wait(testCtx(t)))

	assert.Zero(t, f.callCount(runtime.KindGPU))
	assert.True(t, rec.failed(runtime.KindGPU))
	assert.Contains(t, in.Reason(runtime.KindGPU), "GPU not available on emulator")
	require.Eventually(t, func() bool {
		return mgr.Status()[1].State == "failed"
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, string(runtime.KindGPU), mgr.Status()[1].Kind)
}

func TestDisabledNPUSkipsBuild(t *testing.T) {
	f := newHookFactory()
	release := holdBackground(f)
	in, _, rec := setup(t, f, Config{DisableNPU: true})
	release(t, in)
	require.NoError(t, in.Wait(testCtx(t)))
	assert.Zero(t, f.callCount(runtime.KindNPU))
	assert.True(t, rec.failed(runtime.KindNPU))
	assert.Equal(t, 2, in.ReadyCount())
}

func TestSelfTestCatchesDeviceFallback(t *testing.T) {
	f := newHookFactory()
	f.device[runtime.KindGPU] = runtime.KindCPU
	f.device[runtime.KindNPU] = runtime.KindCPU
	release := holdBackground(f)
	in, mgr, rec := setup(t, f, Config{})
	release(t, in)
	require.NoError(t, in.Wait(testCtx(t)))
	assert.True(t, rec.failed(runtime.KindGPU))
	assert.True(t, rec.failed(runtime.KindNPU))
	assert.Equal(t, []runtime.Kind{runtime.KindCPU}, mgr.AvailableKinds())
}

func TestGPUSelfTestCanBeSkipped(t *testing.T) {
	f := newHookFactory()
	f.device[runtime.KindGPU] = runtime.KindCPU
	release := holdBackground(f)
	in, _, rec := setup(t, f, Config{SkipGPUSelfTest: true})
	release(t, in)
	require.NoError(t, in.Wait(testCtx(t)))
	assert.False(t, rec.failed(runtime.KindGPU))
	assert.Equal(t, 3, in.ReadyCount())
}

func TestSlowCPUReleasesWaiterButStillCompletes(t *testing.T) {
	f := newHookFactory()
	gate := make(chan struct{})
	f.gate[runtime.KindCPU] = gate
	in, mgr, rec := setup(t, f, Config{CPUTimeout: 20 * time.Millisecond})

	require.NoError(t, in.WaitQuickStart(testCtx(t)))
	assert.Empty(t, rec.named(QuickStartReady))
	require.NoError(t, in.Wait(testCtx(t)))
	assert.Equal(t, 2, rec.named(AllModesReady)[0].ReadyCount)
	assert.Equal(t, Degraded, in.State())

	close(gate)
	require.Eventually(t, func() bool { return len(rec.named(QuickStartReady)) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, in.ReadyCount())
	assert.Equal(t, FullyReady, in.State())
	require.Eventually(t, func() bool { return len(mgr.AvailableKinds()) == 3 }, 5*time.Second, 5*time.Millisecond)
	assert.False(t, rec.failed(runtime.KindCPU))
}

func TestGraceWaitsForLateCPU(t *testing.T) {
	f := newHookFactory()
	gate := make(chan struct{})
	f.gate[runtime.KindCPU] = gate
	v := hardware.Static{GPU: hardware.Failure("none"), NPU: hardware.Failure("none")}
	in, _, rec := setup(t, f, Config{CPUTimeout: 10 * time.Millisecond, GracePeriod: 5 * time.Second, Validator: v})

	require.NoError(t, in.WaitQuickStart(testCtx(t)))
	time.AfterFunc(50*time.Millisecond, func() { close(gate) })
	require.NoError(t, in.Wait(testCtx(t)))

	all := rec.named(AllModesReady)
	require.Len(t, all, 1)
	assert.Equal(t, 1, all[0].ReadyCount)
	assert.Empty(t, rec.named(InitError))
}

func TestNothingReadyReportsInitError(t *testing.T) {
	f := newHookFactory()
	f.fail[runtime.KindCPU] = errors.New("bad model")
	v := hardware.Static{GPU: hardware.Failure("none"), NPU: hardware.Failure("none")}
	in, _, rec := setup(t, f, Config{GracePeriod: 10 * time.Millisecond, Validator: v})
	require.NoError(t, in.WaitQuickStart(testCtx(t)))
	require.NoError(t, in.Wait(testCtx(t)))

	assert.Equal(t, Degraded, in.State())
	assert.Equal(t, 0, rec.named(AllModesReady)[0].ReadyCount)
	errs := rec.named(InitError)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0].Err, backend.ErrAllBackendsFailed)
	assert.Contains(t, errs[0].Reason, "bad model")
}

func TestBackgroundTimeoutReportsFailureWithoutCancelling(t *testing.T) {
	f := newHookFactory()
	hold := make(chan struct{})
	f.gate[runtime.KindGPU] = hold
	gate := make(chan struct{})
	f.gate[runtime.KindNPU] = gate
	in, mgr, rec := setup(t, f, Config{BackgroundTimeout: 300 * time.Millisecond})
	require.NoError(t, in.WaitQuickStart(testCtx(t)))
	close(hold)
	require.NoError(t, in.Wait(testCtx(t)))
	assert.True(t, rec.failed(runtime.KindNPU))
	assert.Equal(t, 2, rec.named(AllModesReady)[0].ReadyCount)

	close(gate)
	require.Eventually(t, func() bool { return in.ReadyCount() == 3 }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(mgr.AvailableKinds()) == 3 }, 5*time.Second, 5*time.Millisecond)
}

func TestAllModesReadyDoesNotWaitForSlowCPU(t *testing.T) {
	f := newHookFactory()
	gate := make(chan struct{})
	f.gate[runtime.KindCPU] = gate
	in, mgr, rec := setup(t, f, Config{BackgroundTimeout: 200 * time.Millisecond, GracePeriod: 50 * time.Millisecond})

	require.Eventually(t, func() bool { return len(rec.named(AllModesReady)) == 1 }, 2*time.Second, 5*time.Millisecond)
	all := rec.named(AllModesReady)
	assert.Equal(t, 2, all[0].ReadyCount)
	assert.Empty(t, rec.named(QuickStartReady))
	assert.Empty(t, rec.named(InitError))
	assert.Equal(t, Degraded, in.State())

	close(gate)
	require.Eventually(t, func() bool { return len(rec.named(QuickStartReady)) == 1 }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(mgr.AvailableKinds()) == 3 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, FullyReady, in.State())
	assert.Len(t, rec.named(AllModesReady), 1)
}

func TestStartRejectsEmptyModel(t *testing.T) {
	mgr := backend.New(backend.Config{Factory: newHookFactory()})
	t.Cleanup(func() { _ = mgr.Close() })
	in := New(Config{Factory: newHookFactory(), Validator: allHardware}, mgr)
	assert.Error(t, in.Start(testCtx(t), nil, nil))
	assert.Equal(t, Uninitialized, in.State())
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "partially_ready", PartiallyReady.String())
	assert.Equal(t, "fully_ready", FullyReady.String())
	assert.Equal(t, "degraded", Degraded.String())
}
