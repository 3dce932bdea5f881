package backend

import (
	"time"

	"srd/internal/runtime"
	"srd/internal/tensor"
)

// State is the lifecycle state of one backend.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateReady         State = "ready"
	StateFailed        State = "failed"
	StateEvicted       State = "evicted"
)

// usable reports whether a backend can serve requests, possibly after lazy
// re-creation.
func (s State) usable() bool { return s == StateReady || s == StateEvicted }

// Geometry is the tiling-relevant shape of the active backend.
type Geometry struct {
	Kind runtime.Kind
	// Edge is the square input edge the session expects.
	Edge int
	// Scale is output edge / input edge.
	Scale int
	// Batch is the session's batch dimension.
	Batch int
	DType tensor.DType
}

// BatchCapability reports whether the active model accepts stacked inputs.
type BatchCapability struct {
	Capable bool
	Size    int
}

// slot is the worker-owned record for one accelerator kind.
type slot struct {
	kind     runtime.Kind
	state    State
	reason   string
	session  runtime.Session
	in, out  tensor.Info
	lastUsed time.Time
}

func (s *slot) geometry() Geometry {
	edge := min(s.in.Shape.Width(), s.in.Shape.Height())
	scale := 0
	if w := s.in.Shape.Width(); w > 0 {
		scale = s.out.Shape.Width() / w
	}
	return Geometry{Kind: s.kind, Edge: edge, Scale: scale, Batch: s.in.Shape.Batch(), DType: s.in.DType}
}

// Executor runs result callbacks. Callers pick where their callbacks land.
type Executor interface {
	Execute(fn func())
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(fn func())

func (f ExecutorFunc) Execute(fn func()) { f(fn) }

var (
	// Inline runs callbacks on the manager's worker goroutine. Callbacks
	// must not call back into the manager synchronously.
	Inline Executor = ExecutorFunc(func(fn func()) { fn() })
	// Go runs each callback on a new goroutine.
	Go Executor = ExecutorFunc(func(fn func()) { go fn() })
)

// Observer receives inference measurements. Implementations must be cheap
// and non-blocking.
type Observer interface {
	InferenceDone(kind runtime.Kind, d time.Duration, err error)
	BuffersReallocated(kind runtime.Kind)
}

type noopObserver struct{}

func (noopObserver) InferenceDone(runtime.Kind, time.Duration, error) {}
func (noopObserver) BuffersReallocated(runtime.Kind)                 {}
