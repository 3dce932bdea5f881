// Package runtime abstracts the inference runtime behind the backend manager.
// A Factory turns serialized model bytes into a Session bound to one
// accelerator kind; sessions run fixed-shape tensors in place.
package runtime

import (
	"fmt"
	"strings"

	"srd/internal/tensor"
)

// Kind identifies an accelerator class.
type Kind string

const (
	KindCPU Kind = "cpu"
	KindGPU Kind = "gpu"
	KindNPU Kind = "npu"
)

// Kinds lists every accelerator kind in build order.
var Kinds = []Kind{KindCPU, KindGPU, KindNPU}

// ParseKind accepts "cpu", "gpu", "npu" in any case. The empty string and
// "auto" map to the zero Kind, meaning no preference.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "", "auto":
		return "", nil
	case KindCPU, KindGPU, KindNPU:
		return k, nil
	}
	return "", fmt.Errorf("unknown backend kind %q", s)
}

// Session is a compiled model bound to one accelerator. Sessions are not safe
// for concurrent use; each is owned by exactly one goroutine at a time.
type Session interface {
	Input() tensor.Info
	Output() tensor.Info
	// Run reads in and writes out. Implementations return an error wrapping
	// ErrBufferSizeMismatch when a buffer does not fit the session's tensors.
	Run(in, out *tensor.Buffer) error
	Close() error
}

// DeviceReporter is implemented by sessions that can tell which device
// actually executes them. Self-tests use it to catch silent CPU fallback.
type DeviceReporter interface {
	Device() Kind
}

// Options carries per-kind session settings.
type Options struct {
	NumThreads int
	// LibraryPath points native runtimes at their shared library.
	LibraryPath string
	// DynamicEdge and DynamicScale resolve symbolic spatial dimensions of
	// models exported with dynamic axes.
	DynamicEdge  int
	DynamicScale int
	// CPU
	UseXNNPACK bool
	// GPU
	GPUDeviceID             int
	GPUPrecisionLossAllowed bool
	GPUInferencePreference  string
	// NPU
	NPUDeviceType  string
	NPUAllowFP16   bool
	NPUAccelerator string
}

// Factory builds sessions. NewSession may block for a long time on real
// hardware and must be safe to call from several goroutines at once.
type Factory interface {
	NewSession(kind Kind, model []byte, opts Options) (Session, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(kind Kind, model []byte, opts Options) (Session, error)

func (f FactoryFunc) NewSession(kind Kind, model []byte, opts Options) (Session, error) {
	return f(kind, model, opts)
}
