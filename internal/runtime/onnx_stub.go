//go:build !onnx

package runtime

// This file is compiled when the 'onnx' build tag is NOT set, keeping default
// builds CGO-free. The real factory lives in onnx_ort.go.

type onnxFactory struct{}

// NewONNX returns the ONNX Runtime factory. Without the 'onnx' build tag every
// session request fails fast with a dependency-unavailable error.
func NewONNX() Factory { return onnxFactory{} }

// ONNXAvailable reports whether ONNX Runtime support was compiled in.
func ONNXAvailable() bool { return false }

func (onnxFactory) NewSession(kind Kind, _ []byte, _ Options) (Session, error) {
	return nil, ErrDependencyUnavailable("onnx runtime support not built (missing 'onnx' build tag); cannot create " + string(kind) + " session")
}
