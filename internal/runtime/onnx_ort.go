//go:build onnx

package runtime

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"srd/internal/tensor"
)

var (
	ortOnce    sync.Once
	ortInitErr error
)

func initORT(libPath string) error {
	ortOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return ErrDependencyUnavailable("onnx runtime init: " + ortInitErr.Error())
	}
	return nil
}

type onnxFactory struct{}

// NewONNX returns a factory backed by ONNX Runtime. CPU uses the default
// provider, GPU appends CUDA and NPU appends OpenVINO with device_type=NPU.
func NewONNX() Factory { return onnxFactory{} }

func ONNXAvailable() bool { return true }

func (onnxFactory) NewSession(kind Kind, model []byte, opts Options) (Session, error) {
	if err := initORT(opts.LibraryPath); err != nil {
		return nil, err
	}
	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(model)
	if err != nil {
		return nil, fmt.Errorf("read model io: %w", err)
	}
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, fmt.Errorf("model must have exactly one input and one output (got %d/%d)", len(inputs), len(outputs))
	}

	so, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer so.Destroy()
	if opts.NumThreads > 0 {
		if err := so.SetIntraOpNumThreads(opts.NumThreads); err != nil {
			return nil, fmt.Errorf("set threads: %w", err)
		}
	}
	switch kind {
	case KindCPU:
	case KindGPU:
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, ErrDependencyUnavailable("cuda provider: " + err.Error())
		}
		defer cuda.Destroy()
		if err := cuda.Update(map[string]string{"device_id": strconv.Itoa(opts.GPUDeviceID)}); err != nil {
			return nil, fmt.Errorf("cuda options: %w", err)
		}
		if err := so.AppendExecutionProviderCUDA(cuda); err != nil {
			return nil, ErrDependencyUnavailable("cuda provider: " + err.Error())
		}
	case KindNPU:
		device := opts.NPUDeviceType
		if device == "" {
			device = "NPU"
		}
		ov := map[string]string{"device_type": device}
		if opts.NPUAllowFP16 {
			ov["precision"] = "FP16"
		}
		if err := so.AppendExecutionProviderOpenVINO(ov); err != nil {
			return nil, ErrDependencyUnavailable("openvino provider: " + err.Error())
		}
	default:
		return nil, ErrUnsupportedKind(kind)
	}

	s := &ortSession{kind: kind}
	if s.in, s.inShape, s.nchw, err = resolveInfo(inputs[0], opts.DynamicEdge, 1); err != nil {
		return nil, fmt.Errorf("input %q: %w", inputs[0].Name, err)
	}
	scale := opts.DynamicScale
	if scale <= 0 {
		scale = 1
	}
	if s.out, s.outShape, _, err = resolveInfo(outputs[0], opts.DynamicEdge, scale); err != nil {
		return nil, fmt.Errorf("output %q: %w", outputs[0].Name, err)
	}
	s.sess, err = ort.NewDynamicAdvancedSessionWithONNXData(model, []string{inputs[0].Name}, []string{outputs[0].Name}, so)
	if err != nil {
		return nil, wrapORT(err)
	}
	return s, nil
}

// resolveInfo maps ORT io metadata to an NHWC tensor.Info. Symbolic
// dimensions resolve to batch 1 and edge*scale spatially.
func resolveInfo(io ort.InputOutputInfo, edge, scale int) (tensor.Info, ort.Shape, bool, error) {
	dims := io.Dimensions
	if len(dims) != 4 {
		return tensor.Info{}, nil, false, fmt.Errorf("want rank-4 tensor, got %v", dims)
	}
	shape := make(ort.Shape, 4)
	copy(shape, dims)
	if shape[0] <= 0 {
		shape[0] = 1
	}
	nchw := shape[1] == 3 || shape[1] == 4
	spatial := []int{2, 3}
	if !nchw {
		spatial = []int{1, 2}
	}
	for _, i := range spatial {
		if shape[i] <= 0 {
			if edge <= 0 {
				return tensor.Info{}, nil, false, fmt.Errorf("dynamic spatial dims need a configured edge")
			}
			shape[i] = int64(edge * scale)
		}
	}
	var dt tensor.DType
	switch io.DataType {
	case ort.TensorElementDataTypeFloat:
		dt = tensor.Float32
	case ort.TensorElementDataTypeUint8:
		dt = tensor.Uint8
	case ort.TensorElementDataTypeInt8:
		dt = tensor.Int8
	default:
		return tensor.Info{}, nil, false, fmt.Errorf("unsupported element type %v", io.DataType)
	}
	var s tensor.Shape
	if nchw {
		s = tensor.Shape{int(shape[0]), int(shape[2]), int(shape[3]), int(shape[1])}
	} else {
		s = tensor.Shape{int(shape[0]), int(shape[1]), int(shape[2]), int(shape[3])}
	}
	return tensor.Info{Shape: s, DType: dt}, shape, nchw, nil
}

type ortSession struct {
	kind     Kind
	sess     *ort.DynamicAdvancedSession
	in, out  tensor.Info
	inShape  ort.Shape
	outShape ort.Shape
	nchw     bool
}

func (s *ortSession) Input() tensor.Info  { return s.in }
func (s *ortSession) Output() tensor.Info { return s.out }

func (s *ortSession) Close() error {
	if s.sess == nil {
		return nil
	}
	err := s.sess.Destroy()
	s.sess = nil
	return err
}

func (s *ortSession) Run(in, out *tensor.Buffer) error {
	if !in.Matches(s.in) || !out.Matches(s.out) {
		return fmt.Errorf("%w: got %s -> %s, session wants %s -> %s", ErrBufferSizeMismatch, in.Info(), out.Info(), s.in, s.out)
	}
	switch s.in.DType {
	case tensor.Float32:
		res, err := runTyped(s, in.Float32s())
		if err != nil {
			return err
		}
		return out.SetFloat32s(res)
	case tensor.Uint8:
		res, err := runTyped(s, append([]uint8(nil), in.Bytes()...))
		if err != nil {
			return err
		}
		copy(out.Bytes(), res)
	case tensor.Int8:
		src := make([]int8, in.Cap())
		for i, b := range in.Bytes() {
			src[i] = int8(b)
		}
		res, err := runTyped(s, src)
		if err != nil {
			return err
		}
		dst := out.Bytes()
		for i, v := range res {
			dst[i] = byte(v)
		}
	}
	return nil
}

func runTyped[T ort.TensorData](s *ortSession, data []T) ([]T, error) {
	if s.nchw {
		data = toNCHW(data, s.in.Shape)
	}
	inT, err := ort.NewTensor(s.inShape, data)
	if err != nil {
		return nil, wrapORT(err)
	}
	defer inT.Destroy()
	outT, err := ort.NewEmptyTensor[T](s.outShape)
	if err != nil {
		return nil, wrapORT(err)
	}
	defer outT.Destroy()
	if err := s.sess.Run([]ort.Value{inT}, []ort.Value{outT}); err != nil {
		return nil, wrapORT(err)
	}
	res := outT.GetData()
	if s.nchw {
		return toNHWC(res, s.out.Shape), nil
	}
	return append([]T(nil), res...), nil
}

func toNCHW[T any](src []T, s tensor.Shape) []T {
	n, h, w, c := s.Batch(), s.Height(), s.Width(), s.Channels()
	dst := make([]T, len(src))
	for b := 0; b < n; b++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				for ch := 0; ch < c; ch++ {
					dst[((b*c+ch)*h+y)*w+x] = src[((b*h+y)*w+x)*c+ch]
				}
			}
		}
	}
	return dst
}

func toNHWC[T any](src []T, s tensor.Shape) []T {
	n, h, w, c := s.Batch(), s.Height(), s.Width(), s.Channels()
	dst := make([]T, len(src))
	for b := 0; b < n; b++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				for ch := 0; ch < c; ch++ {
					dst[((b*h+y)*w+x)*c+ch] = src[((b*c+ch)*h+y)*w+x]
				}
			}
		}
	}
	return dst
}

// wrapORT maps allocation failures onto ErrOutOfMemory.
func wrapORT(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "failed to allocate") || strings.Contains(msg, "bad_alloc") || strings.Contains(msg, "out of memory") {
		return fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}
	return fmt.Errorf("onnx runtime: %w", err)
}
