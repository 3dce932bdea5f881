package runtime

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"srd/internal/tensor"
)

// ReferenceFormat marks a model file understood by the reference runtime.
const ReferenceFormat = "srd-reference"

// ReferenceModel is the on-disk description of a reference model. The
// reference runtime upscales by nearest-neighbour replication, which makes
// output fully deterministic and lets the rest of the engine run without a
// native inference library.
type ReferenceModel struct {
	Format   string            `json:"format"`
	Edge     int               `json:"edge"`
	Scale    int               `json:"scale"`
	Channels int               `json:"channels,omitempty"`
	DTypes   map[Kind]string   `json:"dtypes,omitempty"`
	Batch    map[Kind]int      `json:"batch,omitempty"`
	Disabled map[Kind]string   `json:"disabled,omitempty"`
	Meta     map[string]string `json:"meta,omitempty"`
}

// EncodeReferenceModel serializes m, filling the format marker.
func EncodeReferenceModel(m ReferenceModel) []byte {
	m.Format = ReferenceFormat
	b, _ := json.Marshal(m)
	return b
}

// ParseReferenceModel decodes and validates a reference model file.
func ParseReferenceModel(b []byte) (ReferenceModel, error) {
	var m ReferenceModel
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("not a reference model: %w", err)
	}
	if m.Format != ReferenceFormat {
		return m, fmt.Errorf("not a reference model: format %q", m.Format)
	}
	if m.Edge <= 0 || m.Scale <= 0 {
		return m, fmt.Errorf("reference model: edge and scale must be positive (edge=%d scale=%d)", m.Edge, m.Scale)
	}
	if m.Channels == 0 {
		m.Channels = 3
	}
	return m, nil
}

// ReferenceFactory builds reference sessions for every kind the model does
// not mark as disabled.
type ReferenceFactory struct {
	built atomic.Int64
}

func NewReference() *ReferenceFactory { return &ReferenceFactory{} }

// Built returns the number of sessions created so far.
func (f *ReferenceFactory) Built() int64 { return f.built.Load() }

func (f *ReferenceFactory) NewSession(kind Kind, model []byte, _ Options) (Session, error) {
	m, err := ParseReferenceModel(model)
	if err != nil {
		return nil, err
	}
	if reason, ok := m.Disabled[kind]; ok {
		if reason == "" {
			reason = "disabled by model"
		}
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind(kind), reason)
	}
	dt := tensor.Float32
	if s, ok := m.DTypes[kind]; ok {
		if dt, err = tensor.ParseDType(s); err != nil {
			return nil, err
		}
	}
	batch := 1
	if b, ok := m.Batch[kind]; ok && b > 0 {
		batch = b
	}
	in := tensor.Info{Shape: tensor.Shape{batch, m.Edge, m.Edge, m.Channels}, DType: dt}
	out := tensor.Info{Shape: tensor.Shape{batch, m.Edge * m.Scale, m.Edge * m.Scale, m.Channels}, DType: dt}
	f.built.Add(1)
	return &referenceSession{kind: kind, in: in, out: out, scale: m.Scale}, nil
}

type referenceSession struct {
	kind   Kind
	in     tensor.Info
	out    tensor.Info
	scale  int
	closed bool
}

func (s *referenceSession) Input() tensor.Info  { return s.in }
func (s *referenceSession) Output() tensor.Info { return s.out }
func (s *referenceSession) Device() Kind        { return s.kind }

func (s *referenceSession) Close() error {
	s.closed = true
	return nil
}

func (s *referenceSession) Run(in, out *tensor.Buffer) error {
	if s.closed {
		return fmt.Errorf("reference session %s: closed", s.kind)
	}
	if !in.Matches(s.in) {
		return fmt.Errorf("%w: input %s, session wants %s", ErrBufferSizeMismatch, in.Info(), s.in)
	}
	if !out.Matches(s.out) {
		return fmt.Errorf("%w: output %s, session wants %s", ErrBufferSizeMismatch, out.Info(), s.out)
	}
	bpe := s.in.DType.BytesPerElement()
	ih, iw, c := s.in.Shape.Height(), s.in.Shape.Width(), s.in.Shape.Channels()
	oh, ow := s.out.Shape.Height(), s.out.Shape.Width()
	src, dst := in.Bytes(), out.Bytes()
	px := c * bpe
	for b := 0; b < s.in.Shape.Batch(); b++ {
		ib := b * ih * iw * px
		ob := b * oh * ow * px
		for y := 0; y < oh; y++ {
			srow := ib + (y/s.scale)*iw*px
			drow := ob + y*ow*px
			for x := 0; x < ow; x++ {
				so := srow + (x/s.scale)*px
				copy(dst[drow+x*px:drow+x*px+px], src[so:so+px])
			}
		}
	}
	return nil
}
