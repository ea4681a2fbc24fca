package inference

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// WeightsExtension is the extension of the weights file paired with a model.
const WeightsExtension = ".bin"

// DynamicDim marks an output dimension only known once the model has run.
const DynamicDim int64 = -1

type TensorInfo struct {
	Name  string
	Shape []int64
}

// Elements is the number of values a tensor of this shape holds, or -1 when
// a dimension is dynamic.
func (t TensorInfo) Elements() int {
	n := 1
	for _, d := range t.Shape {
		if d < 0 {
			return -1
		}
		n *= int(d)
	}
	return n
}

func (t TensorInfo) Dynamic() bool {
	return t.Elements() < 0
}

// rowSize is the number of values per entry of the innermost dimension, or 0
// when that dimension is dynamic too.
func (t TensorInfo) rowSize() int {
	if len(t.Shape) == 0 || t.Shape[len(t.Shape)-1] < 0 {
		return 0
	}
	return int(t.Shape[len(t.Shape)-1])
}

func (t TensorInfo) String() string {
	return fmt.Sprintf("%s%v", t.Name, t.Shape)
}

// ModelDescriptor describes a loaded model. It is immutable after Load.
type ModelDescriptor struct {
	ModelPath string
	// WeightsPath is empty when the model file is self-contained.
	WeightsPath string
	Device      Device
	Input       TensorInfo
	Outputs     []TensorInfo
	Operators   []Operator
}

// InputShape returns the input tensor layout as (N, C, H, W).
func (d ModelDescriptor) InputShape() (n, c, h, w int) {
	s := d.Input.Shape
	return int(s[0]), int(s[1]), int(s[2]), int(s[3])
}

// OutputName is the model's default output tensor.
func (d ModelDescriptor) OutputName() string {
	if len(d.Outputs) == 0 {
		return ""
	}
	return d.Outputs[0].Name
}

// DynamicOutputs reports whether any output shape is only known after a run.
func (d ModelDescriptor) DynamicOutputs() bool {
	for _, o := range d.Outputs {
		if o.Dynamic() {
			return true
		}
	}
	return false
}

func (d ModelDescriptor) Output(name string) (TensorInfo, bool) {
	for _, o := range d.Outputs {
		if o.Name == name {
			return o, true
		}
	}
	return TensorInfo{}, false
}

// WeightsPathFor derives the weights file paired with a model file by
// replacing its extension.
func WeightsPathFor(modelPath string) string {
	return strings.TrimSuffix(modelPath, filepath.Ext(modelPath)) + WeightsExtension
}

// describe resolves the runtime's input/output metadata. A dynamic leading
// (batch) dimension becomes 1; any other dynamic output dimension stays
// DynamicDim and is sized by the runtime on every run.
func describe(inputs, outputs []ort.InputOutputInfo) (TensorInfo, []TensorInfo, error) {
	if len(inputs) == 0 {
		return TensorInfo{}, nil, errors.New("model has no inputs")
	}
	if len(outputs) == 0 {
		return TensorInfo{}, nil, errors.New("model has no outputs")
	}

	in := inputs[0]
	if err := checkFloatTensor(in); err != nil {
		return TensorInfo{}, nil, err
	}
	if len(in.Dimensions) != 4 {
		return TensorInfo{}, nil, errors.Newf("input %q has shape %v, want (N, C, H, W)", in.Name, in.Dimensions)
	}
	input := TensorInfo{Name: in.Name, Shape: make([]int64, 4)}
	for i, d := range in.Dimensions {
		switch {
		case d > 0:
			input.Shape[i] = d
		case i == 0:
			input.Shape[i] = 1
		default:
			return TensorInfo{}, nil, errors.Newf("input %q has dynamic dimension %d, static C/H/W required", in.Name, i)
		}
	}

	outs := make([]TensorInfo, 0, len(outputs))
	for _, o := range outputs {
		if err := checkFloatTensor(o); err != nil {
			return TensorInfo{}, nil, err
		}
		info := TensorInfo{Name: o.Name, Shape: make([]int64, len(o.Dimensions))}
		for i, d := range o.Dimensions {
			switch {
			case d > 0:
				info.Shape[i] = d
			case i == 0:
				info.Shape[i] = 1
			default:
				info.Shape[i] = DynamicDim
			}
		}
		outs = append(outs, info)
	}
	return input, outs, nil
}

func checkFloatTensor(info ort.InputOutputInfo) error {
	if info.OrtValueType != ort.ONNXTypeTensor {
		return errors.Newf("%q is not a tensor", info.Name)
	}
	if info.DataType != ort.TensorElementDataTypeFloat {
		return errors.Newf("%q has element type %v, only float32 is supported", info.Name, info.DataType)
	}
	return nil
}

// Model is a detector loaded for a device. Sessions are created from it.
type Model struct {
	engine     *Engine
	descriptor ModelDescriptor
}

func (m *Model) Descriptor() ModelDescriptor {
	return m.descriptor
}

// InputShape returns (N, C, H, W).
func (m *Model) InputShape() (n, c, h, w int) {
	return m.descriptor.InputShape()
}

// NewSession allocates the request buffers and the runtime session. Models
// with dynamic outputs get runtime-allocated output tensors on every run.
func (m *Model) NewSession(opts ...SessionOption) (*Session, error) {
	var (
		r   runner
		err error
	)
	if m.descriptor.DynamicOutputs() {
		r, err = newDynamicRunner(m.descriptor, m.engine.cfg)
	} else {
		r, err = newORTRunner(m.descriptor, m.engine.cfg)
	}
	if err != nil {
		return nil, err
	}
	return newSession(r, m.descriptor, opts...), nil
}
