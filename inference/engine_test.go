package inference

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

func floatTensor(name string, dims ...int64) ort.InputOutputInfo {
	return ort.InputOutputInfo{
		Name:         name,
		OrtValueType: ort.ONNXTypeTensor,
		Dimensions:   ort.NewShape(dims...),
		DataType:     ort.TensorElementDataTypeFloat,
	}
}

func stubRuntime(t *testing.T, inputs, outputs []ort.InputOutputInfo) {
	t.Helper()
	origInit, origDestroy, origInfo := initializeRuntime, destroyRuntime, inputOutputInfo
	t.Cleanup(func() {
		initializeRuntime, destroyRuntime, inputOutputInfo = origInit, origDestroy, origInfo
	})
	initializeRuntime = func(string) error { return nil }
	destroyRuntime = func() error { return nil }
	inputOutputInfo = func(string) ([]ort.InputOutputInfo, []ort.InputOutputInfo, error) {
		return inputs, outputs, nil
	}
}

func writeModel(t *testing.T, dir string, nodes ...[]byte) string {
	t.Helper()
	path := filepath.Join(dir, "person-detection.onnx")
	require.NoError(t, os.WriteFile(path, testModel(testGraph(nodes...)), 0o644))
	return path
}

func testEngine() *Engine {
	return &Engine{
		cfg: EngineConfig{MaxDetections: DefaultMaxDetections},
		log: zap.NewNop().Sugar(),
	}
}

var ssdIO = struct {
	inputs, outputs []ort.InputOutputInfo
}{
	inputs:  []ort.InputOutputInfo{floatTensor("data", -1, 3, 320, 544)},
	outputs: []ort.InputOutputInfo{floatTensor("detection_out", 1, 1, -1, 7)},
}

func TestEngineLoad(t *testing.T) {
	stubRuntime(t, ssdIO.inputs, ssdIO.outputs)
	dir := t.TempDir()
	modelPath := writeModel(t, dir, testNode("Conv", ""), testNode("Relu", ""))

	e := testEngine()
	m, err := e.Load(modelPath, DeviceCPU, "")
	require.NoError(t, err)

	desc := m.Descriptor()
	assert.Equal(t, modelPath, desc.ModelPath)
	assert.Empty(t, desc.WeightsPath)
	assert.Equal(t, []int64{1, 3, 320, 544}, desc.Input.Shape)
	assert.Equal(t, "detection_out", desc.OutputName())
	assert.Equal(t, []int64{1, 1, DynamicDim, 7}, desc.Outputs[0].Shape)
	assert.True(t, desc.DynamicOutputs())
	assert.Equal(t, []Operator{{Type: "Conv"}, {Type: "Relu"}}, desc.Operators)

	n, c, h, w := m.InputShape()
	assert.Equal(t, []int{1, 3, 320, 544}, []int{n, c, h, w})
}

func TestEngineLoadWeights(t *testing.T) {
	stubRuntime(t, ssdIO.inputs, ssdIO.outputs)
	dir := t.TempDir()
	modelPath := writeModel(t, dir, testNode("Conv", ""))
	weights := filepath.Join(dir, "person-detection.bin")
	require.NoError(t, os.WriteFile(weights, []byte{0}, 0o644))

	m, err := testEngine().Load(modelPath, DeviceCPU, "")
	require.NoError(t, err)
	assert.Equal(t, weights, m.Descriptor().WeightsPath)
}

func TestEngineLoadMissingModel(t *testing.T) {
	stubRuntime(t, ssdIO.inputs, ssdIO.outputs)
	_, err := testEngine().Load(filepath.Join(t.TempDir(), "nope.onnx"), DeviceCPU, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestEngineLoadUnsupportedOperators(t *testing.T) {
	stubRuntime(t, ssdIO.inputs, ssdIO.outputs)
	dir := t.TempDir()
	modelPath := writeModel(t, dir,
		testNode("Conv", ""),
		testNode("DetectionOutput", "org.openvinotoolkit"),
		testNode("PriorBoxClustered", "org.openvinotoolkit"),
	)

	t.Run("no extension", func(t *testing.T) {
		_, err := testEngine().Load(modelPath, DeviceCPU, "")
		var uerr *UnsupportedOperatorError
		require.True(t, errors.As(err, &uerr))
		assert.Len(t, uerr.Operators, 2)
		assert.Contains(t, errors.GetAllHints(err), HintNoExtension)
	})

	t.Run("insufficient extension", func(t *testing.T) {
		ext := writeExtension(t, "domain: org.openvinotoolkit\noperators: [DetectionOutput]\n")
		_, err := testEngine().Load(modelPath, DeviceCPU, ext)
		var uerr *UnsupportedOperatorError
		require.True(t, errors.As(err, &uerr))
		assert.Equal(t, []Operator{{Domain: "org.openvinotoolkit", Type: "PriorBoxClustered"}}, uerr.Operators)
		assert.Contains(t, errors.GetAllHints(err), HintInsufficientExtension)
	})

	t.Run("covering extension", func(t *testing.T) {
		ext := writeExtension(t, "name: ssd-ops\ndomain: org.openvinotoolkit\n")
		e := testEngine()
		m, err := e.Load(modelPath, DeviceCPU, ext)
		require.NoError(t, err)
		assert.Len(t, m.Descriptor().Operators, 3)
		assert.Len(t, e.extensions, 1)
	})

	t.Run("extension ignored on gpu", func(t *testing.T) {
		ext := writeExtension(t, "domain: org.openvinotoolkit\n")
		e := testEngine()
		_, err := e.Load(modelPath, DeviceGPU, ext)
		var uerr *UnsupportedOperatorError
		require.True(t, errors.As(err, &uerr))
		assert.Empty(t, e.extensions)
		assert.Contains(t, errors.GetAllHints(err), HintNonCPUDevice)
	})
}

func TestEngineAddExtensionNonCPU(t *testing.T) {
	ext := writeExtension(t, "domain: org.openvinotoolkit\n")
	err := testEngine().AddExtension(ext, DeviceMyriad)
	require.Error(t, err)
	assert.Contains(t, errors.GetAllHints(err), HintNonCPUDevice)
}

func TestEngineClose(t *testing.T) {
	stubRuntime(t, ssdIO.inputs, ssdIO.outputs)
	destroyed := 0
	destroyRuntime = func() error {
		destroyed++
		return nil
	}

	e := testEngine()
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	assert.Equal(t, 1, destroyed)

	modelPath := writeModel(t, t.TempDir(), testNode("Conv", ""))
	_, err := e.Load(modelPath, DeviceCPU, "")
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestNewEngine(t *testing.T) {
	stubRuntime(t, nil, nil)
	lib := filepath.Join(t.TempDir(), "libonnxruntime.so")
	require.NoError(t, os.WriteFile(lib, []byte{0}, 0o644))

	var initialized string
	initializeRuntime = func(path string) error {
		initialized = path
		return nil
	}

	e, err := NewEngine(EngineConfig{LibraryPath: lib})
	require.NoError(t, err)
	assert.Equal(t, lib, initialized)
	assert.Equal(t, DefaultMaxDetections, e.cfg.MaxDetections)
	require.NoError(t, e.Close())
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		name    string
		inputs  []ort.InputOutputInfo
		outputs []ort.InputOutputInfo
		input   []int64
		output  []int64
		wantErr string
	}{
		{
			name:    "static shapes",
			inputs:  []ort.InputOutputInfo{floatTensor("data", 1, 3, 300, 300)},
			outputs: []ort.InputOutputInfo{floatTensor("out", 1, 1, 100, 7)},
			input:   []int64{1, 3, 300, 300},
			output:  []int64{1, 1, 100, 7},
		},
		{
			name:    "dynamic batch and detections",
			inputs:  []ort.InputOutputInfo{floatTensor("data", -1, 3, 300, 300)},
			outputs: []ort.InputOutputInfo{floatTensor("out", -1, 1, -1, 7)},
			input:   []int64{1, 3, 300, 300},
			output:  []int64{1, 1, DynamicDim, 7},
		},
		{
			name:    "dynamic spatial input",
			inputs:  []ort.InputOutputInfo{floatTensor("data", 1, 3, -1, -1)},
			outputs: []ort.InputOutputInfo{floatTensor("out", 1, 1, 100, 7)},
			wantErr: "dynamic dimension 2",
		},
		{
			name:    "wrong rank",
			inputs:  []ort.InputOutputInfo{floatTensor("data", 3, 300, 300)},
			outputs: []ort.InputOutputInfo{floatTensor("out", 1, 1, 100, 7)},
			wantErr: "want (N, C, H, W)",
		},
		{
			name: "non-float input",
			inputs: []ort.InputOutputInfo{{
				Name:         "data",
				OrtValueType: ort.ONNXTypeTensor,
				Dimensions:   ort.NewShape(1, 3, 300, 300),
				DataType:     ort.TensorElementDataTypeUint8,
			}},
			outputs: []ort.InputOutputInfo{floatTensor("out", 1, 1, 100, 7)},
			wantErr: "only float32",
		},
		{
			name:    "no outputs",
			inputs:  []ort.InputOutputInfo{floatTensor("data", 1, 3, 300, 300)},
			wantErr: "no outputs",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, outs, err := describe(tt.inputs, tt.outputs)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.input, in.Shape)
			assert.Equal(t, tt.output, outs[0].Shape)
		})
	}
}

func TestDynamicOutputs(t *testing.T) {
	static := TensorInfo{Name: "out", Shape: []int64{1, 1, 100, 7}}
	dynamic := TensorInfo{Name: "detection_out", Shape: []int64{1, 1, DynamicDim, 7}}
	ragged := TensorInfo{Name: "labels", Shape: []int64{1, DynamicDim, DynamicDim}}

	assert.Equal(t, 700, static.Elements())
	assert.Equal(t, -1, dynamic.Elements())
	assert.False(t, static.Dynamic())
	assert.True(t, dynamic.Dynamic())

	assert.False(t, ModelDescriptor{Outputs: []TensorInfo{static}}.DynamicOutputs())
	assert.True(t, ModelDescriptor{Outputs: []TensorInfo{static, dynamic}}.DynamicOutputs())

	limits := outputLimits([]TensorInfo{static, dynamic, ragged}, 50)
	assert.Equal(t, map[string]int{"detection_out": 350}, limits)
	assert.Empty(t, outputLimits([]TensorInfo{dynamic}, 0))
}

func TestCapOutput(t *testing.T) {
	// 37 detections fit under a 200 row cap and come back untouched.
	out := make([]float32, 37*7)
	assert.Len(t, capOutput(out, 200*7), 37*7)

	assert.Len(t, capOutput(make([]float32, 300*7), 200*7), 200*7)
	assert.Len(t, capOutput(make([]float32, 300*7), 0), 300*7)
	assert.Empty(t, capOutput(nil, 7))
}

func TestWeightsPathFor(t *testing.T) {
	assert.Equal(t, "models/ssd.bin", WeightsPathFor("models/ssd.onnx"))
	assert.Equal(t, "models/ssd.bin", WeightsPathFor("models/ssd.xml"))
	assert.Equal(t, "ssd.bin", WeightsPathFor("ssd"))
}

func TestResolveLibraryPath(t *testing.T) {
	t.Setenv(LibraryEnv, "")
	path, err := ResolveLibraryPath("")
	require.NoError(t, err)
	assert.Equal(t, DefaultLibraryName(), path)

	lib := filepath.Join(t.TempDir(), "custom.so")
	require.NoError(t, os.WriteFile(lib, []byte{0}, 0o644))
	t.Setenv(LibraryEnv, lib)
	path, err = ResolveLibraryPath("")
	require.NoError(t, err)
	assert.Equal(t, lib, path)

	_, err = ResolveLibraryPath(filepath.Join(t.TempDir(), "missing.so"))
	require.Error(t, err)
	assert.NotEmpty(t, errors.GetAllHints(err))
}
