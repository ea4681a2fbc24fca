package inference

import (
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
	"golang.org/x/sys/cpu"

	"github.com/Tutortoise/people-counter-service/logger"
)

// DefaultMaxDetections caps the detection rows read from a dynamic output.
const DefaultMaxDetections = 200

type EngineConfig struct {
	LibraryPath    string
	IntraOpThreads int
	InterOpThreads int
	MaxDetections  int
}

// Engine owns the ONNX Runtime environment, the process-wide device plugin.
// Create one with NewEngine and release it with Close; models and sessions
// must be closed before the engine.
type Engine struct {
	cfg EngineConfig
	log *zap.SugaredLogger

	mu         sync.Mutex
	extensions []*Extension
	closed     bool
}

// Overridable in tests, which run without the native runtime.
var (
	initializeRuntime = func(libraryPath string) error {
		ort.SetSharedLibraryPath(libraryPath)
		return ort.InitializeEnvironment()
	}
	destroyRuntime  = ort.DestroyEnvironment
	inputOutputInfo = ort.GetInputOutputInfo
)

// NewEngine initializes the runtime environment from cfg.LibraryPath.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.MaxDetections <= 0 {
		cfg.MaxDetections = DefaultMaxDetections
	}

	libPath, err := ResolveLibraryPath(cfg.LibraryPath)
	if err != nil {
		return nil, err
	}
	if err := initializeRuntime(libPath); err != nil {
		return nil, errors.Wrap(err, "initialize ONNX Runtime")
	}

	cfg.LibraryPath = libPath
	e := &Engine{cfg: cfg, log: logger.Named("engine")}
	e.log.Infow("runtime initialized", "library", libPath)
	return e, nil
}

// AddExtension registers an extension for device. Only CPU-class devices
// accept extensions.
func (e *Engine) AddExtension(path string, device Device) error {
	if !device.IsCPUClass() {
		return errors.WithHint(
			errors.Newf("extension %s not applicable to %s", path, device),
			HintNonCPUDevice,
		)
	}

	ext, err := LoadExtension(path)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	e.extensions = append(e.extensions, ext)
	e.log.Infow("extension registered",
		"name", ext.Name,
		"domain", ext.Domain,
		"operators", len(ext.Operators),
		"device", device)
	return nil
}

// Load reads a model for device. When extensionPath is set and the device is
// CPU-class the extension is registered first. Operators the device cannot
// run fail the load with *UnsupportedOperatorError.
func (e *Engine) Load(modelPath string, device Device, extensionPath string) (*Model, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, errors.Wrapf(err, "model file %s", modelPath)
	}

	weights := WeightsPathFor(modelPath)
	if _, err := os.Stat(weights); err != nil {
		weights = ""
	}

	if extensionPath != "" {
		if device.IsCPUClass() {
			if err := e.AddExtension(extensionPath, device); err != nil {
				return nil, err
			}
		} else {
			e.log.Warnw("ignoring extension for non-CPU device", "extension", extensionPath, "device", device)
		}
	}
	if device.IsCPUClass() {
		e.log.Debugw("cpu features",
			"avx2", cpu.X86.HasAVX2,
			"avx512", cpu.X86.HasAVX512,
			"sse41", cpu.X86.HasSSE41,
			"neon", cpu.ARM64.HasASIMD)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	extensions := append([]*Extension(nil), e.extensions...)
	e.mu.Unlock()

	ops, err := ScanOperatorsFile(modelPath)
	if err != nil {
		return nil, err
	}
	if err := checkOperators(device, ops, extensions); err != nil {
		return nil, err
	}

	inputs, outputs, err := inputOutputInfo(modelPath)
	if err != nil {
		return nil, errors.Wrap(err, "read model inputs and outputs")
	}
	input, outs, err := describe(inputs, outputs)
	if err != nil {
		return nil, err
	}

	desc := ModelDescriptor{
		ModelPath:   modelPath,
		WeightsPath: weights,
		Device:      device,
		Input:       input,
		Outputs:     outs,
		Operators:   ops,
	}
	e.log.Infow("model loaded",
		"model", modelPath,
		"weights", weights,
		"device", device,
		"input", input.String(),
		"output", desc.OutputName(),
		"dynamic_outputs", desc.DynamicOutputs(),
		"operators", len(ops))

	return &Model{engine: e, descriptor: desc}, nil
}

// Close releases the runtime environment. Calling Close again is a no-op.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.extensions = nil
	if err := destroyRuntime(); err != nil {
		return errors.Wrap(err, "destroy ONNX Runtime")
	}
	return nil
}
