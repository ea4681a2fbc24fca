package inference

import (
	"github.com/cockroachdb/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"
)

// runner executes one request against pre-allocated buffers.
type runner interface {
	Input() []float32
	Output(name string) ([]float32, bool)
	Run() error
	Destroy() error
}

type ortRunner struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	outputs map[string]*ort.Tensor[float32]
}

// newSessionOptions builds the thread and execution provider settings shared
// by both runner kinds. The caller destroys the options.
func newSessionOptions(device Device, cfg EngineConfig) (_ *ort.SessionOptions, err error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "create session options")
	}
	defer func() {
		if err != nil {
			options.Destroy()
		}
	}()

	if err := options.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
		return nil, errors.Wrap(err, "set intra-op threads")
	}
	if err := options.SetInterOpNumThreads(cfg.InterOpThreads); err != nil {
		return nil, errors.Wrap(err, "set inter-op threads")
	}
	if err := appendExecutionProvider(options, device); err != nil {
		return nil, err
	}
	return options, nil
}

// newORTRunner binds pre-allocated output tensors. Only valid when every
// output shape is static.
func newORTRunner(desc ModelDescriptor, cfg EngineConfig) (_ *ortRunner, err error) {
	options, err := newSessionOptions(desc.Device, cfg)
	if err != nil {
		return nil, err
	}
	defer options.Destroy()

	r := &ortRunner{outputs: make(map[string]*ort.Tensor[float32], len(desc.Outputs))}
	defer func() {
		if err != nil {
			err = multierr.Append(err, r.Destroy())
		}
	}()

	r.input, err = ort.NewEmptyTensor[float32](ort.NewShape(desc.Input.Shape...))
	if err != nil {
		return nil, errors.Wrap(err, "create input tensor")
	}

	outputNames := make([]string, 0, len(desc.Outputs))
	outputTensors := make([]ort.Value, 0, len(desc.Outputs))
	for _, o := range desc.Outputs {
		t, err := ort.NewEmptyTensor[float32](ort.NewShape(o.Shape...))
		if err != nil {
			return nil, errors.Wrapf(err, "create output tensor %s", o.Name)
		}
		r.outputs[o.Name] = t
		outputNames = append(outputNames, o.Name)
		outputTensors = append(outputTensors, t)
	}

	r.session, err = ort.NewAdvancedSession(
		desc.ModelPath,
		[]string{desc.Input.Name},
		outputNames,
		[]ort.Value{r.input},
		outputTensors,
		options,
	)
	if err != nil {
		return nil, errors.Wrap(err, "create session")
	}
	return r, nil
}

// appendExecutionProvider selects the runtime backend for the device's
// primary target. CPU uses the default provider.
func appendExecutionProvider(options *ort.SessionOptions, device Device) error {
	switch device.Primary() {
	case DeviceGPU:
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return errors.Wrap(err, "create CUDA options")
		}
		defer cuda.Destroy()
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			return errors.Wrap(err, "enable CUDA provider")
		}
	case DeviceMyriad, DeviceFPGA:
		if err := options.AppendExecutionProviderOpenVINO(map[string]string{
			"device_type": openVINODeviceType(device),
		}); err != nil {
			return errors.Wrap(err, "enable OpenVINO provider")
		}
	}
	return nil
}

func openVINODeviceType(device Device) string {
	if len(device.Targets()) > 1 {
		return string(device)
	}
	switch device {
	case DeviceMyriad:
		return "MYRIAD_FP16"
	case DeviceFPGA:
		return "HETERO:FPGA,CPU"
	}
	return string(device)
}

func (r *ortRunner) Input() []float32 {
	return r.input.GetData()
}

func (r *ortRunner) Output(name string) ([]float32, bool) {
	t, ok := r.outputs[name]
	if !ok {
		return nil, false
	}
	return t.GetData(), true
}

func (r *ortRunner) Run() error {
	return r.session.Run()
}

func (r *ortRunner) Destroy() error {
	var err error
	if r.session != nil {
		err = multierr.Append(err, r.session.Destroy())
		r.session = nil
	}
	if r.input != nil {
		err = multierr.Append(err, r.input.Destroy())
		r.input = nil
	}
	for name, t := range r.outputs {
		err = multierr.Append(err, t.Destroy())
		delete(r.outputs, name)
	}
	return err
}

// dynamicRunner lets the runtime allocate the outputs of every run, for
// models whose detection count is only known after running.
type dynamicRunner struct {
	session *ort.DynamicAdvancedSession
	input   *ort.Tensor[float32]
	names   []string
	limits  map[string]int
	outputs map[string]*ort.Tensor[float32]
}

func newDynamicRunner(desc ModelDescriptor, cfg EngineConfig) (_ *dynamicRunner, err error) {
	options, err := newSessionOptions(desc.Device, cfg)
	if err != nil {
		return nil, err
	}
	defer options.Destroy()

	r := &dynamicRunner{
		limits:  outputLimits(desc.Outputs, cfg.MaxDetections),
		outputs: make(map[string]*ort.Tensor[float32], len(desc.Outputs)),
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, r.Destroy())
		}
	}()

	r.input, err = ort.NewEmptyTensor[float32](ort.NewShape(desc.Input.Shape...))
	if err != nil {
		return nil, errors.Wrap(err, "create input tensor")
	}
	for _, o := range desc.Outputs {
		r.names = append(r.names, o.Name)
	}

	r.session, err = ort.NewDynamicAdvancedSession(
		desc.ModelPath,
		[]string{desc.Input.Name},
		r.names,
		options,
	)
	if err != nil {
		return nil, errors.Wrap(err, "create session")
	}
	return r, nil
}

// outputLimits caps each dynamic output at maxDetections rows. Outputs with a
// static shape or a dynamic row size are not capped.
func outputLimits(outputs []TensorInfo, maxDetections int) map[string]int {
	limits := make(map[string]int)
	for _, o := range outputs {
		if !o.Dynamic() || maxDetections <= 0 {
			continue
		}
		if row := o.rowSize(); row > 0 {
			limits[o.Name] = maxDetections * row
		}
	}
	return limits
}

// capOutput truncates data to limit values; a zero limit keeps everything.
func capOutput(data []float32, limit int) []float32 {
	if limit > 0 && len(data) > limit {
		return data[:limit]
	}
	return data
}

func (r *dynamicRunner) Input() []float32 {
	return r.input.GetData()
}

// Output returns the tensor of the last run, whatever length the runtime
// produced, capped to the configured detection count.
func (r *dynamicRunner) Output(name string) ([]float32, bool) {
	t, ok := r.outputs[name]
	if !ok {
		return nil, false
	}
	return capOutput(t.GetData(), r.limits[name]), true
}

func (r *dynamicRunner) Run() error {
	if err := r.releaseOutputs(); err != nil {
		return errors.Wrap(err, "release previous outputs")
	}

	values := make([]ort.Value, len(r.names))
	if err := r.session.Run([]ort.Value{r.input}, values); err != nil {
		return err
	}

	var err error
	for i, v := range values {
		if v == nil {
			err = multierr.Append(err, errors.Newf("runtime returned no tensor for output %s", r.names[i]))
			continue
		}
		t, ok := v.(*ort.Tensor[float32])
		if !ok {
			err = multierr.Append(err, errors.Newf("output %s is not a float32 tensor", r.names[i]))
			err = multierr.Append(err, v.Destroy())
			continue
		}
		r.outputs[r.names[i]] = t
	}
	return err
}

func (r *dynamicRunner) releaseOutputs() error {
	var err error
	for name, t := range r.outputs {
		err = multierr.Append(err, t.Destroy())
		delete(r.outputs, name)
	}
	return err
}

func (r *dynamicRunner) Destroy() error {
	var err error
	if r.session != nil {
		err = multierr.Append(err, r.session.Destroy())
		r.session = nil
	}
	if r.input != nil {
		err = multierr.Append(err, r.input.Destroy())
		r.input = nil
	}
	return multierr.Append(err, r.releaseOutputs())
}
