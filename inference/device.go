package inference

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// Device identifies the compute target a model is loaded on.
type Device string

const (
	DeviceCPU    Device = "CPU"
	DeviceGPU    Device = "GPU"
	DeviceMyriad Device = "MYRIAD"
	DeviceFPGA   Device = "FPGA"
)

const (
	heteroPrefix = "HETERO:"
	multiPrefix  = "MULTI:"
)

var knownDevices = map[Device]struct{}{
	DeviceCPU:    {},
	DeviceGPU:    {},
	DeviceMyriad: {},
	DeviceFPGA:   {},
}

// ErrUnknownDevice is returned by ParseDevice for identifiers outside the fixed set.
var ErrUnknownDevice = errors.New("unknown device")

// ParseDevice accepts a single device (CPU, GPU, MYRIAD, FPGA) or a
// heterogeneous list such as "HETERO:FPGA,CPU".
func ParseDevice(s string) (Device, error) {
	d := Device(strings.ToUpper(strings.TrimSpace(s)))
	if d == "" {
		return DeviceCPU, nil
	}
	targets := d.Targets()
	if len(targets) == 0 {
		return "", errors.Wrapf(ErrUnknownDevice, "%q", s)
	}
	for _, t := range targets {
		if _, ok := knownDevices[t]; !ok {
			return "", errors.WithHint(
				errors.Wrapf(ErrUnknownDevice, "%q", s),
				"supported devices are CPU, GPU, MYRIAD, FPGA or HETERO:<list>",
			)
		}
	}
	return d, nil
}

// IsCPUClass reports whether the device runs on (or falls back to) a CPU.
// Extensions only apply to CPU-class devices.
func (d Device) IsCPUClass() bool {
	return strings.Contains(string(d), string(DeviceCPU))
}

// Targets lists the concrete devices behind d.
func (d Device) Targets() []Device {
	s := string(d)
	switch {
	case strings.HasPrefix(s, heteroPrefix):
		s = strings.TrimPrefix(s, heteroPrefix)
	case strings.HasPrefix(s, multiPrefix):
		s = strings.TrimPrefix(s, multiPrefix)
	default:
		if s == "" {
			return nil
		}
		return []Device{d}
	}

	var out []Device
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, Device(part))
		}
	}
	return out
}

// Primary is the first concrete target, the one the runtime prefers.
func (d Device) Primary() Device {
	targets := d.Targets()
	if len(targets) == 0 {
		return DeviceCPU
	}
	return targets[0]
}

func (d Device) String() string {
	return string(d)
}
