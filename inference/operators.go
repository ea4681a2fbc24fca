package inference

import "github.com/cockroachdb/errors"

// builtinDomains lists the operator domains each runtime backend executes
// without extensions. "" is the default ONNX domain.
var builtinDomains = map[Device][]string{
	DeviceCPU:    {"", "ai.onnx.ml", "com.microsoft"},
	DeviceGPU:    {"", "com.microsoft"},
	DeviceMyriad: {""},
	DeviceFPGA:   {""},
}

// supportChecker answers whether a device can run an operator.
type supportChecker struct {
	domains    map[string]struct{}
	extensions []*Extension
}

func newSupportChecker(device Device, extensions []*Extension) *supportChecker {
	c := &supportChecker{domains: make(map[string]struct{})}
	// Heterogeneous devices fall back across targets, so the union applies.
	for _, target := range device.Targets() {
		for _, domain := range builtinDomains[target] {
			c.domains[domain] = struct{}{}
		}
	}
	if device.IsCPUClass() {
		c.extensions = extensions
	}
	return c
}

func (c *supportChecker) supports(op Operator) bool {
	if _, ok := c.domains[op.Domain]; ok {
		return true
	}
	for _, ext := range c.extensions {
		if ext.Provides(op) {
			return true
		}
	}
	return false
}

// checkOperators fails with *UnsupportedOperatorError (carrying a remediation
// hint) when any of ops cannot run on device.
func checkOperators(device Device, ops []Operator, extensions []*Extension) error {
	checker := newSupportChecker(device, extensions)

	var missing []Operator
	for _, op := range ops {
		if !checker.supports(op) {
			missing = append(missing, op)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	uerr := &UnsupportedOperatorError{
		Device:            device,
		Operators:         missing,
		ExtensionSupplied: len(checker.extensions) > 0,
	}
	return errors.WithHint(uerr, uerr.Hint())
}
