package inference

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

var (
	// ErrRequestInFlight is returned by Submit while the single request slot is busy.
	ErrRequestInFlight = errors.New("inference request already in flight")
	// ErrNotComplete is returned by Output before the request has completed.
	ErrNotComplete = errors.New("inference request not complete")
	// ErrNoRequest is returned by Wait when nothing has been submitted.
	ErrNoRequest = errors.New("no inference request submitted")
	// ErrSessionClosed is returned by every operation after Close.
	ErrSessionClosed = errors.New("inference session closed")
	// ErrEngineClosed is returned by Load after the engine has been released.
	ErrEngineClosed = errors.New("inference engine closed")
)

const (
	HintNoExtension           = "Please try to specify a CPU extension library path by using the --cpu-extension command line argument."
	HintInsufficientExtension = "The CPU extension specified does not support some operators. Please specify a new CPU extension."
	HintNonCPUDevice          = "Extensions only apply to CPU devices. Try a CPU or HETERO device with a CPU fallback."
)

// UnsupportedOperatorError lists the model operators the target device cannot run.
type UnsupportedOperatorError struct {
	Device            Device
	Operators         []Operator
	ExtensionSupplied bool
}

func (e *UnsupportedOperatorError) Error() string {
	names := make([]string, len(e.Operators))
	for i, op := range e.Operators {
		names[i] = op.String()
	}
	return fmt.Sprintf("unsupported operators found on %s: [%s]", e.Device, strings.Join(names, ", "))
}

// Hint is the remediation advice for the operator gap.
func (e *UnsupportedOperatorError) Hint() string {
	switch {
	case !e.Device.IsCPUClass():
		return HintNonCPUDevice
	case e.ExtensionSupplied:
		return HintInsufficientExtension
	default:
		return HintNoExtension
	}
}
