// Package device detects compute devices, prepares them for use, and selects
// the device a quantization run executes on.
package device

import (
	"errors"
	"fmt"
	"strings"
)

// Device identifies CPU or an accelerator family.
type Device string

const (
	// Auto lets the selector pick the highest-capability detected device.
	Auto Device = ""

	// CPU is always available.
	CPU Device = "cpu"

	// CUDA is the NVIDIA accelerator family.
	CUDA Device = "cuda"

	// ROCm is the AMD accelerator family.
	ROCm Device = "rocm"
)

// Error definitions for the device package.
var (
	ErrUnknownDevice      = errors.New("unknown device")
	ErrBackendUnavailable = errors.New("backend not available")
	ErrHardwareAbsent     = errors.New("hardware not detected")
	ErrInitTimeout        = errors.New("timed out waiting for device")
)

// Parse maps a device name to a Device. The empty string and "auto" map to Auto.
func Parse(s string) (Device, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return Auto, nil
	case "cpu":
		return CPU, nil
	case "cuda", "nvidia", "gpu":
		return CUDA, nil
	case "rocm", "amd", "hip":
		return ROCm, nil
	default:
		return Auto, fmt.Errorf("%w: %q", ErrUnknownDevice, s)
	}
}

// Accelerator reports whether d is a GPU family.
func (d Device) Accelerator() bool {
	return d == CUDA || d == ROCm
}

// Rank orders devices by capability; higher is preferred.
func (d Device) Rank() int {
	switch d {
	case CUDA:
		return 2
	case ROCm:
		return 1
	default:
		return 0
	}
}

// String implements fmt.Stringer.
func (d Device) String() string {
	if d == Auto {
		return "auto"
	}
	return string(d)
}

// node is the device file whose presence marks a usable accelerator.
func (d Device) node() string {
	switch d {
	case CUDA:
		return "/dev/nvidia0"
	case ROCm:
		return "/dev/kfd"
	default:
		return ""
	}
}
