// Package backend defines the seam between the quantize stage and the
// external numeric kernels that do the actual work.
package backend

import (
	"context"

	"github.com/ekisa-team/lotabots/internal/device"
	"github.com/ekisa-team/lotabots/internal/model"
)

// Kernel converts a model artifact into a reduced-precision artifact.
type Kernel interface {
	// Name returns the kernel identifier.
	Name() string

	// OutputFormat is the format of every artifact the kernel writes.
	OutputFormat() model.Format

	// Supports reports whether the kernel has a build for the device.
	Supports(d device.Device) bool

	// Quantize writes the quantized artifact to job.Output. It must not
	// touch any other path except temporary files it removes itself.
	Quantize(ctx context.Context, job Job) error
}

// InputChecker is implemented by kernels that read only some source formats
// or need more than the source file itself.
type InputChecker interface {
	// CheckInput reports whether the kernel can read a source of the given
	// format.
	CheckInput(format model.Format) error

	// Companions lists the repository files the kernel reads from the
	// source's directory, next to a source of the given format.
	Companions(format model.Format) []string
}

// Job encapsulates all parameters for one kernel invocation.
type Job struct {
	// Input is the path to the source artifact.
	Input string

	// InputFormat is the format of Input.
	InputFormat model.Format

	// Output is the path the kernel must create.
	Output string

	// Bits is the requested bit depth. It is always a supported precision.
	Bits model.Precision

	// Device is the device the run holds a lease on.
	Device device.Device

	// MixedPrecision lets the kernel keep sensitive tensors at a higher precision.
	MixedPrecision bool

	// Params contains kernel-specific parameters.
	Params map[string]string
}

// StreamChunk represents a single chunk of process output.
type StreamChunk struct {
	// Data is the chunk content.
	Data []byte

	// Done indicates if this is the final chunk.
	Done bool

	// Error if something went wrong.
	Error error
}
