package device

import (
	"context"
	"fmt"
	"os"

	"github.com/ekisa-team/lotabots/internal/model"
)

// Initializer performs the one-time setup a device needs before a kernel can
// run on it.
type Initializer interface {
	Initialize(ctx context.Context, d Device) error
}

// HostInitializer verifies that an accelerator's device node is present and
// accessible. CPU initialization is a no-op.
type HostInitializer struct {
	probe func(path string) error
}

// NewHostInitializer returns an Initializer backed by the host device nodes.
func NewHostInitializer() *HostInitializer {
	return &HostInitializer{probe: openNode}
}

// Initialize implements Initializer.
func (h *HostInitializer) Initialize(ctx context.Context, d Device) error {
	if d == CPU {
		return nil
	}
	if !d.Accelerator() {
		return model.GPUError(d.String(), ErrUnknownDevice)
	}
	if err := ctx.Err(); err != nil {
		return model.GPUError(fmt.Sprintf("%s initialization aborted", d), err)
	}

	probe := h.probe
	if probe == nil {
		probe = openNode
	}

	node := d.node()
	if err := probe(node); err != nil {
		if os.IsNotExist(err) {
			return model.GPUError(fmt.Sprintf("no %s hardware detected (%s)", d, node), ErrHardwareAbsent)
		}
		return model.GPUError(fmt.Sprintf("failed to open %s device %s", d, node), err)
	}

	return nil
}

func openNode(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	return f.Close()
}

// InitializerFunc adapts a function to the Initializer interface.
type InitializerFunc func(ctx context.Context, d Device) error

// Initialize implements Initializer.
func (f InitializerFunc) Initialize(ctx context.Context, d Device) error {
	return f(ctx, d)
}
