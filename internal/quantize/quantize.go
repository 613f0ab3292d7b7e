// Package quantize implements the quantize stage: it validates the request,
// inspects the source artifact, holds a device for the kernel run and moves
// the finished artifact into its deterministic location.
package quantize

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"

	"github.com/ekisa-team/lotabots/internal/backend"
	"github.com/ekisa-team/lotabots/internal/device"
	"github.com/ekisa-team/lotabots/internal/event"
	"github.com/ekisa-team/lotabots/internal/mapsafe"
	"github.com/ekisa-team/lotabots/internal/model"
	"github.com/ekisa-team/lotabots/internal/xfs"
)

// Request is the input of one quantization.
type Request struct {
	Source         model.Descriptor
	Bits           model.Precision
	Device         device.Device
	DevicePolicy   device.Policy
	MixedPrecision bool
	Params         map[string]string

	// Reuse returns an existing valid artifact at the output path instead of
	// running the kernel again.
	Reuse bool
}

// PrecisionConfig is the dtype configuration handed to the kernel. Both
// activations and weights use the requested bit depth.
type PrecisionConfig struct {
	Activation model.Precision
	Weight     model.Precision
}

// NewPrecisionConfig returns the configuration for bits.
func NewPrecisionConfig(bits model.Precision) PrecisionConfig {
	return PrecisionConfig{Activation: bits, Weight: bits}
}

// DeviceAcquirer hands out device leases.
type DeviceAcquirer interface {
	Acquire(ctx context.Context, req device.Request) (*device.Lease, error)
}

// Quantizer runs a kernel on a selected device.
type Quantizer struct {
	kernel    backend.Kernel
	devices   DeviceAcquirer
	publisher event.Publisher
}

// Option configures a Quantizer.
type Option func(*Quantizer)

// WithPublisher sets the event publisher.
func WithPublisher(p event.Publisher) Option {
	return func(q *Quantizer) { q.publisher = p }
}

// New creates a Quantizer.
func New(kernel backend.Kernel, devices DeviceAcquirer, opts ...Option) *Quantizer {
	q := &Quantizer{
		kernel:    kernel,
		devices:   devices,
		publisher: event.Noop{},
	}
	for _, opt := range opts {
		opt(q)
	}

	return q
}

// OutputPath returns where the quantized artifact for src is written:
// "<dir>/<stem>.quantized_<bits>_bit<ext>". The same inputs always give the
// same path.
func OutputPath(src string, bits model.Precision, format model.Format) string {
	dir, base := filepath.Split(src)
	stem := strings.TrimSuffix(base, filepath.Ext(base))

	ext := format.Extension()
	if ext == "" {
		ext = filepath.Ext(base)
	}

	return filepath.Join(dir, fmt.Sprintf("%s.quantized_%d_bit%s", stem, int(bits), ext))
}

// CheckInput reports whether the kernel can read a source of the given
// format, so a run can be rejected before anything is downloaded.
func (q *Quantizer) CheckInput(format model.Format) error {
	c, ok := q.kernel.(backend.InputChecker)
	if !ok {
		return nil
	}
	if err := c.CheckInput(format); err != nil {
		return model.QuantizationError(fmt.Sprintf("%s cannot read %s input", q.kernel.Name(), format), err)
	}
	return nil
}

// Companions lists the repository files the kernel needs next to a source of
// the given format.
func (q *Quantizer) Companions(format model.Format) []string {
	if c, ok := q.kernel.(backend.InputChecker); ok {
		return c.Companions(format)
	}
	return nil
}

// Quantize produces a reduced-precision copy of req.Source. The returned
// descriptor points at a complete artifact; on error nothing is left at the
// output path by this call.
func (q *Quantizer) Quantize(ctx context.Context, req Request) (model.Descriptor, error) {
	if err := req.Bits.Validate(); err != nil {
		return model.Descriptor{}, model.QuantizationError("", err)
	}

	src := req.Source
	info, err := Inspect(src.Path, src.Format)
	if err != nil {
		return model.Descriptor{}, model.QuantizationError("failed to load model", err)
	}
	slog.Info("Loaded model",
		"model_id", src.ID, "path", src.Path, "format", info.Format,
		"size", units.HumanSize(float64(info.Size)), "tensors", info.Tensors,
		"parameters", info.Parameters, "dtype", info.Quantization)

	format := q.kernel.OutputFormat()
	out := OutputPath(src.Path, req.Bits, format)
	marker := markerPath(out)

	settings, err := q.settings(src.Path, req)
	if err != nil {
		return model.Descriptor{}, model.QuantizationError("failed to load model", err)
	}

	if req.Reuse {
		if outInfo, ok := reusable(out, marker, format, settings); ok {
			slog.Info("Quantized model already present and up-to-date (marker match), skipping", "model_id", src.ID, "path", out)
			q.publisher.Publish(event.Event{
				Name:    event.CacheHit,
				ModelID: src.ID,
				Fields:  map[string]any{"stage": "quantize", "path": out},
			})
			return q.descriptor(src, req.Bits, out, format, outInfo.Size), nil
		}
	}

	lease, err := q.devices.Acquire(ctx, device.Request{
		ModelID:   src.ID,
		Preferred: req.Device,
		Policy:    req.DevicePolicy,
		Supports:  q.kernel.Supports,
	})
	if err != nil {
		return model.Descriptor{}, err
	}
	defer lease.Release()

	tmp, err := xfs.TempPath(out)
	if err != nil {
		return model.Descriptor{}, model.QuantizationError("failed to save quantized model", err)
	}
	defer os.Remove(tmp)

	precision := NewPrecisionConfig(req.Bits)
	slog.Info("Quantizing model",
		"model_id", src.ID, "kernel", q.kernel.Name(), "device", lease.Device, "fallback", lease.Fallback,
		"activation", precision.Activation, "weight", precision.Weight, "mixed_precision", req.MixedPrecision,
		"params", mapsafe.Keys(req.Params))

	start := time.Now()
	err = q.kernel.Quantize(ctx, backend.Job{
		Input:          src.Path,
		InputFormat:    info.Format,
		Output:         tmp,
		Bits:           precision.Weight,
		Device:         lease.Device,
		MixedPrecision: req.MixedPrecision,
		Params:         req.Params,
	})
	if err != nil {
		return model.Descriptor{}, model.QuantizationError("quantization failed", err)
	}

	outInfo, err := Inspect(tmp, format)
	if err != nil {
		return model.Descriptor{}, model.QuantizationError("failed to save quantized model", err)
	}
	if err := os.Rename(tmp, out); err != nil {
		return model.Descriptor{}, model.QuantizationError("failed to save quantized model", err)
	}
	if err := os.WriteFile(marker, []byte(settings), 0o644); err != nil {
		slog.Warn("Failed to write quantization marker", "path", marker, "error", err)
	}

	slog.Info("Model quantized successfully",
		"model_id", src.ID, "path", out, "size", units.HumanSize(float64(outInfo.Size)),
		"duration", time.Since(start).Round(time.Millisecond))

	return q.descriptor(src, req.Bits, out, format, outInfo.Size), nil
}

// settings describes everything the artifact at the output path depends on
// besides its path: the kernel, the source file and the request.
func (q *Quantizer) settings(src string, req Request) (string, error) {
	st, err := os.Stat(src)
	if err != nil {
		return "", err
	}

	params := make([]string, 0, len(req.Params))
	for _, k := range mapsafe.Keys(req.Params) {
		params = append(params, k+"="+req.Params[k])
	}

	return fmt.Sprintf("kernel: %s\nsource_size: %d\nsource_mtime: %d\nbits: %d\nmixed_precision: %t\nparams: %s\n",
		q.kernel.Name(), st.Size(), st.ModTime().UnixNano(), int(req.Bits), req.MixedPrecision,
		strings.Join(params, ",")), nil
}

// reusable reports whether out is a complete artifact produced with the
// given settings.
func reusable(out, marker string, format model.Format, settings string) (Info, bool) {
	marked, err := os.ReadFile(marker)
	if err != nil {
		return Info{}, false
	}
	if string(marked) != settings {
		slog.Info("Quantization settings changed (marker mismatch), will requantize", "marker_path", marker)
		return Info{}, false
	}

	info, err := Inspect(out, format)
	if err != nil {
		slog.Debug("Quantized model missing or incomplete", "path", out, "error", err)
		return Info{}, false
	}
	return info, true
}

func markerPath(out string) string {
	return filepath.Join(filepath.Dir(out), "."+filepath.Base(out)+".lotabots")
}

func (q *Quantizer) descriptor(src model.Descriptor, bits model.Precision, path string, format model.Format, size int64) model.Descriptor {
	return model.Descriptor{
		ID:     fmt.Sprintf("%s-q%d", src.ID, int(bits)),
		Name:   src.Name,
		Path:   path,
		Format: format,
		Size:   size,
	}
}
