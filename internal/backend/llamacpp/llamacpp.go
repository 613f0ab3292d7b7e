// Package llamacpp quantizes models with the llama.cpp tools: an optional
// convert_hf_to_gguf.py step followed by llama-quantize.
package llamacpp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ekisa-team/lotabots/internal/backend"
	"github.com/ekisa-team/lotabots/internal/device"
	"github.com/ekisa-team/lotabots/internal/mapsafe"
	"github.com/ekisa-team/lotabots/internal/model"
)

// Name is the kernel identifier.
const Name = "llama.cpp"

const (
	defaultBinary    = "llama-quantize"
	defaultPython    = "python3"
	defaultConverter = "convert_hf_to_gguf.py"
)

// companionFiles are the repository files convert_hf_to_gguf.py reads next to
// the weights. Files a repository does not have are skipped by the fetcher.
var companionFiles = []string{
	"config.json",
	"generation_config.json",
	"tokenizer.json",
	"tokenizer_config.json",
	"tokenizer.model",
	"special_tokens_map.json",
	"added_tokens.json",
	"vocab.json",
	"merges.txt",
}

// Error definitions for the llamacpp package.
var (
	ErrMissingCPUBuild = errors.New("llama-quantize CPU build is required")
	ErrNoConverter     = errors.New("no converter configured for non-GGUF input")
	ErrUnknownType     = errors.New("no quantization type for bit depth")
)

// Config configures the kernel.
type Config struct {
	// Binaries maps each device to its llama-quantize build. The CPU entry is
	// required; when Binaries is empty "llama-quantize" from PATH is used.
	Binaries map[device.Device]string

	// Converter is the path to convert_hf_to_gguf.py. When empty the script
	// is looked up on PATH; without it only GGUF input is accepted.
	Converter string

	// Python runs Converter (default "python3").
	Python string

	// Timeout bounds each tool invocation. Zero means no limit.
	Timeout time.Duration

	// Runner replaces os/exec, for tests. With a Runner set, binaries are not
	// looked up on disk.
	Runner backend.CommandRunner
}

// Kernel implements backend.Kernel on top of llama-quantize.
type Kernel struct {
	quantizers map[device.Device]*backend.Executor
	converter  *backend.Executor
	script     string
}

// New creates a Kernel.
func New(cfg Config) (*Kernel, error) {
	binaries := cfg.Binaries
	if len(binaries) == 0 {
		binaries = map[device.Device]string{device.CPU: defaultBinary}
	}
	if binaries[device.CPU] == "" {
		return nil, ErrMissingCPUBuild
	}

	if cfg.Converter == "" && cfg.Runner == nil {
		if path, err := exec.LookPath(defaultConverter); err == nil {
			cfg.Converter = path
		}
	}

	k := &Kernel{
		quantizers: make(map[device.Device]*backend.Executor, len(binaries)),
		script:     cfg.Converter,
	}

	for d, bin := range binaries {
		if bin == "" {
			continue
		}
		e, err := newExecutor(cfg, bin)
		if err != nil {
			if d == device.CPU {
				return nil, fmt.Errorf("%w: %w", ErrMissingCPUBuild, err)
			}
			slog.Warn("Skipping llama-quantize build", "device", d, "path", bin, "error", err)
			continue
		}
		k.quantizers[d] = e
	}

	if cfg.Converter != "" {
		python := cfg.Python
		if python == "" {
			python = defaultPython
		}
		e, err := newExecutor(cfg, python)
		if err != nil {
			return nil, fmt.Errorf("converter interpreter: %w", err)
		}
		k.converter = e
	}

	return k, nil
}

func newExecutor(cfg Config, bin string) (*backend.Executor, error) {
	if cfg.Runner != nil {
		return backend.NewExecutorWithRunner(bin, cfg.Timeout, cfg.Runner), nil
	}
	return backend.NewExecutor(bin, cfg.Timeout)
}

// Name implements backend.Kernel.
func (k *Kernel) Name() string {
	return Name
}

// OutputFormat implements backend.Kernel.
func (k *Kernel) OutputFormat() model.Format {
	return model.FormatGGUF
}

// Supports implements backend.Kernel.
func (k *Kernel) Supports(d device.Device) bool {
	_, ok := k.quantizers[d]
	return ok
}

// CheckInput implements backend.InputChecker.
func (k *Kernel) CheckInput(format model.Format) error {
	if format == model.FormatGGUF || k.converter != nil {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNoConverter, format)
}

// Companions implements backend.InputChecker. Conversion reads the model
// configuration and tokenizer next to the weights.
func (k *Kernel) Companions(format model.Format) []string {
	if format == model.FormatGGUF || k.converter == nil {
		return nil
	}
	return slices.Clone(companionFiles)
}

// Quantize implements backend.Kernel.
func (k *Kernel) Quantize(ctx context.Context, job backend.Job) error {
	quantizer, ok := k.quantizers[job.Device]
	if !ok {
		return fmt.Errorf("%w: %s", device.ErrBackendUnavailable, job.Device)
	}

	qtype, err := QuantType(job.Bits, job.MixedPrecision, job.Params)
	if err != nil {
		return err
	}

	input := job.Input
	if job.InputFormat != model.FormatGGUF {
		converted, err := k.convert(ctx, job)
		if err != nil {
			return err
		}
		defer os.Remove(converted)
		input = converted
	}

	args := buildArgs(job.Params, input, job.Output, qtype)
	slog.Info("Running llama-quantize",
		"binary", quantizer.Binary(), "device", job.Device, "type", qtype, "input", input)

	ch, err := quantizer.Stream(ctx, args, deviceEnv(job), nil)
	if err != nil {
		return err
	}

	return backend.Drain(ch, func(line string) {
		slog.Debug("llama-quantize", "output", line)
	})
}

// convert runs convert_hf_to_gguf.py over the directory holding the input
// and returns the path of the f16 GGUF it wrote.
func (k *Kernel) convert(ctx context.Context, job backend.Job) (string, error) {
	if err := k.CheckInput(job.InputFormat); err != nil {
		return "", err
	}

	out := job.Output + ".f16.gguf"
	args := []string{k.script, filepath.Dir(job.Input), "--outfile", out, "--outtype", "f16"}

	slog.Info("Converting model to GGUF", "input", job.Input, "output", out)
	if _, stderr, err := k.converter.Execute(ctx, args, nil, nil); err != nil {
		_ = os.Remove(out)
		if s := strings.TrimSpace(string(stderr)); s != "" {
			return "", fmt.Errorf("convert_hf_to_gguf: %w: %s", err, s)
		}
		return "", fmt.Errorf("convert_hf_to_gguf: %w", err)
	}

	return out, nil
}

// QuantType maps a bit depth to a llama.cpp quantization type. An explicit
// "type" parameter wins but must belong to the same bit family.
func QuantType(bits model.Precision, mixed bool, params map[string]string) (string, error) {
	if t := strings.ToUpper(mapsafe.Get(params, "type", "")); t != "" {
		family, ok := typeBits(t)
		if !ok || family != bits {
			return "", fmt.Errorf("%w: %s is not a %d-bit type", ErrUnknownType, t, int(bits))
		}
		return t, nil
	}

	switch bits {
	case model.Precision4:
		if mixed {
			return "Q4_K_M", nil
		}
		return "Q4_0", nil
	case model.Precision8:
		return "Q8_0", nil
	default:
		return "", fmt.Errorf("%w: %d", ErrUnknownType, int(bits))
	}
}

// typeBits returns the bit depth of a llama.cpp type name such as Q4_K_M or
// IQ4_NL.
func typeBits(t string) (model.Precision, bool) {
	rest, ok := strings.CutPrefix(strings.TrimPrefix(t, "I"), "Q")
	if !ok {
		return 0, false
	}
	digits, _, _ := strings.Cut(rest, "_")
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return model.Precision(n), true
}

// buildArgs builds llama-quantize command-line arguments.
func buildArgs(params map[string]string, input, output, qtype string) []string {
	var args []string

	if mapsafe.Get(params, "allow_requantize", false) {
		args = append(args, "--allow-requantize")
	}
	if mapsafe.Get(params, "leave_output_tensor", false) {
		args = append(args, "--leave-output-tensor")
	}
	if mapsafe.Get(params, "pure", false) {
		args = append(args, "--pure")
	}
	if v := mapsafe.Get(params, "imatrix", ""); v != "" {
		args = append(args, "--imatrix", v)
	}

	args = append(args, input, output, qtype)

	if n := mapsafe.Get(params, "threads", 0); n > 0 {
		args = append(args, strconv.Itoa(n))
	}

	return args
}

func deviceEnv(job backend.Job) []string {
	index := strconv.Itoa(mapsafe.Get(job.Params, "gpu_index", 0))

	switch job.Device {
	case device.CUDA:
		return []string{"CUDA_VISIBLE_DEVICES=" + index}
	case device.ROCm:
		return []string{"HIP_VISIBLE_DEVICES=" + index}
	default:
		return nil
	}
}
