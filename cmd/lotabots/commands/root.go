package commands

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ekisa-team/lotabots/internal/app"
	"github.com/ekisa-team/lotabots/internal/backend"
	"github.com/ekisa-team/lotabots/internal/backend/llamacpp"
	"github.com/ekisa-team/lotabots/internal/device"
	"github.com/ekisa-team/lotabots/internal/env"
	"github.com/ekisa-team/lotabots/internal/envvar"
	"github.com/ekisa-team/lotabots/internal/logger"
	"github.com/ekisa-team/lotabots/internal/source"
	"github.com/ekisa-team/lotabots/internal/upload"
)

// NewRootCmd builds the lotabots command tree.
func NewRootCmd() *cobra.Command {
	var (
		logLevel string
		logFile  string
	)

	root := &cobra.Command{
		Use:           "lotabots",
		Short:         "Fetch, quantize and publish models",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			opts := []logger.Option{logger.WithLevel(logger.ParseLevel(logLevel))}
			if logFile != "" {
				opts = append(opts, logger.WithLogToFile(true), logger.WithLogFile(logFile))
			}
			slog.SetDefault(logger.New(env.FromEnv(), opts...))
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", os.Getenv(envvar.LotabotsLogLevel), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logFile, "log-file", os.Getenv(envvar.LotabotsLogFile), "Also write logs to this rotating file")

	root.AddCommand(
		newRunCmd(),
		newWatchCmd(),
		newDevicesCmd(),
	)

	return root
}

// appFlags are the flags shared by every command that builds an App.
type appFlags struct {
	kernel       string
	quantizeCPU  string
	quantizeCUDA string
	quantizeROCm string
	converter    string
	python       string
	timeout      time.Duration

	hubEndpoint  string
	fetchTimeout time.Duration
	uploadCLI    string
	private      bool
	concurrency  int
	policy       string

	ociUsername string
	ociToken    string
	ociInsecure bool
}

func (f *appFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.kernel, "kernel", llamacpp.Name, "Quantization kernel")
	fs.StringVar(&f.quantizeCPU, "llama-quantize", "llama-quantize", "llama-quantize CPU build")
	fs.StringVar(&f.quantizeCUDA, "llama-quantize-cuda", "", "llama-quantize CUDA build")
	fs.StringVar(&f.quantizeROCm, "llama-quantize-rocm", "", "llama-quantize ROCm build")
	fs.StringVar(&f.converter, "converter", os.Getenv(envvar.LotabotsConverter), "Path to convert_hf_to_gguf.py for safetensors and PyTorch input (default: looked up on PATH)")
	fs.StringVar(&f.python, "python", "python3", "Python interpreter for the converter")
	fs.DurationVar(&f.timeout, "kernel-timeout", 0, "Time limit for each quantization tool run (0 means none)")

	fs.StringVar(&f.hubEndpoint, "hub-endpoint", "", "Hugging Face hub URL")
	fs.DurationVar(&f.fetchTimeout, "fetch-timeout", source.DefaultTimeout, "How long a download may wait for a response or stall before it is retried")
	fs.StringVar(&f.uploadCLI, "hf-cli", "hf", "hf command used to upload files")
	fs.BoolVar(&f.private, "private", false, "Create new Hugging Face repositories as private")
	fs.IntVar(&f.concurrency, "concurrency", 0, "Jobs run at once (0 means one per CPU)")
	fs.StringVar(&f.policy, "device-policy", "", "What to do when the accelerator fails: fallback or strict")

	fs.StringVar(&f.ociUsername, "oci-username", os.Getenv(envvar.LotabotsOCIUsername), "OCI registry user name")
	fs.StringVar(&f.ociToken, "oci-token", os.Getenv(envvar.LotabotsOCIToken), "OCI registry token or password")
	fs.BoolVar(&f.ociInsecure, "oci-insecure", false, "Allow plain HTTP registries")
}

func (f *appFlags) build() (*app.App, error) {
	policy, err := device.ParsePolicy(f.policy)
	if err != nil {
		return nil, err
	}

	llama, err := llamacpp.New(llamacpp.Config{
		Binaries: map[device.Device]string{
			device.CPU:  f.quantizeCPU,
			device.CUDA: f.quantizeCUDA,
			device.ROCm: f.quantizeROCm,
		},
		Converter: f.converter,
		Python:    f.python,
		Timeout:   f.timeout,
	})
	if err != nil {
		return nil, err
	}

	kernels := backend.NewRegistry()
	if err := kernels.Register(llama); err != nil {
		return nil, err
	}
	kernel, err := kernels.MustGet(f.kernel)
	if err != nil {
		return nil, fmt.Errorf("%w (available: %s)", err, strings.Join(kernels.Names(), ", "))
	}

	opts := []app.Option{
		app.WithHubEndpoint(f.hubEndpoint),
		app.WithFetchTimeout(f.fetchTimeout),
		app.WithUploadCLI(f.uploadCLI),
		app.WithPrivateRepos(f.private),
		app.WithDevicePolicy(policy),
		app.WithOCI(upload.OCIConfig{
			Username: f.ociUsername,
			Token:    f.ociToken,
			Insecure: f.ociInsecure,
		}),
	}
	if f.concurrency > 0 {
		opts = append(opts, app.WithConcurrency(f.concurrency))
	}

	return app.New(kernel, device.NewDetector(), device.NewHostInitializer(), opts...), nil
}
