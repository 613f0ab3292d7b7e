package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ekisa-team/lotabots/internal/config"
	"github.com/ekisa-team/lotabots/internal/device"
	"github.com/ekisa-team/lotabots/internal/envvar"
	"github.com/ekisa-team/lotabots/internal/model"
)

type runFlags struct {
	bits           int
	token          string
	cacheDir       string
	mixedPrecision bool
	params         map[string]string
	revision       string
	filename       string
	device         string
	cachePolicy    string
}

func newRunCmd() *cobra.Command {
	var (
		af appFlags
		rf runFlags
	)

	c := &cobra.Command{
		Use:   "run MODEL OUTPUT",
		Short: "Fetch a model, quantize it and upload the result",
		Long: "Fetch MODEL from Hugging Face, quantize it to the requested bit depth and upload\n" +
			"the artifact to OUTPUT (owner/name on Hugging Face, or oci://registry/repo:tag).",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rf.runConfig(args[0], args[1], af.policy)
			if err != nil {
				return err
			}

			a, err := af.build()
			if err != nil {
				return fmt.Errorf("failed to initialize: %w", err)
			}

			res := a.Run(cmd.Context(), cfg)
			if res.Err != nil {
				return res.Err
			}

			cmd.Println(res.Model.Path)
			return nil
		},
	}

	af.register(c)

	fs := c.Flags()
	fs.IntVarP(&rf.bits, "bits", "b", int(model.Precision4), "Target bit depth (4 or 8)")
	fs.StringVar(&rf.token, "token", os.Getenv(envvar.HFAPIToken), "Hugging Face token")
	fs.StringVar(&rf.cacheDir, "cache-dir", "", "Model cache directory")
	fs.BoolVar(&rf.mixedPrecision, "mixed-precision", false, "Keep sensitive tensors at higher precision")
	fs.StringToStringVarP(&rf.params, "param", "p", nil, "Kernel parameter as key=value (repeatable)")
	fs.StringVar(&rf.revision, "revision", config.DefaultRevision, "Branch, tag or commit to fetch")
	fs.StringVar(&rf.filename, "filename", config.DefaultFilename, "File to fetch from the repository")
	fs.StringVar(&rf.device, "device", "auto", "Device to quantize on (auto, cpu, cuda, rocm)")
	fs.StringVar(&rf.cachePolicy, "cache-policy", string(config.CacheReuse), "reuse or refresh cached artifacts")

	return c
}

func (f runFlags) runConfig(modelID, output, policy string) (config.RunConfig, error) {
	dev, err := device.Parse(f.device)
	if err != nil {
		return config.RunConfig{}, err
	}
	cachePolicy, err := config.ParseCachePolicy(f.cachePolicy)
	if err != nil {
		return config.RunConfig{}, err
	}
	devicePolicy, err := device.ParsePolicy(policy)
	if err != nil {
		return config.RunConfig{}, err
	}

	cfg := config.RunConfig{
		Model:          modelID,
		Output:         output,
		Bits:           model.Precision(f.bits),
		Token:          f.token,
		CacheDir:       f.cacheDir,
		MixedPrecision: f.mixedPrecision,
		Params:         f.params,
		Revision:       f.revision,
		Filename:       f.filename,
		Device:         dev,
		CachePolicy:    cachePolicy,
		DevicePolicy:   devicePolicy,
	}.WithDefaults()

	return cfg, cfg.Validate()
}
