package config

import (
	"fmt"
	"strings"

	"github.com/ekisa-team/lotabots/internal/device"
	"github.com/ekisa-team/lotabots/internal/mapsafe"
	"github.com/ekisa-team/lotabots/internal/model"
)

// Config is the job file consumed by watch mode.
type Config struct {
	Version  string        `json:"version"            yaml:"version"            toml:"version"`
	Storage  StorageConfig `json:"storage,omitempty"  yaml:"storage,omitempty"  toml:"storage,omitempty"`
	Defaults JobConfig     `json:"defaults,omitempty" yaml:"defaults,omitempty" toml:"defaults,omitempty"`
	Jobs     []JobConfig   `json:"jobs"               yaml:"jobs"               toml:"jobs"`
}

// StorageConfig holds the cache location shared by every job.
type StorageConfig struct {
	CacheDir string `json:"cache_dir,omitempty" yaml:"cache_dir,omitempty" toml:"cache_dir,omitempty"`
}

// JobConfig describes one fetch-quantize-upload job. Zero values inherit from
// the file's defaults section.
type JobConfig struct {
	Model          string         `json:"model,omitempty"           yaml:"model,omitempty"           toml:"model,omitempty"`
	Output         string         `json:"output,omitempty"          yaml:"output,omitempty"          toml:"output,omitempty"`
	Bits           int            `json:"bits,omitempty"            yaml:"bits,omitempty"            toml:"bits,omitempty"`
	MixedPrecision *bool          `json:"mixed_precision,omitempty" yaml:"mixed_precision,omitempty" toml:"mixed_precision,omitempty"`
	Revision       string         `json:"revision,omitempty"        yaml:"revision,omitempty"        toml:"revision,omitempty"`
	Filename       string         `json:"filename,omitempty"        yaml:"filename,omitempty"        toml:"filename,omitempty"`
	Device         string         `json:"device,omitempty"          yaml:"device,omitempty"          toml:"device,omitempty"`
	CachePolicy    string         `json:"cache_policy,omitempty"    yaml:"cache_policy,omitempty"    toml:"cache_policy,omitempty"`
	DevicePolicy   string         `json:"device_policy,omitempty"   yaml:"device_policy,omitempty"   toml:"device_policy,omitempty"`
	Token          string         `json:"token,omitempty"           yaml:"token,omitempty"           toml:"token,omitempty"`
	Params         map[string]any `json:"params,omitempty"          yaml:"params,omitempty"          toml:"params,omitempty"`
}

// RunConfigs resolves every job against the defaults section. token is used
// for jobs that do not carry their own.
func (c *Config) RunConfigs(token string) ([]RunConfig, error) {
	runs := make([]RunConfig, 0, len(c.Jobs))
	for i, job := range c.Jobs {
		merged := mergeJob(c.Defaults, job)
		if merged.Token == "" {
			merged.Token = token
		}

		run, err := merged.runConfig(c.Storage.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("job %d (%s): %w", i, job.Model, err)
		}
		runs = append(runs, run)
	}

	return runs, nil
}

func mergeJob(defaults, job JobConfig) JobConfig {
	out := defaults
	if job.Model != "" {
		out.Model = job.Model
	}
	if job.Output != "" {
		out.Output = job.Output
	}
	if job.Bits != 0 {
		out.Bits = job.Bits
	}
	if job.MixedPrecision != nil {
		out.MixedPrecision = job.MixedPrecision
	}
	override(&out.Revision, job.Revision)
	override(&out.Filename, job.Filename)
	override(&out.Device, job.Device)
	override(&out.CachePolicy, job.CachePolicy)
	override(&out.DevicePolicy, job.DevicePolicy)
	override(&out.Token, job.Token)

	out.Params = make(map[string]any, len(defaults.Params)+len(job.Params))
	for k, v := range defaults.Params {
		out.Params[k] = v
	}
	for k, v := range job.Params {
		out.Params[k] = v
	}

	return out
}

func override(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}

func (j JobConfig) runConfig(cacheDir string) (RunConfig, error) {
	dev, err := device.Parse(j.Device)
	if err != nil {
		return RunConfig{}, err
	}
	cachePolicy, err := ParseCachePolicy(j.CachePolicy)
	if err != nil {
		return RunConfig{}, err
	}
	devicePolicy, err := device.ParsePolicy(strings.ToLower(j.DevicePolicy))
	if err != nil {
		return RunConfig{}, err
	}

	run := RunConfig{
		Model:        j.Model,
		Output:       j.Output,
		Bits:         model.Precision(j.Bits),
		Token:        j.Token,
		CacheDir:     cacheDir,
		Revision:     j.Revision,
		Filename:     j.Filename,
		Device:       dev,
		CachePolicy:  cachePolicy,
		DevicePolicy: devicePolicy,
		Params:       mapsafe.Stringify(j.Params),
	}
	if j.MixedPrecision != nil {
		run.MixedPrecision = *j.MixedPrecision
	}

	run = run.WithDefaults()
	return run, run.Validate()
}
