package config

import (
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/ekisa-team/lotabots/internal/device"
	"github.com/ekisa-team/lotabots/internal/model"
	"github.com/ekisa-team/lotabots/internal/xfs"
)

const (
	// DefaultRevision is the remote revision fetched when none is configured.
	DefaultRevision = "main"

	// DefaultFilename is the primary artifact fetched when none is configured.
	DefaultFilename = "model.safetensors"
)

// Error definitions for run configuration.
var (
	ErrMissingModel  = errors.New("model identifier is required")
	ErrMissingOutput = errors.New("output repository is required")
	ErrMissingCache  = errors.New("cache directory is required")
	ErrInvalidParam  = errors.New("backend parameter keys must be non-empty")
)

// CachePolicy decides whether artifacts left by an earlier run are reused.
type CachePolicy string

const (
	// CacheReuse treats a complete artifact already on disk as a cache hit.
	CacheReuse CachePolicy = "reuse"

	// CacheRefresh always fetches and quantizes again.
	CacheRefresh CachePolicy = "refresh"
)

// ParseCachePolicy maps a policy name to a CachePolicy. Empty means CacheReuse.
func ParseCachePolicy(s string) (CachePolicy, error) {
	switch CachePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", CacheReuse:
		return CacheReuse, nil
	case CacheRefresh:
		return CacheRefresh, nil
	default:
		return "", fmt.Errorf("unknown cache policy: %q", s)
	}
}

// Reuse reports whether existing artifacts may be reused.
func (p CachePolicy) Reuse() bool {
	return p != CacheRefresh
}

// RunConfig is the complete input to one pipeline run. Build it once, call
// WithDefaults and Validate, and treat it as read-only afterwards.
type RunConfig struct {
	Model          string
	Output         string
	Bits           model.Precision
	Token          string
	CacheDir       string
	MixedPrecision bool
	Params         map[string]string

	Revision     string
	Filename     string
	Device       device.Device
	CachePolicy  CachePolicy
	DevicePolicy device.Policy
}

// WithDefaults returns a copy with unset optional fields filled in. Params is
// copied so the result does not share state with the receiver.
func (c RunConfig) WithDefaults() RunConfig {
	c.Model = strings.TrimSpace(c.Model)
	c.Output = strings.TrimSpace(c.Output)

	if c.Revision == "" {
		c.Revision = DefaultRevision
	}
	if c.Filename == "" {
		c.Filename = DefaultFilename
	}
	if c.CacheDir == "" {
		c.CacheDir = DefaultCachePath()
	}
	c.CacheDir = xfs.ExpandTilde(c.CacheDir)
	if c.CachePolicy == "" {
		c.CachePolicy = CacheReuse
	}
	if c.DevicePolicy == "" {
		c.DevicePolicy = device.PolicyFallback
	}
	c.Params = maps.Clone(c.Params)
	if c.Params == nil {
		c.Params = map[string]string{}
	}

	return c
}

// Validate checks the fields the pipeline needs before its first stage. The
// precision is left to the quantize stage.
func (c RunConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Model) == "" {
		errs = append(errs, ErrMissingModel)
	}
	if strings.TrimSpace(c.Output) == "" {
		errs = append(errs, ErrMissingOutput)
	}
	if strings.TrimSpace(c.CacheDir) == "" {
		errs = append(errs, ErrMissingCache)
	}
	if _, err := ParseCachePolicy(string(c.CachePolicy)); err != nil {
		errs = append(errs, err)
	}
	if _, err := device.ParsePolicy(string(c.DevicePolicy)); err != nil {
		errs = append(errs, err)
	}
	for k := range c.Params {
		if strings.TrimSpace(k) == "" {
			errs = append(errs, ErrInvalidParam)
			break
		}
	}

	return errors.Join(errs...)
}

// RunID identifies the run within a batch: the same model may be quantized
// to several bit depths or published to several repositories.
func (c RunConfig) RunID() string {
	return fmt.Sprintf("%s:q%d:%s", c.Model, int(c.Bits), c.Output)
}

// Anonymous reports whether no credential token is configured.
func (c RunConfig) Anonymous() bool {
	return c.Token == ""
}
