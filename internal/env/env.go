package env

import (
	"os"
	"strings"

	"github.com/ekisa-team/lotabots/internal/envvar"
)

// Environment is the deployment environment the process runs in.
type Environment string

const (
	// Development enables human-friendly output.
	Development Environment = "development"

	// Production enables machine-readable output.
	Production Environment = "production"
)

// FromEnv reads the environment from LOTABOTS_ENV, defaulting to Development.
func FromEnv() Environment {
	return Parse(os.Getenv(envvar.LotabotsEnv))
}

// Parse maps a free-form value to an Environment.
func Parse(v string) Environment {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "prod", "production":
		return Production
	default:
		return Development
	}
}

// IsProduction reports whether e is Production.
func (e Environment) IsProduction() bool {
	return e == Production
}
