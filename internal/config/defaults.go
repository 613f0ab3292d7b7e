package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/ekisa-team/lotabots/internal/envvar"
	"github.com/ekisa-team/lotabots/internal/xfs"
)

// DefaultHTTPPort returns the port watch mode serves metrics and run status on.
func DefaultHTTPPort() int {
	return 9464
}

// DefaultGRPCPort returns the port watch mode serves gRPC health checks on.
func DefaultGRPCPort() int {
	return 9465
}

// DefaultConfigPath returns the default path for the lotabots config directory.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "lotabots", "config")
	}

	switch runtime.GOOS {
	case "windows":
		return filepath.Join(home, "AppData", "Roaming", "lotabots")
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "lotabots")
	default: // Linux, BSD, etc.
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, "lotabots")
		}
		return filepath.Join(home, ".config", "lotabots")
	}
}

// DefaultCachePath returns the model cache directory.
// Precedence:
// 1. LOTABOTS_CACHE_DIR environment variable.
// 2. Platform cache directory.
func DefaultCachePath() string {
	if p := os.Getenv(envvar.LotabotsCacheDir); p != "" {
		return xfs.ExpandTilde(p)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "lotabots", "cache")
	}

	switch runtime.GOOS {
	case "windows":
		return filepath.Join(home, "AppData", "Local", "lotabots", "cache")
	case "darwin":
		return filepath.Join(home, "Library", "Caches", "lotabots")
	default: // Linux, BSD, etc.
		if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
			return filepath.Join(xdg, "lotabots")
		}
		return filepath.Join(home, ".cache", "lotabots")
	}
}
