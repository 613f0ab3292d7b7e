package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.yaml.in/yaml/v3"
)

//go:embed lotabots.v1.schema.json
var schemaJSON string

const schemaURL = "lotabots.v1.schema.json"

var schema = jsonschema.MustCompileString(schemaURL, schemaJSON)

// LoadAndValidate reads a job file, validates it against the embedded schema
// and decodes it. Supports .yaml/.yml, .json and .toml.
func LoadAndValidate(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read config: %w", err)
	}

	return Parse(data, filepath.Ext(path))
}

// Parse validates and decodes job file contents of the given extension.
func Parse(data []byte, ext string) (*Config, error) {
	decode, err := decoderFor(ext)
	if err != nil {
		return nil, err
	}

	var raw any
	if err := decode(data, &raw); err != nil {
		return nil, fmt.Errorf("config: invalid %s: %w", ext, err)
	}

	if err := schema.Validate(raw); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	var cfg Config
	if err := decode(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal into Config struct: %w", err)
	}

	return &cfg, nil
}

func decoderFor(ext string) (func([]byte, any) error, error) {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		return yaml.Unmarshal, nil
	case ".json":
		return json.Unmarshal, nil
	case ".toml":
		return toml.Unmarshal, nil
	default:
		return nil, fmt.Errorf("config: unsupported config extension: %q", ext)
	}
}
