package model

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Format is the serialized format of a model artifact.
type Format string

const (
	// FormatSafetensors is the Hugging Face safetensors format.
	FormatSafetensors Format = "safetensors"

	// FormatPyTorch is a pickled PyTorch checkpoint.
	FormatPyTorch Format = "pytorch"

	// FormatGGUF is the llama.cpp GGUF format.
	FormatGGUF Format = "gguf"

	// FormatUnknown is used when the format cannot be inferred.
	FormatUnknown Format = "unknown"
)

// FormatFromPath infers the artifact format from its file extension.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".safetensors":
		return FormatSafetensors
	case ".pt", ".pth", ".bin":
		return FormatPyTorch
	case ".gguf":
		return FormatGGUF
	default:
		return FormatUnknown
	}
}

// Extension returns the file extension (with dot) used for the format.
func (f Format) Extension() string {
	switch f {
	case FormatSafetensors:
		return ".safetensors"
	case FormatPyTorch:
		return ".pt"
	case FormatGGUF:
		return ".gguf"
	default:
		return ""
	}
}

// Descriptor identifies a model artifact on local disk. Descriptors are values:
// every stage returns a new one pointing at a new file.
type Descriptor struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Path   string `json:"path"`
	Format Format `json:"format"`
	Size   int64  `json:"size"`
}

// String implements fmt.Stringer.
func (d Descriptor) String() string {
	return fmt.Sprintf("%s (%s, %s, %d bytes)", d.ID, d.Path, d.Format, d.Size)
}

// Precision is a quantization bit depth applied to weights and activations.
type Precision int

const (
	// Precision4 is 4-bit quantization.
	Precision4 Precision = 4

	// Precision8 is 8-bit quantization.
	Precision8 Precision = 8
)

// SupportedPrecisions lists the bit depths the pipeline accepts.
var SupportedPrecisions = []Precision{Precision4, Precision8}

// Valid reports whether p is in SupportedPrecisions.
func (p Precision) Valid() bool {
	for _, s := range SupportedPrecisions {
		if p == s {
			return true
		}
	}
	return false
}

// Validate returns ErrUnsupportedPrecision when p is not supported.
func (p Precision) Validate() error {
	if !p.Valid() {
		return fmt.Errorf("%w: %d", ErrUnsupportedPrecision, int(p))
	}
	return nil
}

// String implements fmt.Stringer.
func (p Precision) String() string {
	return fmt.Sprintf("%d-bit", int(p))
}
