package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrecision_Valid(t *testing.T) {
	for _, p := range SupportedPrecisions {
		assert.True(t, p.Valid(), "precision %d", p)
		assert.NoError(t, p.Validate())
	}

	for _, p := range []Precision{-1, 0, 1, 2, 3, 5, 6, 7, 16, 32} {
		assert.False(t, p.Valid(), "precision %d", p)
		assert.ErrorIs(t, p.Validate(), ErrUnsupportedPrecision)
	}
}

func TestFormatFromPath(t *testing.T) {
	tests := map[string]Format{
		"/cache/m/model.safetensors": FormatSafetensors,
		"weights.BIN":                FormatPyTorch,
		"x.pt":                       FormatPyTorch,
		"x.quantized_4_bit.gguf":     FormatGGUF,
		"config.json":                FormatUnknown,
	}
	for path, want := range tests {
		assert.Equal(t, want, FormatFromPath(path), path)
	}
}

func TestError_KindsAndWrapping(t *testing.T) {
	cause := errors.New("connection reset")

	err := FetchError("request failed", cause)
	assert.True(t, IsFetch(err))
	assert.False(t, IsUpload(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "failed to fetch model: request failed: connection reset", err.Error())

	status := FetchStatusError(404, "HTTP 404 Not Found - Entry not found")
	assert.Equal(t, 404, StatusOf(status))
	assert.Equal(t, "failed to fetch model: HTTP 404 Not Found - Entry not found", status.Error())

	wrapped := fmt.Errorf("stage: %w", UploadError("", cause))
	assert.Equal(t, KindUpload, KindOf(wrapped))
	assert.Equal(t, Kind(""), KindOf(cause))
}

func TestError_OuterKindWins(t *testing.T) {
	gpu := GPUError("cuda init failed", nil)
	err := QuantizationError("device unavailable", gpu)

	assert.True(t, IsQuantization(err))
	assert.False(t, IsGPU(err))

	var inner *Error
	assert.ErrorAs(t, errors.Unwrap(err), &inner)
	assert.Equal(t, KindGPU, inner.Kind)
}
