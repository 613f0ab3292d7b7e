package quantize

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekisa-team/lotabots/internal/model"
)

func TestInspect_Safetensors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")
	writeSafetensors(t, path, "BF16", 2048, 2048)

	info, err := Inspect(path, model.FormatUnknown)
	require.NoError(t, err)

	assert.Equal(t, model.FormatSafetensors, info.Format)
	assert.Equal(t, 1, info.Tensors)
	assert.Equal(t, "BF16", info.Quantization)
	assert.Equal(t, "2.048K", info.Parameters)
}

func TestInspect_Failures(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.safetensors")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	_, err := Inspect(empty, model.FormatSafetensors)
	assert.ErrorIs(t, err, ErrEmptyArtifact)

	truncated := filepath.Join(dir, "truncated.safetensors")
	writeSafetensors(t, truncated, "F16", 100, 20)
	_, err = Inspect(truncated, model.FormatSafetensors)
	assert.ErrorIs(t, err, ErrTruncated)

	garbage := filepath.Join(dir, "garbage.safetensors")
	require.NoError(t, os.WriteFile(garbage, []byte("\xff\xff\xff\xff\xff\xff\xff\xffnot json"), 0o644))
	_, err = Inspect(garbage, model.FormatSafetensors)
	assert.ErrorIs(t, err, ErrInvalidEncoding)

	notGGUF := filepath.Join(dir, "model.gguf")
	require.NoError(t, os.WriteFile(notGGUF, []byte("GGML plus junk"), 0o644))
	_, err = Inspect(notGGUF, model.FormatGGUF)
	assert.ErrorIs(t, err, ErrNotGGUF)

	unknown := filepath.Join(dir, "model.onnx")
	require.NoError(t, os.WriteFile(unknown, []byte("onnx"), 0o644))
	_, err = Inspect(unknown, model.FormatUnknown)
	assert.ErrorIs(t, err, model.ErrUnsupportedFormat)

	_, err = Inspect(filepath.Join(dir, "missing.safetensors"), model.FormatSafetensors)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestInspect_PyTorchIsOpaque(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pytorch_model.bin")
	require.NoError(t, os.WriteFile(path, []byte("PK\x03\x04"), 0o644))

	info, err := Inspect(path, model.FormatUnknown)
	require.NoError(t, err)
	assert.Equal(t, model.FormatPyTorch, info.Format)
	assert.EqualValues(t, 4, info.Size)
}
