package quantize

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/docker/go-units"
	parser "github.com/gpustack/gguf-parser-go"

	"github.com/ekisa-team/lotabots/internal/model"
)

const maxHeaderLen = 100 << 20

var (
	ggufMagic  = []byte("GGUF")
	paramUnits = []string{"", "K", "M", "B", "T"}
)

// Error definitions for artifact inspection.
var (
	ErrEmptyArtifact   = errors.New("artifact is empty")
	ErrTruncated       = errors.New("artifact is truncated")
	ErrNoTensors       = errors.New("artifact holds no tensors")
	ErrNotGGUF         = errors.New("not a GGUF file")
	ErrInvalidEncoding = errors.New("invalid safetensors header")
)

// Info summarizes an inspected artifact.
type Info struct {
	Format       model.Format
	Size         int64
	Tensors      int
	Parameters   string
	Architecture string
	Quantization string
}

// Inspect checks that the artifact at path is a complete, readable file of
// the given format and returns what it learned about it.
func Inspect(path string, format model.Format) (Info, error) {
	if format == model.FormatUnknown || format == "" {
		format = model.FormatFromPath(path)
	}

	st, err := os.Stat(path)
	if err != nil {
		return Info{}, err
	}
	if st.Size() == 0 {
		return Info{}, ErrEmptyArtifact
	}

	var info Info
	switch format {
	case model.FormatSafetensors:
		info, err = inspectSafetensors(path, st.Size())
	case model.FormatGGUF:
		info, err = inspectGGUF(path)
	case model.FormatPyTorch:
		// Pickled checkpoints cannot be read without executing them.
		info = Info{}
	default:
		return Info{}, fmt.Errorf("%w: %s", model.ErrUnsupportedFormat, path)
	}
	if err != nil {
		return Info{}, err
	}

	info.Format = format
	info.Size = st.Size()
	return info, nil
}

type tensorInfo struct {
	Dtype       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// inspectSafetensors reads only the header:
//
//	[8 bytes: header length (uint64, little-endian)]
//	[N bytes: JSON header]
//	[remaining: tensor data]
func inspectSafetensors(path string, size int64) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()

	var headerLen uint64
	if err := binary.Read(f, binary.LittleEndian, &headerLen); err != nil {
		return Info{}, fmt.Errorf("%w: read header length: %w", ErrInvalidEncoding, err)
	}
	if headerLen == 0 || headerLen > maxHeaderLen || int64(headerLen)+8 > size {
		return Info{}, fmt.Errorf("%w: header length %d", ErrInvalidEncoding, headerLen)
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return Info{}, fmt.Errorf("%w: read header: %w", ErrInvalidEncoding, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return Info{}, fmt.Errorf("%w: %w", ErrInvalidEncoding, err)
	}
	delete(raw, "__metadata__")

	dataLen := size - 8 - int64(headerLen)
	dtypes := make(map[string]struct{})
	var total int64
	info := Info{}
	for name, msg := range raw {
		var t tensorInfo
		if err := json.Unmarshal(msg, &t); err != nil {
			return Info{}, fmt.Errorf("%w: tensor %q: %w", ErrInvalidEncoding, name, err)
		}
		if t.DataOffsets[1] < t.DataOffsets[0] || t.DataOffsets[1] > dataLen {
			return Info{}, fmt.Errorf("%w: tensor %q ends at %d of %d bytes", ErrTruncated, name, t.DataOffsets[1], dataLen)
		}

		params := int64(1)
		for _, dim := range t.Shape {
			params *= dim
		}
		total += params
		info.Tensors++
		dtypes[t.Dtype] = struct{}{}
	}
	if info.Tensors == 0 {
		return Info{}, ErrNoTensors
	}
	info.Parameters = units.CustomSize("%.4g%s", float64(total), 1000.0, paramUnits)

	switch len(dtypes) {
	case 1:
		for d := range dtypes {
			info.Quantization = d
		}
	default:
		info.Quantization = "mixed"
	}

	return info, nil
}

func inspectGGUF(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	magic := make([]byte, len(ggufMagic))
	_, err = io.ReadFull(f, magic)
	f.Close()
	if err != nil || string(magic) != string(ggufMagic) {
		return Info{}, ErrNotGGUF
	}

	gf, err := parser.ParseGGUFFile(path)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %w", ErrNotGGUF, err)
	}

	md := gf.Metadata()
	return Info{
		Tensors:      int(gf.Header.TensorCount),
		Parameters:   strings.TrimSpace(md.Parameters.String()),
		Architecture: strings.TrimSpace(md.Architecture),
		Quantization: strings.TrimSpace(md.FileType.String()),
	}, nil
}
