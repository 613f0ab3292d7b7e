package model

import (
	"errors"
	"fmt"
)

// Kind classifies an error by the pipeline concern that produced it.
type Kind string

const (
	// KindFetch marks a failed remote retrieval.
	KindFetch Kind = "fetch"

	// KindQuantization marks a failed quantization.
	KindQuantization Kind = "quantization"

	// KindGPU marks a failed accelerator initialization.
	KindGPU Kind = "gpu"

	// KindUpload marks a failed publication to an output repository.
	KindUpload Kind = "upload"

	// KindIO marks a local filesystem failure not covered by another kind.
	KindIO Kind = "io"
)

// Error definitions for the model package.
var (
	ErrNotFound             = errors.New("model not found")
	ErrUnsupportedPrecision = errors.New("unsupported bit depth")
	ErrUnsupportedFormat    = errors.New("unsupported model format")
)

// Error is the error type every capability returns. Status carries the
// transport status code when the failure came from a remote system.
type Error struct {
	Kind   Kind
	Msg    string
	Status int
	Err    error
}

func (e *Error) Error() string {
	prefix := kindPrefix(e.Kind)
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", prefix, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	default:
		return fmt.Sprintf("%s: %s", prefix, e.Msg)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

func kindPrefix(k Kind) string {
	switch k {
	case KindFetch:
		return "failed to fetch model"
	case KindQuantization:
		return "failed to quantize model"
	case KindUpload:
		return "failed to upload model"
	case KindGPU:
		return "gpu error"
	default:
		return "io error"
	}
}

// FetchError builds a KindFetch error.
func FetchError(msg string, err error) error {
	return &Error{Kind: KindFetch, Msg: msg, Err: err}
}

// FetchStatusError builds a KindFetch error for a non-success HTTP response.
func FetchStatusError(status int, msg string) error {
	return &Error{Kind: KindFetch, Msg: msg, Status: status}
}

// QuantizationError builds a KindQuantization error.
func QuantizationError(msg string, err error) error {
	return &Error{Kind: KindQuantization, Msg: msg, Err: err}
}

// GPUError builds a KindGPU error.
func GPUError(msg string, err error) error {
	return &Error{Kind: KindGPU, Msg: msg, Err: err}
}

// UploadError builds a KindUpload error.
func UploadError(msg string, err error) error {
	return &Error{Kind: KindUpload, Msg: msg, Err: err}
}

// UploadStatusError builds a KindUpload error carrying a transport status.
func UploadStatusError(status int, msg string, err error) error {
	return &Error{Kind: KindUpload, Msg: msg, Status: status, Err: err}
}

// IOError builds a KindIO error.
func IOError(msg string, err error) error {
	return &Error{Kind: KindIO, Msg: msg, Err: err}
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// StatusOf returns the transport status attached to err, or 0.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// IsFetch reports whether err is a fetch error.
func IsFetch(err error) bool { return KindOf(err) == KindFetch }

// IsQuantization reports whether err is a quantization error.
func IsQuantization(err error) bool { return KindOf(err) == KindQuantization }

// IsGPU reports whether err is an accelerator initialization error.
func IsGPU(err error) bool { return KindOf(err) == KindGPU }

// IsUpload reports whether err is an upload error.
func IsUpload(err error) bool { return KindOf(err) == KindUpload }

// IsIO reports whether err is a generic filesystem error.
func IsIO(err error) bool { return KindOf(err) == KindIO }
