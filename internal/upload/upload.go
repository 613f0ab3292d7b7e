// Package upload publishes quantized artifacts to an output repository.
package upload

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ekisa-team/lotabots/internal/model"
)

// Error definitions for the upload package.
var (
	ErrAuthentication    = errors.New("authentication failed")
	ErrInvalidRepository = errors.New("invalid repository")
	ErrUnknownScheme     = errors.New("no uploader for repository scheme")
)

// Uploader publishes one artifact to a repository. Uploading the same
// artifact twice leaves the repository in the same state.
type Uploader interface {
	Upload(ctx context.Context, artifact model.Descriptor, repository string) error
}

// UploaderFunc adapts a function to the Uploader interface.
type UploaderFunc func(ctx context.Context, artifact model.Descriptor, repository string) error

// Upload implements Uploader.
func (f UploaderFunc) Upload(ctx context.Context, artifact model.Descriptor, repository string) error {
	return f(ctx, artifact, repository)
}

// Scheme returns the scheme of a repository reference ("oci" for
// "oci://host/repo:tag"). References without a scheme are Hugging Face
// repositories and yield "hf".
func Scheme(repository string) string {
	if scheme, _, ok := strings.Cut(repository, "://"); ok {
		return strings.ToLower(scheme)
	}
	return "hf"
}

// Router dispatches uploads by repository scheme.
type Router map[string]Uploader

// Upload implements Uploader.
func (r Router) Upload(ctx context.Context, artifact model.Descriptor, repository string) error {
	scheme := Scheme(repository)
	u, ok := r[scheme]
	if !ok {
		return model.UploadError(fmt.Sprintf("repository %q", repository), fmt.Errorf("%w: %s", ErrUnknownScheme, scheme))
	}
	return u.Upload(ctx, artifact, repository)
}

// IsAuthentication reports whether err is an authentication failure.
func IsAuthentication(err error) bool {
	return errors.Is(err, ErrAuthentication)
}
