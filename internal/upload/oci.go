package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	ggcrtypes "github.com/google/go-containerregistry/pkg/v1/types"

	"github.com/ekisa-team/lotabots/internal/model"
)

// Media types of pushed model artifacts.
const (
	MediaTypeConfig      ggcrtypes.MediaType = "application/vnd.lotabots.model.config.v1+json"
	MediaTypeGGUF        ggcrtypes.MediaType = "application/vnd.lotabots.model.gguf"
	MediaTypeSafetensors ggcrtypes.MediaType = "application/vnd.lotabots.model.safetensors"
	MediaTypeModel       ggcrtypes.MediaType = "application/vnd.lotabots.model.file"
)

// OCIConfig configures the OCI uploader.
type OCIConfig struct {
	// Username and Token form basic credentials when both are set. A Token
	// alone is sent as a registry token. Without either the default Docker
	// keychain is used.
	Username string
	Token    string

	// Insecure allows plain HTTP registries.
	Insecure bool

	Transport http.RoundTripper
}

// OCI pushes artifacts to OCI registries as single-layer images.
type OCI struct {
	cfg OCIConfig
}

// NewOCI creates an OCI uploader.
func NewOCI(cfg OCIConfig) *OCI {
	if cfg.Transport == nil {
		cfg.Transport = remote.DefaultTransport
	}
	return &OCI{cfg: cfg}
}

// Reference parses "oci://registry/repo[:tag]" into an image tag. A missing
// tag defaults to "latest".
func (o *OCI) Reference(repository string) (name.Tag, error) {
	ref := strings.TrimPrefix(strings.TrimSpace(repository), "oci://")

	var opts []name.Option
	if o.cfg.Insecure {
		opts = append(opts, name.Insecure)
	}

	tag, err := name.NewTag(ref, opts...)
	if err != nil {
		return name.Tag{}, fmt.Errorf("%w: %w", ErrInvalidRepository, err)
	}
	return tag, nil
}

// Upload implements Uploader.
func (o *OCI) Upload(ctx context.Context, artifact model.Descriptor, repository string) error {
	tag, err := o.Reference(repository)
	if err != nil {
		return model.UploadError(fmt.Sprintf("repository %q", repository), err)
	}

	layer, err := newFileLayer(artifact.Path, layerMediaType(artifact.Format))
	if err != nil {
		return model.UploadError("failed to read artifact", err)
	}

	img, err := mutate.Append(mutate.MediaType(empty.Image, ggcrtypes.OCIManifestSchema1), mutate.Addendum{
		Layer: layer,
		Annotations: map[string]string{
			"org.opencontainers.image.title": filepath.Base(artifact.Path),
		},
	})
	if err != nil {
		return model.UploadError("failed to build image", err)
	}
	img = mutate.ConfigMediaType(img, MediaTypeConfig)

	opts := []remote.Option{
		remote.WithContext(ctx),
		remote.WithTransport(o.cfg.Transport),
		remote.WithUserAgent(userAgent),
	}
	if auth := o.authenticator(); auth != nil {
		opts = append(opts, remote.WithAuth(auth))
	} else {
		opts = append(opts, remote.WithAuthFromKeychain(authn.DefaultKeychain))
	}

	slog.Info("Pushing model", "reference", tag.String(), "path", artifact.Path,
		"size", units.HumanSize(float64(layer.desc.Size)), "digest", layer.desc.Digest.String())
	start := time.Now()

	if err := remote.Write(tag, img, opts...); err != nil {
		var terr *transport.Error
		if errors.As(err, &terr) && (terr.StatusCode == http.StatusUnauthorized || terr.StatusCode == http.StatusForbidden) {
			return model.UploadStatusError(terr.StatusCode, fmt.Sprintf("write to registry %q", tag.String()), errors.Join(ErrAuthentication, err))
		}
		return model.UploadError(fmt.Sprintf("write to registry %q", tag.String()), err)
	}

	slog.Info("Model pushed successfully", "reference", tag.String(), "duration", time.Since(start).Round(time.Millisecond))
	return nil
}

func (o *OCI) authenticator() authn.Authenticator {
	switch {
	case o.cfg.Username != "" && o.cfg.Token != "":
		return &authn.Basic{Username: o.cfg.Username, Password: o.cfg.Token}
	case o.cfg.Token != "":
		return authn.FromConfig(authn.AuthConfig{RegistryToken: o.cfg.Token})
	default:
		return nil
	}
}

func layerMediaType(f model.Format) ggcrtypes.MediaType {
	switch f {
	case model.FormatGGUF:
		return MediaTypeGGUF
	case model.FormatSafetensors:
		return MediaTypeSafetensors
	default:
		return MediaTypeModel
	}
}

var _ v1.Layer = (*fileLayer)(nil)

// fileLayer is an uncompressed layer streamed from a file on disk.
type fileLayer struct {
	path string
	desc v1.Descriptor
}

func newFileLayer(path string, mt ggcrtypes.MediaType) (*fileLayer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	hash, size, err := v1.SHA256(f)
	if err != nil {
		return nil, err
	}

	return &fileLayer{
		path: path,
		desc: v1.Descriptor{Size: size, Digest: hash, MediaType: mt},
	}, nil
}

func (l *fileLayer) Digest() (v1.Hash, error) { return l.desc.Digest, nil }
func (l *fileLayer) DiffID() (v1.Hash, error) { return l.desc.Digest, nil }
func (l *fileLayer) Compressed() (io.ReadCloser, error) { return os.Open(l.path) }
func (l *fileLayer) Uncompressed() (io.ReadCloser, error) { return os.Open(l.path) }
func (l *fileLayer) Size() (int64, error) { return l.desc.Size, nil }
func (l *fileLayer) MediaType() (ggcrtypes.MediaType, error) { return l.desc.MediaType, nil }
