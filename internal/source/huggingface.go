package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"golang.org/x/sync/singleflight"

	"github.com/ekisa-team/lotabots/internal/event"
	"github.com/ekisa-team/lotabots/internal/model"
	"github.com/ekisa-team/lotabots/internal/xfs"
)

const (
	defaultEndpoint   = "https://huggingface.co"
	defaultRevision   = "main"
	defaultFilename   = "model.safetensors"
	defaultRetryDelay = 2 * time.Second
	defaultMaxRetries = 3
	markerSuffix      = ".lotabots"
	maxErrorBody      = 4 << 10
	userAgent         = "lotabots"
)

// DefaultTimeout is how long a download may wait for a response or stall.
const DefaultTimeout = 5 * time.Minute

// Error definitions for the source package.
var (
	ErrEmptyName = errors.New("model name is empty")
	ErrShortBody = errors.New("response body shorter than Content-Length")
	ErrStalled   = errors.New("download stalled")
)

// downloads collapses concurrent fetches of the same destination.
var downloads singleflight.Group

// HuggingFaceConfig configures the Hugging Face fetcher.
type HuggingFaceConfig struct {
	// Endpoint is the hub base URL (default https://huggingface.co).
	Endpoint string

	// Token enables authenticated downloads. Empty means anonymous.
	Token string

	// Revision is the branch, tag or commit to fetch (default "main").
	Revision string

	// Filename is the artifact within the repository (default "model.safetensors").
	Filename string

	// Reuse returns an artifact already on disk when its marker matches.
	Reuse bool

	// Companions are more repository files downloaded next to Filename, for
	// kernels that read the model configuration or tokenizer. Files missing
	// from the repository are skipped.
	Companions []string

	// Timeout bounds the wait for response headers and each stall of the
	// body transfer. It does not limit the length of a download that keeps
	// making progress.
	Timeout time.Duration

	// MaxRetries is the number of attempts for retryable failures.
	MaxRetries int

	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration

	// HTTPClient overrides the default client.
	HTTPClient *http.Client

	// Publisher receives cache hit events.
	Publisher event.Publisher
}

// HuggingFace downloads a model file, and the companion files a kernel needs,
// from the Hugging Face hub.
type HuggingFace struct {
	cfg    HuggingFaceConfig
	client *http.Client
}

// NewHuggingFace creates a HuggingFace fetcher, filling unset fields with defaults.
func NewHuggingFace(cfg HuggingFaceConfig) *HuggingFace {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if cfg.Revision == "" {
		cfg.Revision = defaultRevision
	}
	if cfg.Filename == "" {
		cfg.Filename = defaultFilename
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	} else if cfg.RetryDelay == 0 {
		cfg.RetryDelay = defaultRetryDelay
	}

	if cfg.Publisher == nil {
		cfg.Publisher = event.Noop{}
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	return &HuggingFace{cfg: cfg, client: client}
}

// URL returns the resolve URL for a model.
func (h *HuggingFace) URL(name string) string {
	return h.fileURL(name, h.cfg.Filename)
}

func (h *HuggingFace) fileURL(name, file string) string {
	return fmt.Sprintf("%s/%s/resolve/%s/%s",
		h.cfg.Endpoint, name, url.PathEscape(h.cfg.Revision), file)
}

// Fetch downloads the configured file of model name to dest.
func (h *HuggingFace) Fetch(ctx context.Context, name, dest string) (model.Descriptor, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Descriptor{}, model.FetchError("invalid model name", ErrEmptyName)
	}
	if dest == "" {
		return model.Descriptor{}, model.FetchError("destination path is required", nil)
	}

	v, err, shared := downloads.Do(dest, func() (any, error) {
		return h.fetch(ctx, name, dest)
	})
	if shared {
		slog.Debug("Joined in-flight download", "repo", name, "path", dest)
	}

	desc, _ := v.(model.Descriptor)
	return desc, err
}

func (h *HuggingFace) fetch(ctx context.Context, name, dest string) (model.Descriptor, error) {
	src := h.URL(name)

	size, hit, err := h.fetchFile(ctx, name, src, dest)
	if err != nil {
		return model.Descriptor{}, err
	}
	if hit {
		slog.Info("Model already downloaded and up-to-date (marker match), skipping",
			"repo", name, "path", dest, "size", units.HumanSize(float64(size)))
		h.cfg.Publisher.Publish(event.Event{
			Name:    event.CacheHit,
			ModelID: name,
			Fields:  map[string]any{"stage": "fetch", "path": dest},
		})
	} else {
		slog.Info("Model downloaded successfully",
			"repo", name, "path", dest, "size", units.HumanSize(float64(size)))
	}

	if err := h.fetchCompanions(ctx, name, filepath.Dir(dest)); err != nil {
		return model.Descriptor{}, err
	}

	return h.descriptor(name, dest, size), nil
}

// fetchCompanions downloads the configured companion files into dir. Files
// the repository does not have are skipped.
func (h *HuggingFace) fetchCompanions(ctx context.Context, name, dir string) error {
	for _, file := range h.cfg.Companions {
		if file == "" || file == h.cfg.Filename {
			continue
		}

		dest := filepath.Join(dir, filepath.FromSlash(file))
		_, hit, err := h.fetchFile(ctx, name, h.fileURL(name, file), dest)
		switch {
		case model.StatusOf(err) == http.StatusNotFound:
			slog.Debug("Companion file not in repository, skipping", "repo", name, "file", file)
		case err != nil:
			return err
		case !hit:
			slog.Debug("Companion file downloaded", "repo", name, "file", file)
		}
	}

	return nil
}

// fetchFile downloads src to dest with retries. hit reports whether an
// existing download was reused.
func (h *HuggingFace) fetchFile(ctx context.Context, name, src, dest string) (size int64, hit bool, err error) {
	marker := markerPath(dest)

	if h.cfg.Reuse {
		if size, ok := h.cached(dest, marker, src); ok {
			return size, true, nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, false, model.FetchError("failed to create directory", err)
	}

	var lastErr error
	for attempt := range h.cfg.MaxRetries {
		if attempt > 0 {
			slog.Info("Retrying download", "repo", name, "url", src, "attempt", attempt+1, "last_error", lastErr)
			select {
			case <-ctx.Done():
				return 0, false, model.FetchError("download canceled", ctx.Err())
			case <-time.After(h.cfg.RetryDelay):
			}
		} else {
			slog.Info("Downloading model", "repo", name, "url", src, "path", dest, "authenticated", h.cfg.Token != "")
		}

		size, retry, err := h.download(ctx, src, dest)
		if err == nil {
			if err := os.WriteFile(marker, []byte(markerContent(src, size)), 0o644); err != nil {
				slog.Warn("Failed to write download marker", "path", marker, "error", err)
			}
			return size, false, nil
		}

		lastErr = err
		if model.StatusOf(err) == http.StatusNotFound {
			break
		}
		slog.Error("Failed to download model", "repo", name, "url", src, "attempt", attempt+1, "error", err)

		if !retry || ctx.Err() != nil {
			break
		}
	}

	return 0, false, lastErr
}

// download performs one attempt. retry reports whether a later attempt may
// succeed. The idle timeout bounds the wait for response headers and every
// stall in the body; a transfer that keeps making progress is never cut off.
func (h *HuggingFace) download(ctx context.Context, src, dest string) (size int64, retry bool, err error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	idle := time.AfterFunc(h.cfg.Timeout, func() {
		cancel(fmt.Errorf("%w after %s", ErrStalled, h.cfg.Timeout))
	})
	defer idle.Stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, http.NoBody)
	if err != nil {
		return 0, false, model.FetchError("failed to create request", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if h.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.Token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, true, model.FetchError("request failed", cause(ctx, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		text := strings.TrimSpace(string(body))
		if text == "" {
			text = "Unknown error"
		}
		retry := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return 0, retry, model.FetchStatusError(resp.StatusCode, fmt.Sprintf("HTTP %s - %s", resp.Status, text))
	}

	body := &progressReader{r: resp.Body, progress: func() { idle.Reset(h.cfg.Timeout) }}
	idle.Reset(h.cfg.Timeout)

	size, err = xfs.WriteAtomic(dest, func(w io.Writer) (int64, error) {
		n, err := io.Copy(w, body)
		if err != nil {
			return n, err
		}
		if resp.ContentLength >= 0 && n != resp.ContentLength {
			body.err = fmt.Errorf("%w: got %d of %d bytes", ErrShortBody, n, resp.ContentLength)
			return n, body.err
		}
		return n, nil
	})
	switch {
	case err == nil:
		return size, false, nil
	case body.err != nil:
		return 0, true, model.FetchError("failed to read response body", cause(ctx, body.err))
	default:
		return 0, false, model.IOError("failed to write model", err)
	}
}

// progressReader calls progress after every read that returns data and
// records the first read error.
type progressReader struct {
	r        io.Reader
	progress func()
	err      error
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.progress()
	}
	if err != nil && err != io.EOF && p.err == nil {
		p.err = err
	}
	return n, err
}

// cause prefers the reason ctx was canceled over the transport's error.
func cause(ctx context.Context, err error) error {
	if c := context.Cause(ctx); c != nil && errors.Is(c, ErrStalled) {
		return c
	}
	return err
}

func (h *HuggingFace) descriptor(name, dest string, size int64) model.Descriptor {
	return model.Descriptor{
		ID:     name,
		Name:   name,
		Path:   dest,
		Format: model.FormatFromPath(h.cfg.Filename),
		Size:   size,
	}
}

// cached reports whether dest holds a complete download of src.
func (h *HuggingFace) cached(dest, marker, src string) (int64, bool) {
	f, err := os.Open(marker)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	var markedURL string
	var markedSize int64 = -1
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ": ")
		if !ok {
			continue
		}
		switch key {
		case "url":
			markedURL = value
		case "size":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				markedSize = n
			}
		}
	}

	if markedURL != src {
		slog.Info("Model source changed (marker mismatch), will redownload", "marker_path", marker, "url", src)
		return 0, false
	}

	size, ok := xfs.FileSize(dest)
	if !ok || size != markedSize {
		slog.Debug("Cached model missing or incomplete", "path", dest)
		return 0, false
	}

	return size, true
}

func markerPath(dest string) string {
	return filepath.Join(filepath.Dir(dest), "."+filepath.Base(dest)+markerSuffix)
}

func markerContent(src string, size int64) string {
	return fmt.Sprintf("url: %s\nsize: %d\n", src, size)
}
