package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"

	"github.com/ekisa-team/lotabots/internal/backend"
	"github.com/ekisa-team/lotabots/internal/model"
)

const (
	defaultEndpoint      = "https://huggingface.co"
	defaultCLI           = "hf"
	defaultCreateTimeout = 30 * time.Second
	defaultUploadTimeout = 30 * time.Minute
	maxErrorBody         = 4 << 10
	userAgent            = "lotabots"
)

// HuggingFaceConfig configures the Hugging Face uploader.
type HuggingFaceConfig struct {
	// Endpoint is the hub base URL (default https://huggingface.co).
	Endpoint string

	// Token is required; anonymous uploads are rejected.
	Token string

	// Private creates new repositories as private.
	Private bool

	// CLI is the hf command used to transmit files (default "hf").
	CLI string

	// CreateTimeout bounds repository creation.
	CreateTimeout time.Duration

	// UploadTimeout bounds file transmission.
	UploadTimeout time.Duration

	HTTPClient *http.Client

	// Runner replaces os/exec, for tests.
	Runner backend.CommandRunner
}

// HuggingFace uploads artifacts to Hugging Face model repositories.
type HuggingFace struct {
	cfg    HuggingFaceConfig
	client *http.Client
}

// NewHuggingFace creates a HuggingFace uploader, filling unset fields with defaults.
func NewHuggingFace(cfg HuggingFaceConfig) *HuggingFace {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if cfg.CLI == "" {
		cfg.CLI = defaultCLI
	}
	if cfg.CreateTimeout <= 0 {
		cfg.CreateTimeout = defaultCreateTimeout
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = defaultUploadTimeout
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	return &HuggingFace{cfg: cfg, client: client}
}

// Upload implements Uploader. The repository is created when missing, then
// the artifact is transmitted under its base name.
func (h *HuggingFace) Upload(ctx context.Context, artifact model.Descriptor, repository string) error {
	owner, name, err := splitRepository(repository)
	if err != nil {
		return model.UploadError(fmt.Sprintf("repository %q", repository), err)
	}
	if h.cfg.Token == "" {
		return model.UploadError("a token is required to upload", ErrAuthentication)
	}

	repo := owner + "/" + name
	if err := h.createRepo(ctx, owner, name); err != nil {
		return err
	}

	return h.transmit(ctx, artifact, repo)
}

type createRepoRequest struct {
	Type         string `json:"type"`
	Name         string `json:"name"`
	Organization string `json:"organization,omitempty"`
	Private      bool   `json:"private"`
}

func (h *HuggingFace) createRepo(ctx context.Context, owner, name string) error {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.CreateTimeout)
	defer cancel()

	body, err := json.Marshal(createRepoRequest{
		Type:         "model",
		Name:         name,
		Organization: owner,
		Private:      h.cfg.Private,
	})
	if err != nil {
		return model.UploadError("failed to encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.Endpoint+"/api/repos/create", bytes.NewReader(body))
	if err != nil {
		return model.UploadError("failed to create request", err)
	}
	req.Header.Set("Authorization", "Bearer "+h.cfg.Token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := h.client.Do(req)
	if err != nil {
		return model.UploadError("failed to create repository", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		slog.Info("Created repository", "repo", owner+"/"+name, "private", h.cfg.Private)
		return nil
	case resp.StatusCode == http.StatusConflict:
		slog.Debug("Repository already exists", "repo", owner+"/"+name)
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return model.UploadStatusError(resp.StatusCode, fmt.Sprintf("HTTP %s", resp.Status), ErrAuthentication)
	default:
		text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := strings.TrimSpace(string(text))
		if msg == "" {
			msg = "Unknown error"
		}
		return model.UploadStatusError(resp.StatusCode, fmt.Sprintf("HTTP %s - %s", resp.Status, msg), nil)
	}
}

func (h *HuggingFace) transmit(ctx context.Context, artifact model.Descriptor, repo string) error {
	var exec *backend.Executor
	if h.cfg.Runner != nil {
		exec = backend.NewExecutorWithRunner(h.cfg.CLI, h.cfg.UploadTimeout, h.cfg.Runner)
	} else {
		var err error
		if exec, err = backend.NewExecutor(h.cfg.CLI, h.cfg.UploadTimeout); err != nil {
			return model.UploadError("hf CLI is not installed", err)
		}
	}

	pathInRepo := filepath.Base(artifact.Path)
	args := []string{"upload", repo, artifact.Path, pathInRepo, "--repo-type", "model"}

	slog.Info("Uploading model", "repo", repo, "path", artifact.Path, "size", units.HumanSize(float64(artifact.Size)))
	start := time.Now()

	_, stderr, err := exec.Execute(ctx, args, []string{"HF_TOKEN=" + h.cfg.Token}, nil)
	if err != nil {
		msg := strings.TrimSpace(string(stderr))
		if isAuthMessage(msg) {
			return model.UploadError(msg, ErrAuthentication)
		}
		if msg == "" {
			msg = "transmission failed"
		}
		return model.UploadError(msg, err)
	}

	slog.Info("Model uploaded successfully", "repo", repo, "file", pathInRepo, "duration", time.Since(start).Round(time.Millisecond))
	return nil
}

// splitRepository accepts "owner/name" with an optional "hf://" prefix.
func splitRepository(repository string) (owner, name string, err error) {
	ref := strings.TrimPrefix(strings.TrimSpace(repository), "hf://")
	owner, name, ok := strings.Cut(ref, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("%w: expected owner/name", ErrInvalidRepository)
	}
	return owner, name, nil
}

func isAuthMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "401") || strings.Contains(lower, "403") ||
		strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid token")
}
