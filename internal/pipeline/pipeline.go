// Package pipeline sequences the fetch, quantize and upload stages of one
// model run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ekisa-team/lotabots/internal/config"
	"github.com/ekisa-team/lotabots/internal/event"
	"github.com/ekisa-team/lotabots/internal/model"
	"github.com/ekisa-team/lotabots/internal/quantize"
	"github.com/ekisa-team/lotabots/internal/source"
	"github.com/ekisa-team/lotabots/internal/upload"
)

// State is the position of a run in the pipeline.
type State string

const (
	StateStart      State = "start"
	StateFetching   State = "fetching"
	StateQuantizing State = "quantizing"
	StateUploading  State = "uploading"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Stage names a unit of work.
type Stage string

const (
	StageConfig   Stage = "config"
	StageFetch    Stage = "fetch"
	StageQuantize Stage = "quantize"
	StageUpload   Stage = "upload"
)

func (s Stage) state() State {
	switch s {
	case StageFetch:
		return StateFetching
	case StageQuantize:
		return StateQuantizing
	case StageUpload:
		return StateUploading
	default:
		return StateStart
	}
}

// StageError records which stage a run failed in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

// Unwrap returns the stage's error.
func (e *StageError) Unwrap() error {
	return e.Err
}

// Result is the outcome of a run. Artifacts lists every file the run produced
// or reused, in stage order; they stay on disk whatever the outcome.
type Result struct {
	State     State
	Stage     Stage
	Model     model.Descriptor
	Artifacts []model.Descriptor
	Err       error
}

// Quantizer is the quantize capability.
type Quantizer interface {
	Quantize(ctx context.Context, req quantize.Request) (model.Descriptor, error)
}

// InputChecker is implemented by quantizers that can reject a source format
// before the fetch stage.
type InputChecker interface {
	CheckInput(format model.Format) error
}

// Orchestrator runs the three stages in order with no retries and no
// rollback.
type Orchestrator struct {
	fetcher   source.Fetcher
	quantizer Quantizer
	uploader  upload.Uploader
	publisher event.Publisher
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPublisher sets the event publisher.
func WithPublisher(p event.Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// New creates an Orchestrator.
func New(fetcher source.Fetcher, quantizer Quantizer, uploader upload.Uploader, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		fetcher:   fetcher,
		quantizer: quantizer,
		uploader:  uploader,
		publisher: event.Noop{},
	}
	for _, opt := range opts {
		opt(o)
	}

	return o
}

// FetchPath returns where the fetch stage stores the source artifact:
// "<cache>/<model with / replaced by _>/<revision>/<filename>".
func FetchPath(cfg config.RunConfig) string {
	dir := strings.ReplaceAll(cfg.Model, "/", "_")
	return filepath.Join(cfg.CacheDir, dir, cfg.Revision, cfg.Filename)
}

// run carries the mutable state of one Run call.
type run struct {
	o      *Orchestrator
	cfg    config.RunConfig
	result Result
}

// Run executes one pipeline run. Cancellation of ctx is honored between
// stages; a stage that has started runs to completion.
func (o *Orchestrator) Run(ctx context.Context, cfg config.RunConfig) Result {
	cfg = cfg.WithDefaults()
	r := &run{o: o, cfg: cfg, result: Result{State: StateStart}}

	slog.Info("Starting pipeline",
		"model_id", cfg.Model, "output", cfg.Output, "bits", int(cfg.Bits),
		"device", cfg.Device, "cache_policy", cfg.CachePolicy, "authenticated", !cfg.Anonymous())

	if err := cfg.Validate(); err != nil {
		return r.fail(StageConfig, err)
	}
	if c, ok := o.quantizer.(InputChecker); ok {
		if err := c.CheckInput(model.FormatFromPath(cfg.Filename)); err != nil {
			return r.fail(StageConfig, err)
		}
	}

	stageCtx := context.WithoutCancel(ctx)

	var src model.Descriptor
	err := r.stage(ctx, StageFetch, func() (model.Descriptor, error) {
		dest := FetchPath(cfg)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return model.Descriptor{}, model.IOError("failed to create cache directory", err)
		}
		return o.fetcher.Fetch(stageCtx, cfg.Model, dest)
	}, &src)
	if err != nil {
		return r.result
	}

	var quantized model.Descriptor
	err = r.stage(ctx, StageQuantize, func() (model.Descriptor, error) {
		return o.quantizer.Quantize(stageCtx, quantize.Request{
			Source:         src,
			Bits:           cfg.Bits,
			Device:         cfg.Device,
			DevicePolicy:   cfg.DevicePolicy,
			MixedPrecision: cfg.MixedPrecision,
			Params:         cfg.Params,
			Reuse:          cfg.CachePolicy.Reuse(),
		})
	}, &quantized)
	if err != nil {
		return r.result
	}

	err = r.stage(ctx, StageUpload, func() (model.Descriptor, error) {
		return quantized, o.uploader.Upload(stageCtx, quantized, cfg.Output)
	}, nil)
	if err != nil {
		return r.result
	}

	r.result.Model = quantized
	r.transition(StateDone)
	r.publish(event.RunDone, map[string]any{"path": quantized.Path})
	slog.Info("Pipeline completed", "model_id", cfg.Model, "output", cfg.Output, "artifact", quantized.Path)

	return r.result
}

// stage runs fn as stage s. When out is non-nil the produced descriptor is
// stored there and recorded as an artifact.
func (r *run) stage(ctx context.Context, s Stage, fn func() (model.Descriptor, error), out *model.Descriptor) error {
	if err := ctx.Err(); err != nil {
		r.cancel(s, err)
		return err
	}

	r.result.Stage = s
	r.transition(s.state())
	r.publish(event.StageStarted, map[string]any{"stage": string(s)})

	start := time.Now()
	desc, err := fn()
	elapsed := time.Since(start)

	if err != nil {
		r.publish(event.StageFailed, map[string]any{
			"stage":            string(s),
			"duration_seconds": elapsed.Seconds(),
			"kind":             string(model.KindOf(err)),
			"error":            err.Error(),
		})
		r.fail(s, err)
		return err
	}

	if out != nil {
		*out = desc
		r.result.Artifacts = append(r.result.Artifacts, desc)
	}
	r.publish(event.StageCompleted, map[string]any{
		"stage":            string(s),
		"duration_seconds": elapsed.Seconds(),
		"path":             desc.Path,
	})
	slog.Info("Stage completed", "model_id", r.cfg.Model, "stage", s, "duration", elapsed.Round(time.Millisecond))

	return nil
}

func (r *run) transition(to State) {
	from := r.result.State
	r.result.State = to
	r.publish(event.StateChanged, map[string]any{"from": string(from), "to": string(to)})
}

func (r *run) publish(name string, fields map[string]any) {
	r.o.publisher.Publish(event.Event{
		Name:    name,
		ModelID: r.cfg.Model,
		RunID:   r.cfg.RunID(),
		Fields:  fields,
	})
}

func (r *run) fail(s Stage, err error) Result {
	r.result.Stage = s
	r.result.Err = &StageError{Stage: s, Err: err}
	r.transition(StateFailed)

	r.publish(event.RunFailed, map[string]any{"stage": string(s), "error": err.Error()})
	slog.Error("Pipeline failed", "model_id", r.cfg.Model, "stage", s, "error", err)

	return r.result
}

func (r *run) cancel(next Stage, err error) {
	r.result.Stage = next
	r.result.Err = &StageError{Stage: next, Err: err}
	r.transition(StateFailed)

	r.publish(event.RunCanceled, map[string]any{"stage": string(next)})
	slog.Warn("Pipeline canceled", "model_id", r.cfg.Model, "before_stage", next, "error", err)
}

// Canceled reports whether the run stopped between stages because its
// context was done.
func (r Result) Canceled() bool {
	var se *StageError
	if !errors.As(r.Err, &se) {
		return false
	}
	return se.Err == context.Canceled || se.Err == context.DeadlineExceeded
}
