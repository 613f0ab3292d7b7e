// Package app wires the pipeline capabilities together and runs batches of
// jobs.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ekisa-team/lotabots/internal/backend"
	"github.com/ekisa-team/lotabots/internal/config"
	"github.com/ekisa-team/lotabots/internal/device"
	"github.com/ekisa-team/lotabots/internal/event"
	"github.com/ekisa-team/lotabots/internal/metrics"
	"github.com/ekisa-team/lotabots/internal/model"
	"github.com/ekisa-team/lotabots/internal/pipeline"
	"github.com/ekisa-team/lotabots/internal/quantize"
	"github.com/ekisa-team/lotabots/internal/source"
	"github.com/ekisa-team/lotabots/internal/upload"
)

type options struct {
	hubEndpoint  string
	httpClient   *http.Client
	fetchTimeout time.Duration
	uploadCLI    string
	private      bool
	oci          upload.OCIConfig
	runner       backend.CommandRunner
	concurrency  int
	policy       device.Policy
	publisher    event.Publisher
}

// Option configures an App.
type Option func(*options)

// WithHubEndpoint points fetch and upload at another Hugging Face hub.
func WithHubEndpoint(url string) Option {
	return func(o *options) { o.hubEndpoint = url }
}

// WithHTTPClient sets the client used for hub requests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithFetchTimeout bounds the wait for response headers and for each stall
// while downloading. Zero keeps the fetcher default.
func WithFetchTimeout(d time.Duration) Option {
	return func(o *options) { o.fetchTimeout = d }
}

// WithUploadCLI sets the hf command used to transmit files.
func WithUploadCLI(path string) Option {
	return func(o *options) { o.uploadCLI = path }
}

// WithPrivateRepos creates new Hugging Face repositories as private.
func WithPrivateRepos(private bool) Option {
	return func(o *options) { o.private = private }
}

// WithOCI configures the OCI uploader.
func WithOCI(cfg upload.OCIConfig) Option {
	return func(o *options) { o.oci = cfg }
}

// WithRunner replaces os/exec for the upload CLI, for tests.
func WithRunner(r backend.CommandRunner) Option {
	return func(o *options) { o.runner = r }
}

// WithConcurrency bounds how many jobs RunAll runs at once.
func WithConcurrency(n int) Option {
	return func(o *options) { o.concurrency = n }
}

// WithDevicePolicy sets the selector's default fallback policy.
func WithDevicePolicy(p device.Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithPublisher adds a publisher that receives every event.
func WithPublisher(p event.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// App holds what is shared between runs: the device selector, the
// quantization kernel and the observers. Fetchers and uploaders carry
// per-run credentials and are built for each run.
type App struct {
	opts      options
	selector  *device.Selector
	quantizer *quantize.Quantizer
	publisher event.Publisher
	tracker   *pipeline.Tracker
	metrics   *metrics.Metrics
	oci       *upload.OCI

	mu   sync.Mutex
	jobs map[string]struct{}
}

// New creates an App around a kernel and the host's devices.
func New(kernel backend.Kernel, lister device.Lister, initializer device.Initializer, opts ...Option) *App {
	o := options{
		concurrency: runtime.NumCPU(),
		policy:      device.PolicyFallback,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.concurrency < 1 {
		o.concurrency = 1
	}

	a := &App{
		opts:    o,
		tracker: pipeline.NewTracker(),
		metrics: metrics.New(),
		oci:     upload.NewOCI(o.oci),
		jobs:    make(map[string]struct{}),
	}
	a.publisher = event.Multi{event.Logger{}, a.metrics, a.tracker, o.publisher}

	a.selector = device.NewSelector(lister, initializer,
		device.WithPolicy(o.policy),
		device.WithPublisher(a.publisher),
	)
	a.quantizer = quantize.New(kernel, a.selector, quantize.WithPublisher(a.publisher))

	return a
}

// Tracker returns the run status tracker.
func (a *App) Tracker() *pipeline.Tracker {
	return a.tracker
}

// Metrics returns the pipeline metrics.
func (a *App) Metrics() *metrics.Metrics {
	return a.metrics
}

// Orchestrator builds the pipeline for one run configuration.
func (a *App) Orchestrator(cfg config.RunConfig) *pipeline.Orchestrator {
	fetcher := source.NewHuggingFace(source.HuggingFaceConfig{
		Endpoint:   a.opts.hubEndpoint,
		Token:      cfg.Token,
		Revision:   cfg.Revision,
		Filename:   cfg.Filename,
		Companions: a.quantizer.Companions(model.FormatFromPath(cfg.Filename)),
		Reuse:      cfg.CachePolicy.Reuse(),
		Timeout:    a.opts.fetchTimeout,
		HTTPClient: a.opts.httpClient,
		Publisher:  a.publisher,
	})

	uploader := upload.Router{
		"hf": upload.NewHuggingFace(upload.HuggingFaceConfig{
			Endpoint:   a.opts.hubEndpoint,
			Token:      cfg.Token,
			Private:    a.opts.private,
			CLI:        a.opts.uploadCLI,
			HTTPClient: a.opts.httpClient,
			Runner:     a.opts.runner,
		}),
		"oci": a.oci,
	}

	return pipeline.New(fetcher, a.quantizer, uploader, pipeline.WithPublisher(a.publisher))
}

// Run executes one pipeline run.
func (a *App) Run(ctx context.Context, cfg config.RunConfig) pipeline.Result {
	cfg = cfg.WithDefaults()
	return a.Orchestrator(cfg).Run(ctx, cfg)
}

// RunAll runs independent jobs in parallel, at most the configured
// concurrency at a time. Results are in the order of cfgs. The error joins
// the failures of every run that did not finish.
func (a *App) RunAll(ctx context.Context, cfgs []config.RunConfig) ([]pipeline.Result, error) {
	results := make([]pipeline.Result, len(cfgs))

	var g errgroup.Group
	g.SetLimit(a.opts.concurrency)
	for i, cfg := range cfgs {
		g.Go(func() error {
			results[i] = a.Run(ctx, cfg)
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for i, res := range results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", cfgs[i].Model, res.Err))
		}
	}

	slog.Info("Batch finished", "runs", len(results), "failed", len(errs))
	return results, errors.Join(errs...)
}

// LoadJobs runs every job of a job file and forgets the status of runs the
// file no longer lists.
func (a *App) LoadJobs(ctx context.Context, cfg *config.Config, token string) error {
	runs, err := cfg.RunConfigs(token)
	if err != nil {
		return fmt.Errorf("failed to resolve jobs: %w", err)
	}

	listed := make(map[string]struct{}, len(runs))
	for _, r := range runs {
		listed[r.WithDefaults().RunID()] = struct{}{}
	}

	a.mu.Lock()
	for id := range a.jobs {
		if _, ok := listed[id]; !ok {
			a.tracker.Delete(id)
			slog.Info("Job removed from config", "run_id", id)
		}
	}
	a.jobs = listed
	a.mu.Unlock()

	_, err = a.RunAll(ctx, runs)
	return err
}
