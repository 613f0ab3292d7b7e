package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ekisa-team/lotabots/internal/event"
	"github.com/ekisa-team/lotabots/internal/model"
)

// Policy decides what happens when an accelerator cannot be initialized.
type Policy string

const (
	// PolicyFallback degrades to CPU and reports the downgrade.
	PolicyFallback Policy = "fallback"

	// PolicyStrict fails the run instead of degrading.
	PolicyStrict Policy = "strict"
)

// DefaultInitTimeout bounds the wait for an accelerator slot and its setup.
const DefaultInitTimeout = 30 * time.Second

// ParsePolicy maps a policy name to a Policy. Empty means PolicyFallback.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyFallback:
		return PolicyFallback, nil
	case PolicyStrict:
		return PolicyStrict, nil
	default:
		return "", fmt.Errorf("unknown device policy: %q", s)
	}
}

// Lister lists the devices available on the host.
type Lister interface {
	Detect() []Device
}

// Request describes what a run needs from the selector.
type Request struct {
	ModelID   string
	Preferred Device

	// Policy overrides the selector's policy for this request when set.
	Policy Policy

	// Supports reports whether the kernel has a backend for a device. A nil
	// Supports accepts every device.
	Supports func(Device) bool
}

// Lease is a device held by one run. Release must be called when the run is
// done with the device.
type Lease struct {
	Device   Device
	Fallback bool
	Cause    error

	once    sync.Once
	release func()
}

// Release frees the device slot. It is safe to call more than once.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		if l.release != nil {
			l.release()
		}
	})
}

// Selector picks and initializes the device for a run. Accelerators are held
// by at most one run at a time; the selector is meant to be shared by every
// run in the process.
type Selector struct {
	lister      Lister
	initializer Initializer
	policy      Policy
	publisher   event.Publisher
	initTimeout time.Duration

	mu    sync.Mutex
	slots map[Device]chan struct{}
}

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// WithPolicy sets the fallback policy.
func WithPolicy(p Policy) SelectorOption {
	return func(s *Selector) { s.policy = p }
}

// WithPublisher sets the event publisher.
func WithPublisher(p event.Publisher) SelectorOption {
	return func(s *Selector) { s.publisher = p }
}

// WithInitTimeout bounds the wait for an accelerator.
func WithInitTimeout(d time.Duration) SelectorOption {
	return func(s *Selector) { s.initTimeout = d }
}

// NewSelector creates a Selector.
func NewSelector(lister Lister, initializer Initializer, opts ...SelectorOption) *Selector {
	s := &Selector{
		lister:      lister,
		initializer: initializer,
		policy:      PolicyFallback,
		publisher:   event.Noop{},
		initTimeout: DefaultInitTimeout,
		slots:       make(map[Device]chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Policy returns the configured fallback policy.
func (s *Selector) Policy() Policy {
	return s.policy
}

// Acquire selects, reserves and initializes a device. With PolicyFallback an
// accelerator failure yields a CPU lease with Fallback set; with PolicyStrict
// the GPU error is returned.
func (s *Selector) Acquire(ctx context.Context, req Request) (*Lease, error) {
	target := req.Preferred
	if target == Auto {
		target = s.autoTarget(req)
	}

	if target == CPU {
		s.selected(req.ModelID, CPU)
		return &Lease{Device: CPU}, nil
	}

	lease, gpuErr := s.acquireAccelerator(ctx, req, target)
	if gpuErr == nil {
		s.selected(req.ModelID, target)
		return lease, nil
	}

	policy := s.policy
	if req.Policy != "" {
		policy = req.Policy
	}
	if policy == PolicyStrict {
		return nil, gpuErr
	}

	slog.Warn("Accelerator unavailable, falling back to CPU",
		"model_id", req.ModelID, "device", target, "error", gpuErr)
	s.publisher.Publish(event.Event{
		Name:    event.DeviceFallback,
		ModelID: req.ModelID,
		Fields: map[string]any{
			"from":   target.String(),
			"to":     CPU.String(),
			"reason": gpuErr.Error(),
		},
	})

	return &Lease{Device: CPU, Fallback: true, Cause: gpuErr}, nil
}

// autoTarget returns the highest detected accelerator the kernel has a build
// for. When none is supported the highest detected accelerator is returned so
// the fallback records ErrBackendUnavailable.
func (s *Selector) autoTarget(req Request) Device {
	var unsupported []Device
	for _, d := range s.lister.Detect() {
		if d == CPU {
			continue
		}
		if req.Supports == nil || req.Supports(d) {
			return d
		}
		unsupported = append(unsupported, d)
	}
	if len(unsupported) > 0 {
		return unsupported[0]
	}
	return CPU
}

func (s *Selector) acquireAccelerator(ctx context.Context, req Request, d Device) (*Lease, error) {
	if req.Supports != nil && !req.Supports(d) {
		return nil, model.GPUError(fmt.Sprintf("%s backend not available in this build", d), ErrBackendUnavailable)
	}

	initCtx, cancel := context.WithTimeout(ctx, s.initTimeout)
	defer cancel()

	slot := s.slot(d)
	select {
	case slot <- struct{}{}:
	case <-initCtx.Done():
		return nil, model.GPUError(fmt.Sprintf("%s busy", d), fmt.Errorf("%w: %s: %w", ErrInitTimeout, d, initCtx.Err()))
	}
	release := func() { <-slot }

	if err := s.initializer.Initialize(initCtx, d); err != nil {
		release()
		if !model.IsGPU(err) {
			err = model.GPUError(fmt.Sprintf("failed to initialize %s", d), err)
		}
		return nil, err
	}

	return &Lease{Device: d, release: release}, nil
}

func (s *Selector) slot(d Device) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.slots[d]
	if !ok {
		ch = make(chan struct{}, 1)
		s.slots[d] = ch
	}
	return ch
}

func (s *Selector) selected(modelID string, d Device) {
	s.publisher.Publish(event.Event{
		Name:    event.DeviceSelected,
		ModelID: modelID,
		Fields:  map[string]any{"device": d.String()},
	})
}
