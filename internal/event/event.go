// Package event carries pipeline lifecycle events to observers (logs, metrics,
// tests) without the pipeline depending on any of them.
package event

import (
	"context"
	"log/slog"
	"sync"
)

// Event names published by the pipeline and the device selector.
const (
	StateChanged   = "state.changed"
	StageStarted   = "stage.started"
	StageCompleted = "stage.completed"
	StageFailed    = "stage.failed"
	CacheHit       = "cache.hit"
	DeviceSelected = "device.selected"
	DeviceFallback = "device.fallback"
	RunDone        = "run.done"
	RunFailed      = "run.failed"
	RunCanceled    = "run.canceled"
)

// Event is a named occurrence for one model, with optional fields. RunID is
// set on events that belong to a pipeline run.
type Event struct {
	Name    string
	ModelID string
	RunID   string
	Fields  map[string]any
}

// Publisher receives events. Implementations must be non-blocking and safe
// for concurrent use; Publish must not panic.
type Publisher interface {
	Publish(Event)
}

// Noop drops every event.
type Noop struct{}

// Publish implements Publisher.
func (Noop) Publish(Event) {}

// Multi fans an event out to several publishers.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(e Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(e)
		}
	}
}

// Logger writes events to a slog.Logger at debug level.
type Logger struct {
	Log *slog.Logger
}

// Publish implements Publisher.
func (l Logger) Publish(e Event) {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}

	attrs := make([]slog.Attr, 0, len(e.Fields)+3)
	attrs = append(attrs, slog.String("event", e.Name), slog.String("model_id", e.ModelID))
	if e.RunID != "" {
		attrs = append(attrs, slog.String("run_id", e.RunID))
	}
	for k, v := range e.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	log.LogAttrs(context.Background(), slog.LevelDebug, "Pipeline event", attrs...)
}

// Memory stores events in memory.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// NewMemory returns an empty Memory publisher.
func NewMemory() *Memory { return &Memory{} }

// Publish implements Publisher.
func (p *Memory) Publish(e Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (p *Memory) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Named returns the recorded events with the given name.
func (p *Memory) Named(name string) []Event {
	var out []Event
	for _, e := range p.Events() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}
