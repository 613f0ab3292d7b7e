package pipeline

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ekisa-team/lotabots/internal/event"
)

// RunStatus is the last known state of one run.
type RunStatus struct {
	ID        string
	ModelID   string
	State     State
	Stage     Stage
	Error     string
	UpdatedAt time.Time
}

// Tracker stores the status of every run it has seen. It is fed by
// publishing pipeline events to it.
type Tracker struct {
	runs map[string]*RunStatus
	mu   sync.RWMutex
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		runs: make(map[string]*RunStatus),
	}
}

// Publish implements event.Publisher.
func (t *Tracker) Publish(e event.Event) {
	switch e.Name {
	case event.StateChanged, event.StageStarted, event.RunFailed, event.RunCanceled:
	default:
		return
	}

	id := e.RunID
	if id == "" {
		id = e.ModelID
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.runs[id]
	if !ok {
		st = &RunStatus{ID: id, ModelID: e.ModelID}
		t.runs[id] = st
	}

	switch e.Name {
	case event.StateChanged:
		if from, _ := e.Fields["from"].(string); State(from) == StateStart {
			st.Stage = ""
			st.Error = ""
		}
		if to, ok := e.Fields["to"].(string); ok {
			st.State = State(to)
		}
	case event.StageStarted:
		if stage, ok := e.Fields["stage"].(string); ok {
			st.Stage = Stage(stage)
		}
	case event.RunFailed:
		if msg, ok := e.Fields["error"].(string); ok {
			st.Error = msg
		}
	case event.RunCanceled:
		st.Error = "canceled"
	}
	st.UpdatedAt = time.Now()
}

// Get returns the status of a run.
func (t *Tracker) Get(id string) (RunStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st, ok := t.runs[id]
	if !ok {
		return RunStatus{}, false
	}
	return *st, true
}

// List returns all statuses ordered by run ID.
func (t *Tracker) List() []RunStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]RunStatus, 0, len(t.runs))
	for _, st := range t.runs {
		out = append(out, *st)
	}
	slices.SortFunc(out, func(a, b RunStatus) int { return strings.Compare(a.ID, b.ID) })

	return out
}

// Active reports how many runs have not reached a terminal state.
func (t *Tracker) Active() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, st := range t.runs {
		if !st.State.Terminal() {
			n++
		}
	}
	return n
}

// Delete removes the status of a run.
func (t *Tracker) Delete(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.runs, id)
}
