package event

import (
	"bytes"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMemory_ConcurrentPublish(t *testing.T) {
	mem := NewMemory()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mem.Publish(Event{Name: StageStarted, ModelID: "m1"})
		}()
	}
	wg.Wait()

	assert.Len(t, mem.Events(), 20)
	assert.Len(t, mem.Named(StageStarted), 20)
	assert.Empty(t, mem.Named(RunDone))
}

func TestMulti_FansOut(t *testing.T) {
	a, b := NewMemory(), NewMemory()
	Multi{a, nil, b}.Publish(Event{Name: DeviceFallback, ModelID: "m1"})

	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
}

func TestLogger_WritesFields(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	Logger{Log: log}.Publish(Event{Name: CacheHit, ModelID: "m1", Fields: map[string]any{"stage": "fetch"}})

	out := buf.String()
	assert.Contains(t, out, "event=cache.hit")
	assert.Contains(t, out, "model_id=m1")
	assert.Contains(t, out, "stage=fetch")
}
