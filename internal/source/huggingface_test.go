package source

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekisa-team/lotabots/internal/event"
	"github.com/ekisa-team/lotabots/internal/model"
)

var payload = bytes.Repeat([]byte("tensor"), 1000)

func newFetcher(t *testing.T, srv *httptest.Server, mutate func(*HuggingFaceConfig)) *HuggingFace {
	t.Helper()

	cfg := HuggingFaceConfig{
		Endpoint:   srv.URL,
		RetryDelay: time.Millisecond,
		Timeout:    5 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewHuggingFace(cfg)
}

func TestHuggingFace_URL(t *testing.T) {
	h := NewHuggingFace(HuggingFaceConfig{})
	assert.Equal(t, "https://huggingface.co/bert-base-uncased/resolve/main/model.safetensors", h.URL("bert-base-uncased"))

	h = NewHuggingFace(HuggingFaceConfig{Endpoint: "http://hub.local/", Revision: "v1.0", Filename: "config.json"})
	assert.Equal(t, "http://hub.local/org/m/resolve/v1.0/config.json", h.URL("org/m"))
}

func TestHuggingFace_FetchAnonymous(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/org/m1/resolve/main/model.safetensors", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "nested", "model.safetensors")
	desc, err := newFetcher(t, srv, nil).Fetch(context.Background(), "org/m1", dest)
	require.NoError(t, err)

	assert.Equal(t, "org/m1", desc.ID)
	assert.Equal(t, dest, desc.Path)
	assert.Equal(t, model.FormatSafetensors, desc.Format)
	assert.EqualValues(t, len(payload), desc.Size)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestHuggingFace_FetchAuthenticated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer hf_secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "model.safetensors")
	_, err := newFetcher(t, srv, func(c *HuggingFaceConfig) { c.Token = "hf_secret" }).Fetch(context.Background(), "m1", dest)
	require.NoError(t, err)
}

func TestHuggingFace_NotFoundIsTerminal(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "Entry not found", http.StatusNotFound)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "model.safetensors")
	_, err := newFetcher(t, srv, nil).Fetch(context.Background(), "missing", dest)

	require.Error(t, err)
	assert.True(t, model.IsFetch(err))
	assert.Equal(t, http.StatusNotFound, model.StatusOf(err))
	assert.Contains(t, err.Error(), "HTTP 404 Not Found - Entry not found")
	assert.EqualValues(t, 1, hits.Load())

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestHuggingFace_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "model.safetensors")
	desc, err := newFetcher(t, srv, nil).Fetch(context.Background(), "m1", dest)
	require.NoError(t, err)

	assert.EqualValues(t, 3, hits.Load())
	assert.EqualValues(t, len(payload), desc.Size)
}

func TestHuggingFace_TruncatedTransferLeavesPreviousFile(t *testing.T) {
	var truncate atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if truncate.Load() {
			w.Header().Set("Content-Length", "6000")
			_, _ = w.Write(payload[:100])
			return
		}
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "model.safetensors")
	f := newFetcher(t, srv, func(c *HuggingFaceConfig) { c.MaxRetries = 1 })

	_, err := f.Fetch(context.Background(), "m1", dest)
	require.NoError(t, err)
	first, err := os.ReadFile(dest)
	require.NoError(t, err)

	truncate.Store(true)
	_, err = f.Fetch(context.Background(), "m1", dest)
	require.Error(t, err)
	assert.True(t, model.IsFetch(err))

	second, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".partial-")
	}
}

func TestHuggingFace_IdempotentAndReuse(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "model.safetensors")

	refresh := newFetcher(t, srv, nil)
	_, err := refresh.Fetch(context.Background(), "m1", dest)
	require.NoError(t, err)
	first, _ := os.ReadFile(dest)

	_, err = refresh.Fetch(context.Background(), "m1", dest)
	require.NoError(t, err)
	second, _ := os.ReadFile(dest)
	assert.Equal(t, first, second)
	assert.EqualValues(t, 2, hits.Load())

	events := event.NewMemory()
	reuse := newFetcher(t, srv, func(c *HuggingFaceConfig) {
		c.Reuse = true
		c.Publisher = events
	})
	desc, err := reuse.Fetch(context.Background(), "m1", dest)
	require.NoError(t, err)
	assert.EqualValues(t, 2, hits.Load())
	assert.EqualValues(t, len(payload), desc.Size)

	hitEvents := events.Named(event.CacheHit)
	require.Len(t, hitEvents, 1)
	assert.Equal(t, "fetch", hitEvents[0].Fields["stage"])

	// A different revision invalidates the marker.
	other := newFetcher(t, srv, func(c *HuggingFaceConfig) {
		c.Reuse = true
		c.Revision = "v2"
	})
	_, err = other.Fetch(context.Background(), "m1", dest)
	require.NoError(t, err)
	assert.EqualValues(t, 3, hits.Load())
}

func TestHuggingFace_ReuseIgnoresIncompleteFile(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "model.safetensors")
	f := newFetcher(t, srv, func(c *HuggingFaceConfig) { c.Reuse = true })

	_, err := f.Fetch(context.Background(), "m1", dest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(dest, []byte("corrupt"), 0o644))

	_, err = f.Fetch(context.Background(), "m1", dest)
	require.NoError(t, err)
	assert.EqualValues(t, 2, hits.Load())
}

func TestHuggingFace_ConcurrentFetchesShareDownload(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "model.safetensors")
	f := newFetcher(t, srv, nil)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.Fetch(context.Background(), "m1", dest)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, hits.Load())
}

func TestHuggingFace_InvalidName(t *testing.T) {
	_, err := NewHuggingFace(HuggingFaceConfig{}).Fetch(context.Background(), "  ", "/tmp/x")
	assert.True(t, model.IsFetch(err))
	assert.ErrorIs(t, err, ErrEmptyName)
}

func TestHuggingFace_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	dest := filepath.Join(t.TempDir(), "model.safetensors")
	_, err := newFetcher(t, srv, func(c *HuggingFaceConfig) { c.MaxRetries = 2 }).Fetch(context.Background(), "m1", dest)

	require.Error(t, err)
	assert.True(t, model.IsFetch(err))
	assert.True(t, strings.Contains(err.Error(), "request failed"))
}

func TestHuggingFace_SlowTransferKeepsGoing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "20")
		for i := 0; i < 20; i++ {
			_, _ = w.Write([]byte{'x'})
			w.(http.Flusher).Flush()
			time.Sleep(25 * time.Millisecond)
		}
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "model.safetensors")
	desc, err := newFetcher(t, srv, func(c *HuggingFaceConfig) {
		c.Timeout = 200 * time.Millisecond
		c.MaxRetries = 1
	}).Fetch(context.Background(), "m1", dest)

	require.NoError(t, err)
	assert.EqualValues(t, 20, desc.Size)
}

func TestHuggingFace_StalledTransferIsAFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		_, _ = w.Write([]byte("tensor"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "model.safetensors")
	_, err := newFetcher(t, srv, func(c *HuggingFaceConfig) {
		c.Timeout = 100 * time.Millisecond
		c.MaxRetries = 1
	}).Fetch(context.Background(), "m1", dest)

	require.Error(t, err)
	assert.True(t, model.IsFetch(err))
	assert.ErrorIs(t, err, ErrStalled)
	assert.Contains(t, err.Error(), "failed to read response body")
	assert.NotContains(t, err.Error(), "failed to write model")
	assert.NoFileExists(t, dest)
}

func TestHuggingFace_FetchesCompanions(t *testing.T) {
	var mu sync.Mutex
	hits := map[string]int{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		file := strings.TrimPrefix(r.URL.Path, "/org/m1/resolve/main/")
		mu.Lock()
		hits[file]++
		mu.Unlock()

		switch file {
		case "model.safetensors":
			_, _ = w.Write(payload)
		case "config.json":
			_, _ = w.Write([]byte(`{"architectures":["LlamaForCausalLM"]}`))
		case "tokenizer.json":
			_, _ = w.Write([]byte(`{"version":"1.0"}`))
		default:
			http.Error(w, "Entry not found", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	dir := filepath.Join(t.TempDir(), "org_m1", "main")
	dest := filepath.Join(dir, "model.safetensors")
	f := newFetcher(t, srv, func(c *HuggingFaceConfig) {
		c.Companions = []string{"config.json", "tokenizer.json", "tokenizer.model"}
		c.Reuse = true
	})

	desc, err := f.Fetch(context.Background(), "org/m1", dest)
	require.NoError(t, err)
	assert.Equal(t, dest, desc.Path)

	assert.FileExists(t, filepath.Join(dir, "config.json"))
	assert.FileExists(t, filepath.Join(dir, "tokenizer.json"))
	assert.NoFileExists(t, filepath.Join(dir, "tokenizer.model"))
	mu.Lock()
	assert.Equal(t, 1, hits["tokenizer.model"])
	mu.Unlock()

	_, err = f.Fetch(context.Background(), "org/m1", dest)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, hits["model.safetensors"])
	assert.Equal(t, 1, hits["config.json"])
	assert.Equal(t, 1, hits["tokenizer.json"])
}

func TestHuggingFace_CompanionAuthFailureFailsFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/config.json") {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "model.safetensors")
	_, err := newFetcher(t, srv, func(c *HuggingFaceConfig) {
		c.Companions = []string{"config.json"}
	}).Fetch(context.Background(), "m1", dest)

	require.Error(t, err)
	assert.True(t, model.IsFetch(err))
	assert.Equal(t, http.StatusForbidden, model.StatusOf(err))
}
