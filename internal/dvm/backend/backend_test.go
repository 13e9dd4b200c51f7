package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockBackend_CompleteEchoesPrompt(t *testing.T) {
	b := NewMockBackend("mock")
	resp, err := b.Complete(context.Background(), CompletionRequest{Model: "mock-small", Prompt: "hi there"})
	require.NoError(t, err)
	assert.Equal(t, "[mock:mock-small] hi there", resp.Text)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 2, resp.Usage.PromptTokens)
}

func TestMockBackend_CompleteStreamYieldsWordsThenDone(t *testing.T) {
	b := NewMockBackend("mock")
	ch, err := b.CompleteStream(context.Background(), CompletionRequest{Model: "m", Prompt: "one two"})
	require.NoError(t, err)

	var chunks []StreamChunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	require.NotEmpty(t, chunks)
	assert.True(t, chunks[len(chunks)-1].Done)
}

func TestMockBackend_ListModels(t *testing.T) {
	b := NewMockBackend("mock")
	models, err := b.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "mock-small", models[0].ID)
}

func TestRegistry_SelectFallsBackToDefault(t *testing.T) {
	r := NewRegistry()
	r.Register(NewMockBackend("first"))
	r.Register(NewMockBackend("second"))

	b, ok := r.Select("")
	require.True(t, ok)
	assert.Equal(t, "first", b.ID(), "the first registered backend is the default until SetDefault is called")

	b, ok = r.Select("second")
	require.True(t, ok)
	assert.Equal(t, "second", b.ID())

	_, ok = r.Select("missing")
	assert.False(t, ok)
}

func TestRegistry_SetDefault(t *testing.T) {
	r := NewRegistry()
	r.Register(NewMockBackend("first"))
	r.Register(NewMockBackend("second"))

	require.NoError(t, r.SetDefault("second"))
	b, ok := r.Select("")
	require.True(t, ok)
	assert.Equal(t, "second", b.ID())

	assert.Error(t, r.SetDefault("missing"))
}

func TestHTTPBackend_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"response":          "hello from ollama",
			"done":              true,
			"prompt_eval_count": 3,
			"eval_count":        5,
		})
	}))
	defer srv.Close()

	b := NewHTTPBackend("ollama", srv.URL)
	resp, err := b.Complete(context.Background(), CompletionRequest{Model: "llama3", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hello from ollama", resp.Text)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 8, resp.Usage.TotalTokens)
}

func TestHTTPBackend_CompleteNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	b := NewHTTPBackend("ollama", srv.URL)
	_, err := b.Complete(context.Background(), CompletionRequest{Model: "llama3", Prompt: "hi"})
	assert.Error(t, err)
}

func TestHTTPBackend_ListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"models": []map[string]interface{}{
				{"name": "llama3", "context_length": 8192},
			},
		})
	}))
	defer srv.Close()

	b := NewHTTPBackend("ollama", srv.URL)
	models, err := b.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "llama3", models[0].ID)
	assert.Equal(t, 8192, models[0].ContextLength)
}

func TestDetectLocal_NoListenerReturnsFalse(t *testing.T) {
	// Nothing is listening on the conventional local Ollama port in the test
	// environment, so detection must fail closed rather than error.
	_, ok := DetectLocal(context.Background(), 50*time.Millisecond)
	assert.False(t, ok)
}
