package llmcall

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduitrouter/conduit/internal/domain"
	"github.com/conduitrouter/conduit/internal/registry"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New([]domain.Arm{
		{ID: "openai:gpt-4o", Provider: "openai", Model: "gpt-4o", CostPerInputToken: 0.00001, CostPerOutputTok: 0.00003, ExpectedQuality: 0.95},
	})
	require.NoError(t, err)
	return reg
}

func newClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(testRegistry(t), map[string]string{"openai": srv.URL}, map[string]string{"openai": "sk-test"})
}

func TestCallSuccessComputesCost(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"role": "assistant", "content": "hello back"}}],
			"usage": {"prompt_tokens": 100, "completion_tokens": 50, "total_tokens": 150}
		}`))
	})

	text, tokens, cost, err := c.Call(context.Background(), "openai:gpt-4o", domain.Query{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello back", text)
	assert.Equal(t, 150, tokens)
	assert.InDelta(t, 100*0.00001+50*0.00003, cost, 1e-12)
}

func TestCallClassifiesRateLimit(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, _, _, err := c.Call(context.Background(), "openai:gpt-4o", domain.Query{Text: "hi"})
	require.Error(t, err)
	class, ok := Classify(err)
	require.True(t, ok)
	assert.Equal(t, ClassRateLimit, class)
}

func TestCallClassifiesProviderError(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	_, _, _, err := c.Call(context.Background(), "openai:gpt-4o", domain.Query{Text: "hi"})
	require.Error(t, err)
	class, _ := Classify(err)
	assert.Equal(t, ClassProvider, class)
}

func TestCallClassifiesSchemaParse(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json at all {{{`))
	})
	_, _, _, err := c.Call(context.Background(), "openai:gpt-4o", domain.Query{Text: "hi"})
	require.Error(t, err)
	class, _ := Classify(err)
	assert.Equal(t, ClassSchemaParse, class)
}

func TestCallClassifiesEmptyChoices(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices": [], "usage": {}}`))
	})
	_, _, _, err := c.Call(context.Background(), "openai:gpt-4o", domain.Query{Text: "hi"})
	require.Error(t, err)
	class, _ := Classify(err)
	assert.Equal(t, ClassSchemaParse, class)
}

func TestCallClassifiesTimeout(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, _, _, err := c.Call(ctx, "openai:gpt-4o", domain.Query{Text: "hi"})
	require.Error(t, err)
	class, ok := Classify(err)
	require.True(t, ok)
	assert.Equal(t, ClassTimeout, class)
}

func TestCallUnknownArm(t *testing.T) {
	c := New(testRegistry(t), map[string]string{}, nil)
	_, _, _, err := c.Call(context.Background(), "nope:missing", domain.Query{Text: "hi"})
	require.Error(t, err)
	class, _ := Classify(err)
	assert.Equal(t, ClassProvider, class)
}

func TestCallUnconfiguredProvider(t *testing.T) {
	c := New(testRegistry(t), map[string]string{}, nil)
	_, _, _, err := c.Call(context.Background(), "openai:gpt-4o", domain.Query{Text: "hi"})
	require.Error(t, err)
	class, _ := Classify(err)
	assert.Equal(t, ClassProvider, class)
}

func TestClassifyForeignError(t *testing.T) {
	_, ok := Classify(context.Canceled)
	assert.False(t, ok)
}
