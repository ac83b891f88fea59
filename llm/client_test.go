package llm_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c360studio/atelier/llm"
	_ "github.com/c360studio/atelier/llm/providers"
	"github.com/c360studio/atelier/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatHandler(content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": "test-model",
			"choices": []map[string]any{{
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	}
}

func statusHandler(status int, calls *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"nope"}`, status)
	}
}

func newRegistry(urls ...string) *model.Registry {
	endpoints := make(map[string]*model.EndpointConfig)
	preferred := make([]string, 0, len(urls))
	for i, url := range urls {
		name := string(rune('a' + i))
		endpoints[name] = &model.EndpointConfig{Provider: "ollama", URL: url, Model: "test-model"}
		preferred = append(preferred, name)
	}
	return model.NewRegistry(
		map[model.Capability]*model.CapabilityConfig{
			model.CapabilityDecide: {Preferred: preferred},
		},
		endpoints,
	)
}

func userRequest() llm.Request {
	return llm.Request{
		Capability: model.CapabilityDecide,
		Messages:   []llm.Message{{Role: "user", Content: "decide"}},
	}
}

func TestClient_Complete_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		chatHandler("ACCEPT")(w, r)
	}))
	defer server.Close()

	client := llm.NewClient(newRegistry(server.URL))
	resp, err := client.Complete(context.Background(), userRequest())
	require.NoError(t, err)
	assert.Equal(t, "ACCEPT", resp.Content)
	assert.Equal(t, "a", resp.Endpoint)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
}

func TestClient_Complete_Validation(t *testing.T) {
	client := llm.NewClient(newRegistry("http://unused.invalid"))

	_, err := client.Complete(context.Background(), llm.Request{Messages: []llm.Message{{Role: "user"}}})
	assert.ErrorContains(t, err, "capability is required")

	_, err = client.Complete(context.Background(), llm.Request{Capability: model.CapabilityDecide})
	assert.ErrorContains(t, err, "at least one message")
}

func TestClient_Complete_FallsBackOnTransient(t *testing.T) {
	var failCalls atomic.Int32
	failing := httptest.NewServer(statusHandler(http.StatusServiceUnavailable, &failCalls))
	defer failing.Close()
	healthy := httptest.NewServer(chatHandler("from fallback"))
	defer healthy.Close()

	registry := newRegistry(failing.URL, healthy.URL)
	client := llm.NewClient(registry)

	resp, err := client.Complete(context.Background(), userRequest())
	require.NoError(t, err)
	assert.Equal(t, "from fallback", resp.Content)
	assert.Equal(t, "b", resp.Endpoint)
	assert.Equal(t, int32(1), failCalls.Load())
	assert.Equal(t, 1, registry.GetEndpointHealth("a").FailureCount)
}

func TestClient_Complete_FatalStopsChain(t *testing.T) {
	var failCalls atomic.Int32
	unauthorized := httptest.NewServer(statusHandler(http.StatusUnauthorized, &failCalls))
	defer unauthorized.Close()

	var fallbackCalls atomic.Int32
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fallbackCalls.Add(1)
		chatHandler("unreachable")(w, r)
	}))
	defer fallback.Close()

	client := llm.NewClient(newRegistry(unauthorized.URL, fallback.URL))
	_, err := client.Complete(context.Background(), userRequest())
	require.Error(t, err)
	assert.True(t, llm.IsFatal(err))
	assert.Contains(t, err.Error(), "status 401")
	assert.Equal(t, int32(0), fallbackCalls.Load())
}

func TestClient_Complete_RetriesWithinEndpoint(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusTooManyRequests)
			return
		}
		chatHandler("third time")(w, r)
	}))
	defer server.Close()

	client := llm.NewClient(newRegistry(server.URL), llm.WithRetryConfig(llm.RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 1,
		MaxBackoff:        5 * time.Millisecond,
	}))

	resp, err := client.Complete(context.Background(), userRequest())
	require.NoError(t, err)
	assert.Equal(t, "third time", resp.Content)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_Complete_AllFail(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(statusHandler(http.StatusBadGateway, &calls))
	defer server.Close()

	client := llm.NewClient(newRegistry(server.URL))
	_, err := client.Complete(context.Background(), userRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all endpoints failed")
	assert.True(t, llm.IsTransient(err))
}

func TestClient_Complete_UnparseableBodyIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>gateway</html>"))
	}))
	defer server.Close()

	client := llm.NewClient(newRegistry(server.URL))
	_, err := client.Complete(context.Background(), userRequest())
	require.Error(t, err)
	assert.True(t, llm.IsTransient(err))
}

func TestClient_Complete_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	client := llm.NewClient(newRegistry(server.URL, server.URL))
	_, err := client.Complete(ctx, userRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_Complete_UnknownProviderIsFatal(t *testing.T) {
	registry := model.NewRegistry(
		map[model.Capability]*model.CapabilityConfig{
			model.CapabilityDecide: {Preferred: []string{"x"}},
		},
		map[string]*model.EndpointConfig{
			"x": {Provider: "carrier-pigeon", Model: "coo"},
		},
	)

	_, err := llm.NewClient(registry).Complete(context.Background(), userRequest())
	require.Error(t, err)
	assert.True(t, llm.IsFatal(err))
}
