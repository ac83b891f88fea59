package providers

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/c360studio/atelier/llm"
	"github.com/c360studio/atelier/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvidersRegistered(t *testing.T) {
	for _, name := range []string{"anthropic", "ollama", "openai"} {
		assert.NotNil(t, llm.GetProvider(name), name)
	}
}

func TestBuildURL(t *testing.T) {
	tests := []struct {
		name     string
		provider llm.Provider
		baseURL  string
		want     string
	}{
		{"anthropic default", &AnthropicProvider{}, "", "https://api.anthropic.com/v1/messages"},
		{"anthropic trailing slash", &AnthropicProvider{}, "https://proxy.local/", "https://proxy.local/v1/messages"},
		{"ollama default", &OllamaProvider{}, "", "http://localhost:11434/v1/chat/completions"},
		{"ollama custom", &OllamaProvider{}, "http://gpu:8080/v1/", "http://gpu:8080/v1/chat/completions"},
		{"ollama full path kept", &OllamaProvider{}, "http://gpu:8080/v1/chat/completions", "http://gpu:8080/v1/chat/completions"},
		{"openai default", &OpenAIProvider{}, "", "https://api.openai.com/v1/chat/completions"},
		{"openrouter", &OpenAIProvider{}, "https://openrouter.ai/api/v1", "https://openrouter.ai/api/v1/chat/completions"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.provider.BuildURL(tt.baseURL))
		})
	}
}

func TestAnthropicBuildRequestBody(t *testing.T) {
	p := &AnthropicProvider{}
	temp := 0.2

	body, err := p.BuildRequestBody("claude-sonnet", []llm.Message{
		{Role: "system", Content: "You are a dispatcher."},
		{Role: "user", Content: "Plan this."},
	}, &temp, 0)
	require.NoError(t, err)

	var req anthropicRequest
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, "You are a dispatcher.", req.System)
	assert.Equal(t, anthropicMaxTokens, req.MaxTokens)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "user", req.Messages[0].Role)
	require.NotNil(t, req.Temperature)
	assert.InDelta(t, 0.2, *req.Temperature, 1e-9)
}

func TestAnthropicParseResponse(t *testing.T) {
	body := `{
		"model": "claude-sonnet",
		"content": [{"type": "text", "text": "{\"action\":"}, {"type": "text", "text": "\"DELAY_REQUEST\"}"}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 12, "output_tokens": 8}
	}`

	resp, err := (&AnthropicProvider{}).ParseResponse([]byte(body), "claude-sonnet")
	require.NoError(t, err)
	assert.Equal(t, `{"action":"DELAY_REQUEST"}`, resp.Content)
	assert.Equal(t, 20, resp.Usage.TotalTokens)
	assert.Equal(t, "end_turn", resp.FinishReason)

	_, err = (&AnthropicProvider{}).ParseResponse([]byte("not json"), "x")
	assert.Error(t, err)
}

func TestChatCompletionsBuildRequestBody(t *testing.T) {
	p := &OllamaProvider{}

	body, err := p.BuildRequestBody("qwen", []llm.Message{{Role: "user", Content: "hi"}}, nil, 0)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "max_tokens")
	assert.NotContains(t, string(body), "temperature")

	body, err = p.BuildRequestBody("qwen", []llm.Message{{Role: "user", Content: "hi"}}, nil, 256)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"max_tokens":256`)
}

func TestChatCompletionsParseResponse(t *testing.T) {
	body := `{"model":"qwen","choices":[{"message":{"content":"ok"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`

	resp, err := (&OpenAIProvider{}).ParseResponse([]byte(body), "qwen")
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 3, resp.Usage.PromptTokens)
	assert.Equal(t, "stop", resp.FinishReason)

	_, err = (&OllamaProvider{}).ParseResponse([]byte(`{"choices":[]}`), "qwen")
	assert.ErrorContains(t, err, "no choices")
}

func TestSetHeaders(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "ant-default")
	t.Setenv("OPENAI_API_KEY", "oai-default")
	t.Setenv("CUSTOM_KEY", "custom")
	t.Setenv("OPENROUTER_SITE_URL", "")
	t.Setenv("OPENROUTER_SITE_NAME", "")

	newReq := func() *http.Request {
		req, err := http.NewRequest(http.MethodPost, "http://example.invalid", nil)
		require.NoError(t, err)
		return req
	}

	t.Run("anthropic default env", func(t *testing.T) {
		req := newReq()
		(&AnthropicProvider{}).SetHeaders(req, &model.EndpointConfig{})
		assert.Equal(t, "ant-default", req.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, req.Header.Get("anthropic-version"))
	})

	t.Run("endpoint env wins", func(t *testing.T) {
		req := newReq()
		(&OpenAIProvider{}).SetHeaders(req, &model.EndpointConfig{APIKeyEnv: "CUSTOM_KEY"})
		assert.Equal(t, "Bearer custom", req.Header.Get("Authorization"))
	})

	t.Run("ollama without key", func(t *testing.T) {
		req := newReq()
		(&OllamaProvider{}).SetHeaders(req, &model.EndpointConfig{})
		assert.Empty(t, req.Header.Get("Authorization"))
	})

	t.Run("openrouter attribution", func(t *testing.T) {
		t.Setenv("OPENROUTER_SITE_URL", "https://atelier.example")
		t.Setenv("OPENROUTER_SITE_NAME", "atelier")
		req := newReq()
		(&OpenAIProvider{}).SetHeaders(req, nil)
		assert.Equal(t, "Bearer oai-default", req.Header.Get("Authorization"))
		assert.Equal(t, "https://atelier.example", req.Header.Get("HTTP-Referer"))
		assert.Equal(t, "atelier", req.Header.Get("X-Title"))
	})
}
