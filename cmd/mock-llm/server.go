package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// --- OpenAI-compatible types ---

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// capturedRequest is one served call, kept for /requests.
type capturedRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	CallIndex int           `json:"call_index"` // 1-indexed per model
	Timestamp int64         `json:"timestamp"`
}

type server struct {
	fixtures map[string]*fixture
	latency  time.Duration
	logger   *slog.Logger

	calls atomic.Int64

	mu       sync.Mutex
	byModel  map[string]int
	requests map[string][]capturedRequest
}

func newServer(fixtures map[string]*fixture, logger *slog.Logger) *server {
	return &server{
		fixtures: fixtures,
		logger:   logger,
		byModel:  make(map[string]int),
		requests: make(map[string][]capturedRequest),
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /requests", s.handleRequests)
	mux.HandleFunc("POST /reset", s.handleReset)
	return mux
}

// lookup resolves a model name, trying the exact name, then without a
// "mock-" prefix.
func (s *server) lookup(model string) (*fixture, bool) {
	if f, ok := s.fixtures[model]; ok {
		return f, true
	}
	f, ok := s.fixtures[strings.TrimPrefix(model, "mock-")]
	return f, ok
}

// record counts a call and captures it, returning its 0-based index for
// the model.
func (s *server) record(req chatRequest) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.byModel[req.Model]
	s.byModel[req.Model] = idx + 1
	s.requests[req.Model] = append(s.requests[req.Model], capturedRequest{
		Model:     req.Model,
		Messages:  req.Messages,
		CallIndex: idx + 1,
		Timestamp: time.Now().UnixMilli(),
	})
	return idx
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	callNum := s.calls.Add(1)
	f, ok := s.lookup(req.Model)
	if !ok {
		s.logger.Warn("No fixture for model", "call", callNum, "model", req.Model)
		http.Error(w, fmt.Sprintf("no fixture for model %q", req.Model), http.StatusNotFound)
		return
	}
	idx := s.record(req)

	if s.latency > 0 {
		select {
		case <-time.After(s.latency):
		case <-r.Context().Done():
			return
		}
	}

	if f.status != 0 {
		s.logger.Info("Injected failure", "call", callNum, "model", req.Model, "status", f.status)
		http.Error(w, fmt.Sprintf("injected failure for model %q", req.Model), f.status)
		return
	}

	content := f.reply(idx)
	s.logger.Info("Served completion",
		"call", callNum,
		"model", req.Model,
		"call_index", idx+1,
		"fixtures", len(f.replies),
		"bytes", len(content))

	promptChars := 0
	for _, m := range req.Messages {
		promptChars += len(m.Content)
	}
	writeJSON(w, chatResponse{
		ID:      fmt.Sprintf("mock-%d", callNum),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Message:      chatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: chatUsage{
			PromptTokens:     promptChars / 4, // rough estimate
			CompletionTokens: len(content) / 4,
			TotalTokens:      (promptChars + len(content)) / 4,
		},
	})
}

// handleModels lists fixture models (Ollama-compatible).
func (s *server) handleModels(w http.ResponseWriter, _ *http.Request) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	names := make([]string, 0, len(s.fixtures))
	for name := range s.fixtures {
		names = append(names, name)
	}
	sort.Strings(names)

	models := make([]modelEntry, 0, len(names))
	for _, name := range names {
		models = append(models, modelEntry{ID: name, Object: "model", OwnedBy: "mock-llm"})
	}
	writeJSON(w, map[string]any{"object": "list", "data": models})
}

// handleStats returns total_calls and calls_by_model.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	byModel := make(map[string]int, len(s.byModel))
	for m, n := range s.byModel {
		byModel[m] = n
	}
	s.mu.Unlock()

	writeJSON(w, map[string]any{
		"total_calls":    s.calls.Load(),
		"calls_by_model": byModel,
	})
}

// handleRequests returns captured requests. Query params:
//   - model: only this model
//   - call: only this 1-indexed call
func (s *server) handleRequests(w http.ResponseWriter, r *http.Request) {
	modelFilter := r.URL.Query().Get("model")
	callFilter, _ := strconv.Atoi(r.URL.Query().Get("call"))

	s.mu.Lock()
	result := make(map[string][]capturedRequest)
	for model, reqs := range s.requests {
		if modelFilter != "" && model != modelFilter {
			continue
		}
		for _, req := range reqs {
			if callFilter == 0 || req.CallIndex == callFilter {
				result[model] = append(result[model], req)
			}
		}
	}
	s.mu.Unlock()

	writeJSON(w, map[string]any{"requests_by_model": result})
}

// handleReset clears counters so sequential fixtures start over.
func (s *server) handleReset(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	s.byModel = make(map[string]int)
	s.requests = make(map[string][]capturedRequest)
	s.mu.Unlock()
	s.calls.Store(0)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
