package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VladPil/llm-gateway/providers"
	"github.com/VladPil/llm-gateway/types"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	t.Setenv("TEST_OPENAI_KEY", "sk-test-key")
	return New(providers.Spec{
		Name:            "gpt-test",
		Kind:            providers.KindOpenAI,
		Model:           "gpt-4o-mini",
		BaseURL:         server.URL,
		APIKeyEnv:       "TEST_OPENAI_KEY",
		ContextWindow:   128000,
		MaxOutputTokens: 16384,
		Defaults:        providers.Defaults{Temperature: 0.7, TopP: 0.9, MaxTokens: 256},
	})
}

func TestGenerate(t *testing.T) {
	var captured chatRequest
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		json.NewEncoder(w).Encode(chatResponse{
			Model: "gpt-4o-mini",
			Choices: []chatChoice{{
				Message:      chatMessage{Role: "assistant", Content: "hi there"},
				FinishReason: "stop",
			}},
			Usage: chatUsage{PromptTokens: 10, CompletionTokens: 3, TotalTokens: 13},
		})
	})

	result, err := p.Generate(context.Background(), providers.GenerationRequest{
		System: "be brief",
		Messages: []types.Message{
			{Role: types.RoleUser, Content: "hello"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "hi there", result.Text)
	assert.Equal(t, types.FinishReasonStop, result.FinishReason)
	assert.Equal(t, 13, result.Usage.TotalTokens)
	assert.Equal(t, "gpt-test", result.ModelName)

	// Defaults applied to zero-valued params, system message first.
	assert.Equal(t, "gpt-4o-mini", captured.Model)
	assert.InDelta(t, 0.7, captured.Temperature, 1e-9)
	assert.Equal(t, 256, captured.MaxTokens)
	require.Len(t, captured.Messages, 2)
	assert.Equal(t, "system", captured.Messages[0].Role)
	assert.Equal(t, "user", captured.Messages[1].Role)
}

func TestGeneratePromptOnly(t *testing.T) {
	var captured chatRequest
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(chatResponse{
			Choices: []chatChoice{{Message: chatMessage{Content: "ok"}, FinishReason: "stop"}},
		})
	})

	_, err := p.Generate(context.Background(), providers.GenerationRequest{Prompt: "just a prompt"})
	require.NoError(t, err)

	require.Len(t, captured.Messages, 1)
	assert.Equal(t, "user", captured.Messages[0].Role)
	assert.Equal(t, "just a prompt", captured.Messages[0].Content)
}

func TestGenerateStructuredOutput(t *testing.T) {
	var captured chatRequest
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(chatResponse{
			Choices: []chatChoice{{Message: chatMessage{Content: `{"x":1}`}, FinishReason: "stop"}},
		})
	})

	format := json.RawMessage(`{"type":"json_object"}`)
	_, err := p.Generate(context.Background(), providers.GenerationRequest{
		Prompt: "give json",
		Params: types.GenerationParams{ResponseFormat: format},
	})
	require.NoError(t, err)
	assert.JSONEq(t, string(format), string(captured.ResponseFormat))
}

func TestGenerateErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, providers.ErrAuthentication},
		{http.StatusTooManyRequests, providers.ErrTokenLimit},
		{http.StatusServiceUnavailable, providers.ErrUnavailable},
	}
	for _, tc := range tests {
		p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		})
		_, err := p.Generate(context.Background(), providers.GenerationRequest{Prompt: "x"})
		assert.ErrorIs(t, err, tc.want)
	}
}

func TestGenerateEmptyChoices(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(chatResponse{})
	})

	_, err := p.Generate(context.Background(), providers.GenerationRequest{Prompt: "x"})
	assert.ErrorIs(t, err, providers.ErrGenerationFailed)
}

func TestGenerateStream(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"choices":[{"delta":{"content":"hel"},"finish_reason":null}]}` + "\n\n"))
		w.Write([]byte(`data: {"choices":[{"delta":{"content":"lo"},"finish_reason":null}]}` + "\n\n"))
		w.Write([]byte(`data: {"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}` + "\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	})

	ch, err := p.GenerateStream(context.Background(), providers.GenerationRequest{Prompt: "hi"})
	require.NoError(t, err)

	var deltas []string
	var final *types.StreamChunk
	for chunk := range ch {
		require.NoError(t, chunk.Err)
		if chunk.FinishReason != nil {
			c := chunk
			final = &c
			continue
		}
		deltas = append(deltas, chunk.Delta)
	}

	assert.Equal(t, []string{"hel", "lo"}, deltas)
	require.NotNil(t, final)
	assert.Equal(t, "hello", final.Content)
	assert.Equal(t, types.FinishReasonStop, *final.FinishReason)
	require.NotNil(t, final.Usage)
	assert.Equal(t, 7, final.Usage.TotalTokens)
}

func TestHealthCheck(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		w.Write([]byte(`{"data":[]}`))
	})
	assert.NoError(t, p.HealthCheck(context.Background()))
}

func TestHealthCheckUnavailable(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	assert.ErrorIs(t, p.HealthCheck(context.Background()), providers.ErrUnavailable)
}

func TestNormalizeFinishReason(t *testing.T) {
	assert.Equal(t, types.FinishReasonLength, normalizeFinishReason("length"))
	assert.Equal(t, types.FinishReasonStop, normalizeFinishReason("stop"))
	assert.Equal(t, types.FinishReasonStop, normalizeFinishReason(""))
	assert.Equal(t, "content_filter", normalizeFinishReason("content_filter"))
}
