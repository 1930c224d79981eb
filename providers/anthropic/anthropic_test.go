package anthropic

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

	t.Setenv("TEST_ANTHROPIC_KEY", "sk-ant-test")
	return New(providers.Spec{
		Name:            "claude-test",
		Kind:            providers.KindAnthropic,
		Model:           "claude-3-5-haiku-latest",
		BaseURL:         server.URL,
		APIKeyEnv:       "TEST_ANTHROPIC_KEY",
		ContextWindow:   200000,
		MaxOutputTokens: 8192,
		Defaults:        providers.Defaults{Temperature: 0.5, MaxTokens: 512},
	})
}

func TestGenerate(t *testing.T) {
	var captured messagesRequest
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "sk-ant-test", r.Header.Get("X-Api-Key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("Anthropic-Version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		json.NewEncoder(w).Encode(messagesResponse{
			Content:    []contentBlock{{Type: "text", Text: "pong"}},
			StopReason: "end_turn",
			Usage:      claudeUsage{InputTokens: 8, OutputTokens: 1},
		})
	})

	result, err := p.Generate(context.Background(), providers.GenerationRequest{
		System: "terse answers",
		Messages: []types.Message{
			{Role: types.RoleUser, Content: "ping"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "pong", result.Text)
	assert.Equal(t, types.FinishReasonStop, result.FinishReason)
	assert.Equal(t, 9, result.Usage.TotalTokens)

	assert.Equal(t, "claude-3-5-haiku-latest", captured.Model)
	assert.Equal(t, "terse answers", captured.System)
	assert.Equal(t, 512, captured.MaxTokens)
	require.Len(t, captured.Messages, 1)
	assert.Equal(t, "user", captured.Messages[0].Role)
}

func TestGenerateSystemFromMessages(t *testing.T) {
	var captured messagesRequest
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(messagesResponse{
			Content:    []contentBlock{{Type: "text", Text: "ok"}},
			StopReason: "end_turn",
		})
	})

	_, err := p.Generate(context.Background(), providers.GenerationRequest{
		Messages: []types.Message{
			{Role: types.RoleSystem, Content: "you are a bot"},
			{Role: types.RoleUser, Content: "hi"},
		},
	})
	require.NoError(t, err)

	// System messages move into the dedicated field, never the array.
	assert.Equal(t, "you are a bot", captured.System)
	require.Len(t, captured.Messages, 1)
	assert.Equal(t, "user", captured.Messages[0].Role)
}

func TestGenerateMaxTokensFallback(t *testing.T) {
	var captured messagesRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		json.NewEncoder(w).Encode(messagesResponse{StopReason: "end_turn"})
	}))
	defer server.Close()

	p := New(providers.Spec{Name: "c", Kind: providers.KindAnthropic, Model: "m", BaseURL: server.URL})
	_, err := p.Generate(context.Background(), providers.GenerationRequest{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, 1024, captured.MaxTokens)
}

func TestGenerateAuthError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"type":"authentication_error"}}`))
	})

	_, err := p.Generate(context.Background(), providers.GenerationRequest{Prompt: "x"})
	assert.ErrorIs(t, err, providers.ErrAuthentication)
}

func TestGenerateStream(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"type":"message_start"}` + "\n\n"))
		w.Write([]byte(`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"po"}}` + "\n\n"))
		w.Write([]byte(`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"ng"}}` + "\n\n"))
		w.Write([]byte(`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"input_tokens":8,"output_tokens":2}}` + "\n\n"))
		w.Write([]byte(`data: {"type":"message_stop"}` + "\n\n"))
	})

	ch, err := p.GenerateStream(context.Background(), providers.GenerationRequest{Prompt: "ping"})
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

	assert.Equal(t, []string{"po", "ng"}, deltas)
	require.NotNil(t, final)
	assert.Equal(t, "pong", final.Content)
	assert.Equal(t, types.FinishReasonStop, *final.FinishReason)
	require.NotNil(t, final.Usage)
	assert.Equal(t, 10, final.Usage.TotalTokens)
}

func TestHealthCheck(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var req messagesRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 1, req.MaxTokens)
		json.NewEncoder(w).Encode(messagesResponse{StopReason: "end_turn"})
	})
	assert.NoError(t, p.HealthCheck(context.Background()))
}

func TestNormalizeStopReason(t *testing.T) {
	assert.Equal(t, types.FinishReasonLength, normalizeStopReason("max_tokens"))
	assert.Equal(t, types.FinishReasonStop, normalizeStopReason("end_turn"))
	assert.Equal(t, types.FinishReasonStop, normalizeStopReason("stop_sequence"))
	assert.Equal(t, "tool_use", normalizeStopReason("tool_use"))
}
