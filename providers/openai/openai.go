// Package openai provides OpenAI-compatible chat backend integration.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/VladPil/llm-gateway/logger"
	"github.com/VladPil/llm-gateway/providers"
	"github.com/VladPil/llm-gateway/types"
)

// HTTP constants
const (
	chatCompletionsPath = "/chat/completions"
	modelsPath          = "/models"
	defaultBaseURL      = "https://api.openai.com/v1"
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
)

// Provider implements the chat completions API for OpenAI and compatible
// servers (OpenRouter, vLLM, llama-server in OpenAI mode).
type Provider struct {
	providers.BaseProvider
	model         string
	baseURL       string
	apiKey        string
	contextWindow int
	maxOutput     int
	defaults      providers.Defaults
}

// New creates an OpenAI provider from a spec.
func New(spec providers.Spec) *Provider {
	baseURL := spec.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	keyEnv := spec.APIKeyEnv
	if keyEnv == "" {
		keyEnv = "OPENAI_API_KEY"
	}

	return &Provider{
		BaseProvider:  providers.NewBaseProvider(spec.Name, providers.KindOpenAI, providers.NewHTTPClient(spec.HTTPTimeout)),
		model:         spec.Model,
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		apiKey:        providers.APIKeyFromEnv(keyEnv, "OPENAI_TOKEN"),
		contextWindow: spec.ContextWindow,
		maxOutput:     spec.MaxOutputTokens,
		defaults:      spec.Defaults,
	}
}

// NewFactory returns a Factory for openai presets.
func NewFactory() providers.Factory {
	return func(spec providers.Spec) (providers.Provider, error) {
		return New(spec), nil
	}
}

// OpenAI API request/response structures
type chatRequest struct {
	Model            string          `json:"model"`
	Messages         []chatMessage   `json:"messages"`
	Temperature      float64         `json:"temperature,omitempty"`
	TopP             float64         `json:"top_p,omitempty"`
	MaxTokens        int             `json:"max_tokens,omitempty"`
	FrequencyPenalty float64         `json:"frequency_penalty,omitempty"`
	PresencePenalty  float64         `json:"presence_penalty,omitempty"`
	Stop             []string        `json:"stop,omitempty"`
	Seed             *int            `json:"seed,omitempty"`
	ResponseFormat   json.RawMessage `json:"response_format,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	StreamOptions    *streamOptions  `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
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

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage,omitempty"`
}

func (p *Provider) headers() providers.RequestHeaders {
	h := providers.RequestHeaders{}
	if p.apiKey != "" {
		h[authorizationHeader] = bearerPrefix + p.apiKey
	}
	return h
}

func (p *Provider) buildRequest(req providers.GenerationRequest, stream bool) chatRequest {
	params := providers.ApplyDefaults(req.Params, p.defaults)

	messages := make([]chatMessage, 0, len(req.Messages)+2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	if req.Prompt != "" {
		messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})
	}
	for _, m := range req.Messages {
		messages = append(messages, chatMessage{Role: m.Role, Content: m.Content})
	}

	out := chatRequest{
		Model:            p.model,
		Messages:         messages,
		Temperature:      params.Temperature,
		TopP:             params.TopP,
		MaxTokens:        params.MaxTokens,
		FrequencyPenalty: params.FrequencyPenalty,
		PresencePenalty:  params.PresencePenalty,
		Stop:             params.StopSequences,
		Seed:             params.Seed,
		ResponseFormat:   params.ResponseFormat,
		Stream:           stream,
	}
	if stream {
		out.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return out
}

// Generate performs a blocking chat completion.
func (p *Provider) Generate(ctx context.Context, req providers.GenerationRequest) (*types.GenerationResult, error) {
	body, err := p.PostJSON(ctx, p.baseURL+chatCompletionsPath, p.buildRequest(req, false), p.headers())
	if err != nil {
		return nil, err
	}

	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: response contained no choices", providers.ErrGenerationFailed)
	}

	choice := resp.Choices[0]
	logger.LLMResponse(providers.KindOpenAI, p.Name(), resp.Usage.PromptTokens, resp.Usage.CompletionTokens, "finish_reason", choice.FinishReason)

	return &types.GenerationResult{
		Text:         choice.Message.Content,
		FinishReason: normalizeFinishReason(choice.FinishReason),
		Usage: types.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		ModelName: p.Name(),
	}, nil
}

// GenerateStream streams a chat completion over SSE.
func (p *Provider) GenerateStream(ctx context.Context, req providers.GenerationRequest) (<-chan types.StreamChunk, error) {
	body, err := p.PostStream(ctx, p.baseURL+chatCompletionsPath, p.buildRequest(req, true), p.headers())
	if err != nil {
		return nil, err
	}

	out := make(chan types.StreamChunk)
	go p.streamResponse(ctx, body, out)
	return out, nil
}

func (p *Provider) streamResponse(ctx context.Context, body io.ReadCloser, out chan<- types.StreamChunk) {
	defer close(out)
	defer body.Close()

	scanner := providers.NewSSEScanner(body)
	var accumulated strings.Builder
	var finishReason *string
	var usage *chatUsage

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			out <- types.StreamChunk{Content: accumulated.String(), Err: ctx.Err()}
			return
		default:
		}

		data := scanner.Data()
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			logger.Warn("skipping malformed stream chunk", "provider", p.Name(), "error", err)
			continue
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.FinishReason != nil {
			finishReason = choice.FinishReason
		}
		if choice.Delta.Content != "" {
			accumulated.WriteString(choice.Delta.Content)
			select {
			case out <- types.StreamChunk{Delta: choice.Delta.Content, Content: accumulated.String()}:
			case <-ctx.Done():
				out <- types.StreamChunk{Content: accumulated.String(), Err: ctx.Err()}
				return
			}
		}
	}
	if err := scanner.Err(); err != nil {
		out <- types.StreamChunk{Content: accumulated.String(), Err: fmt.Errorf("stream read failed: %w", err)}
		return
	}

	final := types.StreamChunk{Content: accumulated.String()}
	reason := types.FinishReasonStop
	if finishReason != nil {
		reason = normalizeFinishReason(*finishReason)
	}
	final.FinishReason = &reason
	if usage != nil {
		final.Usage = &types.Usage{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
		}
	}
	out <- final
}

// ModelInfo returns static backend metadata.
func (p *Provider) ModelInfo() types.ModelInfo {
	return types.ModelInfo{
		Name:                     p.Name(),
		ProviderKind:             providers.KindOpenAI,
		ContextWindow:            p.contextWindow,
		MaxOutputTokens:          p.maxOutput,
		SupportsStreaming:        true,
		SupportsStructuredOutput: true,
		Loaded:                   true,
		Extra:                    map[string]any{"model": p.model, "base_url": p.baseURL},
	}
}

// HealthCheck probes the models endpoint.
func (p *Provider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+modelsPath, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if p.apiKey != "" {
		req.Header.Set(authorizationHeader, bearerPrefix+p.apiKey)
	}

	resp, err := p.HTTPClient().Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", providers.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return providers.ClassifyHTTPStatus(providers.KindOpenAI, resp.StatusCode, body)
	}
	return nil
}

func normalizeFinishReason(reason string) string {
	switch reason {
	case "length", "max_tokens":
		return types.FinishReasonLength
	case "", "stop", "end_turn":
		return types.FinishReasonStop
	default:
		return reason
	}
}
