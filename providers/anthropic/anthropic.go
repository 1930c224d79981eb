// Package anthropic provides Anthropic Claude backend integration.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/VladPil/llm-gateway/logger"
	"github.com/VladPil/llm-gateway/providers"
	"github.com/VladPil/llm-gateway/types"
)

// HTTP constants
const (
	messagesPath        = "/messages"
	defaultBaseURL      = "https://api.anthropic.com/v1"
	apiKeyHeader        = "X-Api-Key"
	versionHeader       = "Anthropic-Version"
	anthropicAPIVersion = "2023-06-01"
	textDeltaType       = "text_delta"
)

// Provider implements the Anthropic Messages API.
type Provider struct {
	providers.BaseProvider
	model         string
	baseURL       string
	apiKey        string
	contextWindow int
	maxOutput     int
	defaults      providers.Defaults
}

// New creates an Anthropic provider from a spec.
func New(spec providers.Spec) *Provider {
	baseURL := spec.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	keyEnv := spec.APIKeyEnv
	if keyEnv == "" {
		keyEnv = "ANTHROPIC_API_KEY"
	}

	return &Provider{
		BaseProvider:  providers.NewBaseProvider(spec.Name, providers.KindAnthropic, providers.NewHTTPClient(spec.HTTPTimeout)),
		model:         spec.Model,
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		apiKey:        providers.APIKeyFromEnv(keyEnv, "CLAUDE_API_KEY"),
		contextWindow: spec.ContextWindow,
		maxOutput:     spec.MaxOutputTokens,
		defaults:      spec.Defaults,
	}
}

// NewFactory returns a Factory for anthropic presets.
func NewFactory() providers.Factory {
	return func(spec providers.Spec) (providers.Provider, error) {
		return New(spec), nil
	}
}

// Anthropic API request/response structures
type messagesRequest struct {
	Model         string          `json:"model"`
	Messages      []claudeMessage `json:"messages"`
	System        string          `json:"system,omitempty"`
	MaxTokens     int             `json:"max_tokens"`
	Temperature   float64         `json:"temperature,omitempty"`
	TopP          float64         `json:"top_p,omitempty"`
	TopK          int             `json:"top_k,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      claudeUsage    `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// streamEvent covers the subset of SSE event payloads the gateway consumes:
// content_block_delta, message_delta and message_stop.
type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage *claudeUsage `json:"usage,omitempty"`
}

func (p *Provider) headers() providers.RequestHeaders {
	return providers.RequestHeaders{
		apiKeyHeader:  p.apiKey,
		versionHeader: anthropicAPIVersion,
	}
}

func (p *Provider) buildRequest(req providers.GenerationRequest, stream bool) messagesRequest {
	params := providers.ApplyDefaults(req.Params, p.defaults)
	if params.MaxTokens == 0 {
		// max_tokens is mandatory in the Messages API.
		params.MaxTokens = 1024
	}

	messages := make([]claudeMessage, 0, len(req.Messages)+1)
	if req.Prompt != "" {
		messages = append(messages, claudeMessage{Role: types.RoleUser, Content: req.Prompt})
	}
	for _, m := range req.Messages {
		if m.Role == types.RoleSystem {
			continue
		}
		messages = append(messages, claudeMessage{Role: m.Role, Content: m.Content})
	}

	system := req.System
	if system == "" {
		for _, m := range req.Messages {
			if m.Role == types.RoleSystem {
				system = m.Content
				break
			}
		}
	}

	return messagesRequest{
		Model:         p.model,
		Messages:      messages,
		System:        system,
		MaxTokens:     params.MaxTokens,
		Temperature:   params.Temperature,
		TopP:          params.TopP,
		TopK:          params.TopK,
		StopSequences: params.StopSequences,
		Stream:        stream,
	}
}

// Generate performs a blocking messages call.
func (p *Provider) Generate(ctx context.Context, req providers.GenerationRequest) (*types.GenerationResult, error) {
	body, err := p.PostJSON(ctx, p.baseURL+messagesPath, p.buildRequest(req, false), p.headers())
	if err != nil {
		return nil, err
	}

	var resp messagesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	logger.LLMResponse(providers.KindAnthropic, p.Name(), resp.Usage.InputTokens, resp.Usage.OutputTokens, "stop_reason", resp.StopReason)

	return &types.GenerationResult{
		Text:         text.String(),
		FinishReason: normalizeStopReason(resp.StopReason),
		Usage: types.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		ModelName: p.Name(),
	}, nil
}

// GenerateStream streams a messages response over SSE.
func (p *Provider) GenerateStream(ctx context.Context, req providers.GenerationRequest) (<-chan types.StreamChunk, error) {
	body, err := p.PostStream(ctx, p.baseURL+messagesPath, p.buildRequest(req, true), p.headers())
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
	var stopReason string
	var usage *claudeUsage

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			out <- types.StreamChunk{Content: accumulated.String(), Err: ctx.Err()}
			return
		default:
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(scanner.Data()), &event); err != nil {
			logger.Warn("skipping malformed stream event", "provider", p.Name(), "error", err)
			continue
		}

		switch event.Type {
		case "content_block_delta":
			if event.Delta.Type != textDeltaType || event.Delta.Text == "" {
				continue
			}
			accumulated.WriteString(event.Delta.Text)
			select {
			case out <- types.StreamChunk{Delta: event.Delta.Text, Content: accumulated.String()}:
			case <-ctx.Done():
				out <- types.StreamChunk{Content: accumulated.String(), Err: ctx.Err()}
				return
			}
		case "message_delta":
			if event.Delta.StopReason != "" {
				stopReason = event.Delta.StopReason
			}
			if event.Usage != nil {
				usage = event.Usage
			}
		case "message_stop":
			// Terminal event; the final chunk is emitted after the loop.
		}
	}
	if err := scanner.Err(); err != nil {
		out <- types.StreamChunk{Content: accumulated.String(), Err: fmt.Errorf("stream read failed: %w", err)}
		return
	}

	reason := normalizeStopReason(stopReason)
	final := types.StreamChunk{Content: accumulated.String(), FinishReason: &reason}
	if usage != nil {
		final.Usage = &types.Usage{
			PromptTokens:     usage.InputTokens,
			CompletionTokens: usage.OutputTokens,
			TotalTokens:      usage.InputTokens + usage.OutputTokens,
		}
	}
	out <- final
}

// ModelInfo returns static backend metadata.
func (p *Provider) ModelInfo() types.ModelInfo {
	return types.ModelInfo{
		Name:              p.Name(),
		ProviderKind:      providers.KindAnthropic,
		ContextWindow:     p.contextWindow,
		MaxOutputTokens:   p.maxOutput,
		SupportsStreaming: true,
		Loaded:            true,
		Extra:             map[string]any{"model": p.model, "base_url": p.baseURL},
	}
}

// HealthCheck issues a minimal generation to verify credentials and
// reachability. Anthropic exposes no dedicated health endpoint.
func (p *Provider) HealthCheck(ctx context.Context) error {
	probe := messagesRequest{
		Model:     p.model,
		Messages:  []claudeMessage{{Role: types.RoleUser, Content: "ping"}},
		MaxTokens: 1,
	}
	_, err := p.PostJSON(ctx, p.baseURL+messagesPath, probe, p.headers())
	return err
}

func normalizeStopReason(reason string) string {
	switch reason {
	case "max_tokens":
		return types.FinishReasonLength
	case "", "end_turn", "stop_sequence":
		return types.FinishReasonStop
	default:
		return reason
	}
}
