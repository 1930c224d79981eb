// Package local provides locally hosted GGUF model integration through an
// Ollama/llama-server compatible HTTP API, with VRAM-bounded residency
// managed by Manager.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/VladPil/llm-gateway/logger"
	"github.com/VladPil/llm-gateway/providers"
	"github.com/VladPil/llm-gateway/types"
)

// HTTP constants
const (
	chatCompletionsPath = "/v1/chat/completions"
	embeddingsPath      = "/v1/embeddings"
	modelsPath          = "/v1/models"
	generatePath        = "/api/generate"
	defaultBaseURL      = "http://localhost:11434"
	defaultKeepAlive    = "30m"
)

// Local inference runs without request parallelism and can take minutes.
const localHTTPTimeout = 600 * time.Second

// Provider serves a single GGUF model over the local inference server.
type Provider struct {
	providers.BaseProvider
	model          string
	baseURL        string
	keepAlive      string
	contextWindow  int
	maxOutput      int
	requiredVRAMMB int
	defaults       providers.Defaults
	manager        *Manager

	mu     sync.Mutex
	loaded bool
}

// New creates a local provider from a spec. The manager may be nil, in which
// case residency is left to the inference server.
func New(spec providers.Spec, manager *Manager) *Provider {
	baseURL := spec.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := spec.HTTPTimeout
	if timeout == 0 {
		timeout = localHTTPTimeout
	}
	keepAlive := defaultKeepAlive
	if ka, ok := spec.Extra["keep_alive"].(string); ok && ka != "" {
		keepAlive = ka
	}

	return &Provider{
		BaseProvider:   providers.NewBaseProvider(spec.Name, providers.KindLocal, providers.NewHTTPClient(timeout)),
		model:          spec.Model,
		baseURL:        strings.TrimSuffix(baseURL, "/"),
		keepAlive:      keepAlive,
		contextWindow:  spec.ContextWindow,
		maxOutput:      spec.MaxOutputTokens,
		requiredVRAMMB: spec.RequiredVRAMMB,
		defaults:       spec.Defaults,
		manager:        manager,
	}
}

// NewFactory returns a Factory for local presets, binding constructed
// providers to the shared residency manager.
func NewFactory(manager *Manager) providers.Factory {
	return func(spec providers.Spec) (providers.Provider, error) {
		return New(spec, manager), nil
	}
}

// RequiredVRAMMB returns the admission requirement for this model.
func (p *Provider) RequiredVRAMMB() int { return p.requiredVRAMMB }

// Local server request/response structures (OpenAI-compatible format plus
// llama-server extensions).
type localRequest struct {
	Model            string          `json:"model"`
	Messages         []localMessage  `json:"messages"`
	Temperature      float64         `json:"temperature,omitempty"`
	TopP             float64         `json:"top_p,omitempty"`
	TopK             int             `json:"top_k,omitempty"`
	MaxTokens        int             `json:"max_tokens,omitempty"`
	FrequencyPenalty float64         `json:"frequency_penalty,omitempty"`
	PresencePenalty  float64         `json:"presence_penalty,omitempty"`
	Stop             []string        `json:"stop,omitempty"`
	Seed             *int            `json:"seed,omitempty"`
	ResponseFormat   json.RawMessage `json:"response_format,omitempty"`
	Grammar          string          `json:"grammar,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	KeepAlive        string          `json:"keep_alive,omitempty"`
}

type localMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type localResponse struct {
	Model   string        `json:"model"`
	Choices []localChoice `json:"choices"`
	Usage   localUsage    `json:"usage"`
}

type localChoice struct {
	Message      localMessage `json:"message"`
	FinishReason string       `json:"finish_reason"`
}

type localUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type localStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *localUsage `json:"usage,omitempty"`
}

func (p *Provider) buildRequest(req providers.GenerationRequest, stream bool) localRequest {
	params := providers.ApplyDefaults(req.Params, p.defaults)

	messages := make([]localMessage, 0, len(req.Messages)+2)
	if req.System != "" {
		messages = append(messages, localMessage{Role: types.RoleSystem, Content: req.System})
	}
	if req.Prompt != "" {
		messages = append(messages, localMessage{Role: types.RoleUser, Content: req.Prompt})
	}
	for _, m := range req.Messages {
		messages = append(messages, localMessage{Role: m.Role, Content: m.Content})
	}

	return localRequest{
		Model:            p.model,
		Messages:         messages,
		Temperature:      params.Temperature,
		TopP:             params.TopP,
		TopK:             params.TopK,
		MaxTokens:        params.MaxTokens,
		FrequencyPenalty: params.FrequencyPenalty,
		PresencePenalty:  params.PresencePenalty,
		Stop:             params.StopSequences,
		Seed:             params.Seed,
		ResponseFormat:   params.ResponseFormat,
		Grammar:          params.Grammar,
		Stream:           stream,
		KeepAlive:        p.keepAlive,
	}
}

func (p *Provider) ensureResident(ctx context.Context) error {
	if p.manager == nil {
		return nil
	}
	return p.manager.EnsureLoaded(ctx, p)
}

// Generate performs a blocking chat completion against the local server.
func (p *Provider) Generate(ctx context.Context, req providers.GenerationRequest) (*types.GenerationResult, error) {
	if err := p.ensureResident(ctx); err != nil {
		return nil, err
	}

	body, err := p.PostJSON(ctx, p.baseURL+chatCompletionsPath, p.buildRequest(req, false), nil)
	if err != nil {
		return nil, err
	}

	var resp localResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: response contained no choices", providers.ErrGenerationFailed)
	}

	choice := resp.Choices[0]
	logger.LLMResponse(providers.KindLocal, p.Name(), resp.Usage.PromptTokens, resp.Usage.CompletionTokens, "finish_reason", choice.FinishReason)

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
	if err := p.ensureResident(ctx); err != nil {
		return nil, err
	}

	body, err := p.PostStream(ctx, p.baseURL+chatCompletionsPath, p.buildRequest(req, true), nil)
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
	var usage *localUsage

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

		var chunk localStreamChunk
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

	reason := types.FinishReasonStop
	if finishReason != nil {
		reason = normalizeFinishReason(*finishReason)
	}
	final := types.StreamChunk{Content: accumulated.String(), FinishReason: &reason}
	if usage != nil {
		final.Usage = &types.Usage{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
		}
	}
	out <- final
}

// LoadModel makes the model resident on the inference server.
func (p *Provider) LoadModel(ctx context.Context) error {
	_, err := p.PostJSON(ctx, p.baseURL+generatePath, map[string]any{
		"model":      p.model,
		"keep_alive": p.keepAlive,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to load model %s: %w", p.model, err)
	}

	p.mu.Lock()
	p.loaded = true
	p.mu.Unlock()
	logger.Info("model loaded", "model", p.Name(), "required_mb", p.requiredVRAMMB)
	return nil
}

// UnloadModel evicts the model from the inference server.
func (p *Provider) UnloadModel(ctx context.Context) error {
	_, err := p.PostJSON(ctx, p.baseURL+generatePath, map[string]any{
		"model":      p.model,
		"keep_alive": 0,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to unload model %s: %w", p.model, err)
	}

	p.mu.Lock()
	p.loaded = false
	p.mu.Unlock()
	logger.Info("model unloaded", "model", p.Name())
	return nil
}

// GenerateEmbeddings produces embedding vectors for the inputs.
func (p *Provider) GenerateEmbeddings(ctx context.Context, inputs []string) ([][]float32, error) {
	if err := p.ensureResident(ctx); err != nil {
		return nil, err
	}

	body, err := p.PostJSON(ctx, p.baseURL+embeddingsPath, map[string]any{
		"model": p.model,
		"input": inputs,
	}, nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse embeddings response: %w", err)
	}

	vectors := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vectors[i] = d.Embedding
	}
	return vectors, nil
}

// ModelInfo returns static backend metadata.
func (p *Provider) ModelInfo() types.ModelInfo {
	p.mu.Lock()
	loaded := p.loaded
	p.mu.Unlock()

	return types.ModelInfo{
		Name:                     p.Name(),
		ProviderKind:             providers.KindLocal,
		ContextWindow:            p.contextWindow,
		MaxOutputTokens:          p.maxOutput,
		SupportsStreaming:        true,
		SupportsStructuredOutput: true,
		Loaded:                   loaded,
		Extra: map[string]any{
			"model":            p.model,
			"base_url":         p.baseURL,
			"required_vram_mb": p.requiredVRAMMB,
		},
	}
}

// HealthCheck probes the models endpoint of the local server.
func (p *Provider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+modelsPath, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.HTTPClient().Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", providers.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return providers.ClassifyHTTPStatus(providers.KindLocal, resp.StatusCode, body)
	}
	return nil
}

// Cleanup evicts the model and closes idle connections.
func (p *Provider) Cleanup() error {
	p.mu.Lock()
	loaded := p.loaded
	p.mu.Unlock()

	if loaded {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.UnloadModel(ctx); err != nil {
			logger.Warn("unload during cleanup failed", "model", p.Name(), "error", err)
		}
	}
	return p.BaseProvider.Cleanup()
}

func normalizeFinishReason(reason string) string {
	switch reason {
	case "length", "max_tokens":
		return types.FinishReasonLength
	case "", "stop":
		return types.FinishReasonStop
	default:
		return reason
	}
}
