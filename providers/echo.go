package providers

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/VladPil/llm-gateway/types"
)

// EchoProvider is a deterministic in-process backend used in tests and local
// development. It echoes the last user message back with a configurable delay
// and can be primed with canned responses or failures.
type EchoProvider struct {
	mu        sync.Mutex
	name      string
	delay     time.Duration
	chunkSize int
	responses []string
	calls     int
	failWith  error
}

// EchoOption configures an EchoProvider.
type EchoOption func(*EchoProvider)

// WithEchoDelay sets the artificial latency before responding.
func WithEchoDelay(d time.Duration) EchoOption {
	return func(e *EchoProvider) { e.delay = d }
}

// WithEchoResponses primes canned responses, consumed in order. When
// exhausted the provider falls back to echoing.
func WithEchoResponses(responses ...string) EchoOption {
	return func(e *EchoProvider) { e.responses = responses }
}

// WithEchoError makes every generation fail with err.
func WithEchoError(err error) EchoOption {
	return func(e *EchoProvider) { e.failWith = err }
}

// WithEchoChunkSize sets the streaming chunk size in bytes.
func WithEchoChunkSize(n int) EchoOption {
	return func(e *EchoProvider) { e.chunkSize = n }
}

// NewEchoProvider creates an echo provider.
func NewEchoProvider(name string, opts ...EchoOption) *EchoProvider {
	e := &EchoProvider{name: name, chunkSize: 8}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewEchoFactory returns a Factory for echo presets.
func NewEchoFactory() Factory {
	return func(spec Spec) (Provider, error) {
		return NewEchoProvider(spec.Name), nil
	}
}

// Calls returns how many generations have been requested.
func (e *EchoProvider) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func (e *EchoProvider) nextResponse(req GenerationRequest) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++

	if e.failWith != nil {
		return "", e.failWith
	}
	if len(e.responses) > 0 {
		resp := e.responses[0]
		e.responses = e.responses[1:]
		return resp, nil
	}
	if req.Prompt != "" {
		return req.Prompt, nil
	}
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == types.RoleUser {
			return req.Messages[i].Content, nil
		}
	}
	return "", nil
}

// Generate echoes the last user input.
func (e *EchoProvider) Generate(ctx context.Context, req GenerationRequest) (*types.GenerationResult, error) {
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	text, err := e.nextResponse(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}

	promptTokens := approximateTokens(req)
	completionTokens := len(strings.Fields(text))
	return &types.GenerationResult{
		Text:         text,
		FinishReason: types.FinishReasonStop,
		Usage: types.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
		ModelName: e.name,
	}, nil
}

// GenerateStream echoes the last user input in fixed-size chunks.
func (e *EchoProvider) GenerateStream(ctx context.Context, req GenerationRequest) (<-chan types.StreamChunk, error) {
	text, err := e.nextResponse(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}

	ch := make(chan types.StreamChunk)
	go func() {
		defer close(ch)

		if e.delay > 0 {
			select {
			case <-time.After(e.delay):
			case <-ctx.Done():
				ch <- types.StreamChunk{Err: ctx.Err()}
				return
			}
		}

		var sent strings.Builder
		for i := 0; i < len(text); i += e.chunkSize {
			end := i + e.chunkSize
			if end > len(text) {
				end = len(text)
			}
			sent.WriteString(text[i:end])

			select {
			case ch <- types.StreamChunk{Delta: text[i:end], Content: sent.String()}:
			case <-ctx.Done():
				ch <- types.StreamChunk{Err: ctx.Err()}
				return
			}
		}

		reason := types.FinishReasonStop
		promptTokens := approximateTokens(req)
		completionTokens := len(strings.Fields(text))
		ch <- types.StreamChunk{
			Content:      text,
			FinishReason: &reason,
			Usage: &types.Usage{
				PromptTokens:     promptTokens,
				CompletionTokens: completionTokens,
				TotalTokens:      promptTokens + completionTokens,
			},
		}
	}()
	return ch, nil
}

// ModelInfo returns echo backend metadata.
func (e *EchoProvider) ModelInfo() types.ModelInfo {
	return types.ModelInfo{
		Name:              e.name,
		ProviderKind:      KindEcho,
		ContextWindow:     32768,
		MaxOutputTokens:   4096,
		SupportsStreaming: true,
		Loaded:            true,
	}
}

// HealthCheck always succeeds.
func (e *EchoProvider) HealthCheck(ctx context.Context) error { return nil }

// Cleanup is a no-op.
func (e *EchoProvider) Cleanup() error { return nil }

func approximateTokens(req GenerationRequest) int {
	n := len(strings.Fields(req.Prompt)) + len(strings.Fields(req.System))
	for _, m := range req.Messages {
		n += len(strings.Fields(m.Content))
	}
	return n
}
