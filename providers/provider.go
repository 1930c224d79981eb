// Package providers implements multi-LLM backend support with a unified
// interface.
//
// This package provides a common abstraction over chat-based LLM backends
// including OpenAI-compatible APIs, Anthropic, and locally hosted GGUF models.
// It handles:
//   - Synchronous and streaming generation with a shared request shape
//   - Lazy provider construction from a preset catalog
//   - Health checks and resource cleanup
//
// All backends implement the Provider interface. Capabilities beyond the base
// set (model load/unload, embeddings) are extension interfaces that callers
// probe for with a type assertion.
package providers

import (
	"context"
	"net/http"
	"time"

	"github.com/VladPil/llm-gateway/types"
)

// Provider kinds.
const (
	KindOpenAI    = "openai"
	KindAnthropic = "anthropic"
	KindLocal     = "local"
	KindEcho      = "echo"
)

// GenerationRequest is the unified request passed to any provider. Exactly
// one of Prompt or Messages is set; System is optional and prepended by the
// backend in its native form.
type GenerationRequest struct {
	Prompt   string                 `json:"prompt,omitempty"`
	Messages []types.Message        `json:"messages,omitempty"`
	System   string                 `json:"system,omitempty"`
	Params   types.GenerationParams `json:"params"`
}

// Provider is the contract the dispatcher requires from any backend.
type Provider interface {
	// Generate performs a blocking generation. It may run for minutes on
	// large prompts; cancellation arrives through ctx.
	Generate(ctx context.Context, req GenerationRequest) (*types.GenerationResult, error)

	// GenerateStream returns a finite, non-restartable chunk sequence.
	// The last chunk carries FinishReason and, when available, Usage.
	GenerateStream(ctx context.Context, req GenerationRequest) (<-chan types.StreamChunk, error)

	// ModelInfo returns static backend metadata.
	ModelInfo() types.ModelInfo

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Cleanup releases external resources. It must be idempotent.
	Cleanup() error
}

// ModelLoader is an extension capability of backends that manage resident
// model memory (local GGUF models).
type ModelLoader interface {
	LoadModel(ctx context.Context) error
	UnloadModel(ctx context.Context) error
}

// VRAMEstimator is an extension capability of backends that know their
// resident memory requirement in megabytes.
type VRAMEstimator interface {
	RequiredVRAMMB() int
}

// EmbeddingProvider is an extension capability of backends that can produce
// embedding vectors.
type EmbeddingProvider interface {
	GenerateEmbeddings(ctx context.Context, inputs []string) ([][]float32, error)
}

// Defaults holds fallback generation parameters applied to zero-valued
// request fields.
type Defaults struct {
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// Spec holds the configuration needed to construct a provider instance.
// Preset catalog entries resolve to a Spec; explicit registration builds one
// directly from the API request.
type Spec struct {
	Name            string
	Kind            string
	Model           string
	BaseURL         string
	APIKeyEnv       string
	ContextWindow   int
	MaxOutputTokens int
	Defaults        Defaults
	HTTPTimeout     time.Duration
	// RequiredVRAMMB is the admission requirement for local models, 0 for
	// cloud backends.
	RequiredVRAMMB int
	Extra          map[string]any
}

// SpecSource resolves a model name to a construction spec. The preset
// catalog implements this; the registry consults it on lazy lookup.
type SpecSource interface {
	Resolve(name string) (Spec, bool)
}

// Factory constructs a provider from a spec.
type Factory func(spec Spec) (Provider, error)

// ApplyDefaults fills zero-valued sampling parameters from provider defaults.
func ApplyDefaults(params types.GenerationParams, d Defaults) types.GenerationParams {
	if params.Temperature == 0 {
		params.Temperature = d.Temperature
	}
	if params.TopP == 0 {
		params.TopP = d.TopP
	}
	if params.MaxTokens == 0 {
		params.MaxTokens = d.MaxTokens
	}
	return params
}

// NewHTTPClient builds the HTTP client shared by cloud backends.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &http.Client{Timeout: timeout}
}
