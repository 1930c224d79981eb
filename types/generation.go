package types

import "encoding/json"

// Finish reasons reported by providers.
const (
	FinishReasonStop   = "stop"
	FinishReasonLength = "length"
	FinishReasonError  = "error"
)

// GenerationParams is the bag of sampling knobs passed through to providers.
// Zero values mean "use the provider default"; pointers distinguish unset from
// explicit zero where that matters.
type GenerationParams struct {
	Temperature      float64         `json:"temperature,omitempty"`
	MaxTokens        int             `json:"max_tokens,omitempty"`
	TopP             float64         `json:"top_p,omitempty"`
	TopK             int             `json:"top_k,omitempty"`
	FrequencyPenalty float64         `json:"frequency_penalty,omitempty"`
	PresencePenalty  float64         `json:"presence_penalty,omitempty"`
	StopSequences    []string        `json:"stop_sequences,omitempty"`
	Seed             *int            `json:"seed,omitempty"`
	ResponseFormat   json.RawMessage `json:"response_format,omitempty"`
	Grammar          string          `json:"grammar,omitempty"`
	Extra            map[string]any  `json:"extra,omitempty"`
}

// Usage reports token consumption for a single generation.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// GenerationResult is the outcome of a successful provider call.
type GenerationResult struct {
	Text         string         `json:"text"`
	FinishReason string         `json:"finish_reason"`
	Usage        Usage          `json:"usage"`
	ModelName    string         `json:"model_name"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// StreamChunk is one element of a streaming generation. The final chunk
// carries FinishReason and, when the backend reports it, Usage.
type StreamChunk struct {
	Delta        string  `json:"delta"`
	Content      string  `json:"content"`
	FinishReason *string `json:"finish_reason,omitempty"`
	Usage        *Usage  `json:"usage,omitempty"`
	Err          error   `json:"-"`
}

// ModelInfo is static provider metadata surfaced on the models API.
type ModelInfo struct {
	Name                     string         `json:"name"`
	ProviderKind             string         `json:"provider_kind"`
	ContextWindow            int            `json:"context_window"`
	MaxOutputTokens          int            `json:"max_output_tokens"`
	SupportsStreaming        bool           `json:"supports_streaming"`
	SupportsStructuredOutput bool           `json:"supports_structured_output"`
	Loaded                   bool           `json:"loaded"`
	Extra                    map[string]any `json:"extra,omitempty"`
}
