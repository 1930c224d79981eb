package statestore

import (
	"time"

	"github.com/VladPil/llm-gateway/types"
)

// Task statuses. Transitions form the DAG
// pending -> processing -> {completed, failed}; reverse transitions are a bug.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// IsTerminal reports whether status permits no further mutation.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// TaskError is the error recorded on a failed session. Code is a stable
// snake_case identifier from the gateway error taxonomy.
type TaskError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Session is the persistent record of a single task and its lifecycle.
// After creation it is mutated only by the dispatcher.
type Session struct {
	TaskID             string                  `json:"task_id"`
	Status             string                  `json:"status"`
	ModelName          string                  `json:"model_name"`
	Prompt             string                  `json:"prompt,omitempty"`
	Messages           []types.Message         `json:"messages,omitempty"`
	SystemPrompt       string                  `json:"system_prompt,omitempty"`
	Params             types.GenerationParams  `json:"params"`
	WebhookURL         string                  `json:"webhook_url,omitempty"`
	IdempotencyKey     string                  `json:"idempotency_key,omitempty"`
	ConversationID     string                  `json:"conversation_id,omitempty"`
	Priority           float64                 `json:"priority"`
	SaveToConversation bool                    `json:"save_to_conversation"`
	Stream             bool                    `json:"stream"`
	CreatedAt          time.Time               `json:"created_at"`
	UpdatedAt          time.Time               `json:"updated_at"`
	StartedAt          *time.Time              `json:"started_at,omitempty"`
	FinishedAt         *time.Time              `json:"finished_at,omitempty"`
	Result             *types.GenerationResult `json:"result,omitempty"`
	Error              *TaskError              `json:"error,omitempty"`
}

// LogEntry is a single per-task log record.
type LogEntry struct {
	TaskID    string    `json:"task_id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// QueueStats are the counters exposed on the monitoring surface.
type QueueStats struct {
	QueueDepth int    `json:"queue_depth"`
	Processing string `json:"processing,omitempty"`
}

// Conversation is the metadata record of a multi-turn conversation.
// The message list is stored separately and bounded by MaxMessages.
type Conversation struct {
	ConversationID string         `json:"conversation_id"`
	Model          string         `json:"model,omitempty"`
	SystemPrompt   string         `json:"system_prompt,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	MessageCount   int            `json:"message_count"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}
