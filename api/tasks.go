package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/VladPil/llm-gateway/dispatcher"
	"github.com/VladPil/llm-gateway/statestore"
	"github.com/VladPil/llm-gateway/types"
)

// CreateTaskRequest is the task submission body. Intake-style aliases
// (provider_config.model_name, output_schema, input_text) are folded into the
// canonical fields by normalize.
type CreateTaskRequest struct {
	Model        string          `json:"model"`
	Prompt       string          `json:"prompt"`
	Messages     []types.Message `json:"messages"`
	SystemPrompt string          `json:"system_prompt"`

	Temperature      float64         `json:"temperature"`
	MaxTokens        int             `json:"max_tokens"`
	TopP             float64         `json:"top_p"`
	TopK             int             `json:"top_k"`
	FrequencyPenalty float64         `json:"frequency_penalty"`
	PresencePenalty  float64         `json:"presence_penalty"`
	StopSequences    []string        `json:"stop_sequences"`
	Seed             *int            `json:"seed"`
	ResponseFormat   json.RawMessage `json:"response_format"`
	Grammar          string          `json:"grammar"`
	ExtraParams      map[string]any  `json:"extra_params"`

	Stream             bool   `json:"stream"`
	WebhookURL         string `json:"webhook_url"`
	IdempotencyKey     string `json:"idempotency_key"`
	Priority           int    `json:"priority"`
	ConversationID     string `json:"conversation_id"`
	SaveToConversation *bool  `json:"save_to_conversation"`

	// Intake-style compatibility aliases.
	ProviderConfig *struct {
		ModelName string `json:"model_name"`
	} `json:"provider_config"`
	OutputSchema json.RawMessage `json:"output_schema"`
	InputText    string          `json:"input_text"`
}

func (r *CreateTaskRequest) normalize() {
	if r.ProviderConfig != nil && r.ProviderConfig.ModelName != "" {
		r.Model = r.ProviderConfig.ModelName
	}
	if len(r.ResponseFormat) == 0 && len(r.OutputSchema) > 0 {
		r.ResponseFormat = r.OutputSchema
	}
	if r.InputText != "" {
		if r.Prompt != "" {
			r.Prompt = r.Prompt + "\n\n" + r.InputText
		} else {
			r.Prompt = r.InputText
		}
	}
}

func (r *CreateTaskRequest) validate() string {
	if strings.TrimSpace(r.Prompt) == "" && len(r.Messages) == 0 {
		return "either prompt or messages is required"
	}
	for _, m := range r.Messages {
		if !types.ValidRole(m.Role) {
			return "invalid message role " + m.Role
		}
	}
	return ""
}

func (r *CreateTaskRequest) toSubmit() dispatcher.SubmitRequest {
	save := true
	if r.SaveToConversation != nil {
		save = *r.SaveToConversation
	}
	return dispatcher.SubmitRequest{
		Model:        r.Model,
		Prompt:       r.Prompt,
		Messages:     r.Messages,
		SystemPrompt: r.SystemPrompt,
		Params: types.GenerationParams{
			Temperature:      r.Temperature,
			MaxTokens:        r.MaxTokens,
			TopP:             r.TopP,
			TopK:             r.TopK,
			FrequencyPenalty: r.FrequencyPenalty,
			PresencePenalty:  r.PresencePenalty,
			StopSequences:    r.StopSequences,
			Seed:             r.Seed,
			ResponseFormat:   r.ResponseFormat,
			Grammar:          r.Grammar,
			Extra:            r.ExtraParams,
		},
		WebhookURL:         r.WebhookURL,
		IdempotencyKey:     r.IdempotencyKey,
		Priority:           r.Priority,
		ConversationID:     r.ConversationID,
		SaveToConversation: save,
		Stream:             r.Stream,
	}
}

func (s *Server) createTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "validation", "invalid request body: "+err.Error())
		return
	}
	req.normalize()
	if msg := req.validate(); msg != "" {
		respondError(c, http.StatusBadRequest, "validation", msg)
		return
	}

	taskID, err := s.dispatcher.SubmitTask(c.Request.Context(), req.toSubmit())
	if err != nil {
		mapError(c, err)
		return
	}

	sess, err := s.store.GetSession(c.Request.Context(), taskID)
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (s *Server) getTask(c *gin.Context) {
	sess, err := s.store.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) deleteTask(c *gin.Context) {
	taskID := c.Param("id")
	sess, err := s.store.GetSession(c.Request.Context(), taskID)
	if err != nil {
		mapError(c, err)
		return
	}
	if !statestore.IsTerminal(sess.Status) {
		respondError(c, http.StatusConflict, "conflict", "task is not in a terminal state")
		return
	}
	if err := s.store.DeleteSession(c.Request.Context(), taskID); err != nil {
		mapError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) taskReport(c *gin.Context) {
	taskID := c.Param("id")
	sess, err := s.store.GetSession(c.Request.Context(), taskID)
	if err != nil {
		mapError(c, err)
		return
	}
	logs, err := s.store.Logs(c.Request.Context(), taskID)
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"task": sess,
		"logs": logs,
	})
}
