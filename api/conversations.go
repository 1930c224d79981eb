package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/VladPil/llm-gateway/statestore"
	"github.com/VladPil/llm-gateway/types"
)

// CreateConversationRequest is the conversation creation body. A missing id
// gets a generated one.
type CreateConversationRequest struct {
	ConversationID string         `json:"conversation_id"`
	Model          string         `json:"model"`
	SystemPrompt   string         `json:"system_prompt"`
	Metadata       map[string]any `json:"metadata"`
}

func (s *Server) createConversation(c *gin.Context) {
	var req CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "validation", "invalid request body: "+err.Error())
		return
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.New().String()
	}

	conv := &statestore.Conversation{
		ConversationID: req.ConversationID,
		Model:          req.Model,
		SystemPrompt:   req.SystemPrompt,
		Metadata:       req.Metadata,
	}
	if err := s.store.CreateConversation(c.Request.Context(), conv); err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func (s *Server) getConversation(c *gin.Context) {
	conv, err := s.store.GetConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (s *Server) updateConversation(c *gin.Context) {
	var req struct {
		Model        string         `json:"model"`
		SystemPrompt string         `json:"system_prompt"`
		Metadata     map[string]any `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "validation", "invalid request body: "+err.Error())
		return
	}

	patch := &statestore.Conversation{
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		Metadata:     req.Metadata,
	}
	conv, err := s.store.UpdateConversation(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (s *Server) deleteConversation(c *gin.Context) {
	if err := s.store.DeleteConversation(c.Request.Context(), c.Param("id")); err != nil {
		mapError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) appendMessage(c *gin.Context) {
	var req struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "validation", "invalid request body: "+err.Error())
		return
	}
	if !types.ValidRole(req.Role) {
		respondError(c, http.StatusBadRequest, "validation", "invalid message role "+req.Role)
		return
	}

	msg := types.NewMessage(req.Role, req.Content)
	if err := s.store.AppendMessage(c.Request.Context(), c.Param("id"), msg); err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (s *Server) listMessages(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	messages, err := s.store.Messages(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conversation_id": c.Param("id"),
		"messages":        messages,
		"count":           len(messages),
	})
}

func (s *Server) clearMessages(c *gin.Context) {
	if err := s.store.ClearMessages(c.Request.Context(), c.Param("id")); err != nil {
		mapError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
