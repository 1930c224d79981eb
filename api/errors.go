package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/VladPil/llm-gateway/dispatcher"
	"github.com/VladPil/llm-gateway/gpu"
	"github.com/VladPil/llm-gateway/logger"
	"github.com/VladPil/llm-gateway/presets"
	"github.com/VladPil/llm-gateway/providers"
	"github.com/VladPil/llm-gateway/statestore"
)

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	ErrorCode string         `json:"error_code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, ErrorResponse{ErrorCode: code, Message: message})
}

// mapError translates core errors to HTTP responses.
func mapError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, statestore.ErrNotFound):
		respondError(c, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, statestore.ErrInvalidID):
		respondError(c, http.StatusBadRequest, "validation", err.Error())
	case errors.Is(err, statestore.ErrQueueFull):
		respondError(c, http.StatusServiceUnavailable, "infrastructure_unavailable", "task queue is full")
	case errors.Is(err, providers.ErrModelNotFound), errors.Is(err, providers.ErrNotRegistered):
		respondError(c, http.StatusNotFound, "model_not_found", err.Error())
	case errors.Is(err, providers.ErrDuplicateProvider):
		respondError(c, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, dispatcher.ErrModelRequired):
		respondError(c, http.StatusBadRequest, "validation", err.Error())
	case errors.Is(err, presets.ErrUnknownQuantization):
		respondError(c, http.StatusBadRequest, "validation", err.Error())
	case errors.Is(err, gpu.ErrVRAMInsufficient):
		respondError(c, http.StatusServiceUnavailable, "vram_insufficient", err.Error())
	case errors.Is(err, gpu.ErrGPUUnavailable):
		respondError(c, http.StatusServiceUnavailable, "gpu_unavailable", err.Error())
	case errors.Is(err, providers.ErrAuthentication):
		respondError(c, http.StatusBadGateway, "provider_authentication", err.Error())
	case errors.Is(err, providers.ErrUnavailable):
		respondError(c, http.StatusBadGateway, "provider_unavailable", err.Error())
	default:
		logger.Error("unexpected handler error", "error", err)
		respondError(c, http.StatusInternalServerError, "infrastructure_unavailable", "internal server error")
	}
}
