package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/VladPil/llm-gateway/gpu"
	"github.com/VladPil/llm-gateway/presets"
	"github.com/VladPil/llm-gateway/providers"
	"github.com/VladPil/llm-gateway/providers/local"
)

// RegisterModelRequest describes an explicit provider registration.
type RegisterModelRequest struct {
	Name            string `json:"name"`
	Kind            string `json:"kind"`
	Model           string `json:"model"`
	BaseURL         string `json:"base_url"`
	APIKeyEnv       string `json:"api_key_env"`
	ContextWindow   int    `json:"context_window"`
	MaxOutputTokens int    `json:"max_output_tokens"`
	RequiredVRAMMB  int    `json:"required_vram_mb"`
	TimeoutSeconds  int    `json:"timeout_seconds"`
	Defaults        struct {
		Temperature float64 `json:"temperature"`
		TopP        float64 `json:"top_p"`
		MaxTokens   int     `json:"max_tokens"`
	} `json:"defaults"`
	Extra map[string]any `json:"extra"`
}

func (s *Server) listModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"models":  s.registry.AllModelsInfo(),
		"presets": s.catalog.Names(),
	})
}

// getModel lazily constructs preset-backed providers so that GET on a known
// preset name reports its metadata without a prior task.
func (s *Server) getModel(c *gin.Context) {
	provider, err := s.registry.GetOrCreate(c.Param("name"))
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, provider.ModelInfo())
}

func (s *Server) registerModel(c *gin.Context) {
	var req RegisterModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "validation", "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" || req.Kind == "" {
		respondError(c, http.StatusBadRequest, "validation", "name and kind are required")
		return
	}

	spec := providers.Spec{
		Name:            req.Name,
		Kind:            req.Kind,
		Model:           req.Model,
		BaseURL:         req.BaseURL,
		APIKeyEnv:       req.APIKeyEnv,
		ContextWindow:   req.ContextWindow,
		MaxOutputTokens: req.MaxOutputTokens,
		Defaults: providers.Defaults{
			Temperature: req.Defaults.Temperature,
			TopP:        req.Defaults.TopP,
			MaxTokens:   req.Defaults.MaxTokens,
		},
		HTTPTimeout:    time.Duration(req.TimeoutSeconds) * time.Second,
		RequiredVRAMMB: req.RequiredVRAMMB,
		Extra:          req.Extra,
	}
	provider, err := s.registry.Create(spec)
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusCreated, provider.ModelInfo())
}

func (s *Server) deleteModel(c *gin.Context) {
	cleanup := c.DefaultQuery("cleanup", "true") != "false"
	if err := s.registry.Unregister(c.Param("name"), cleanup); err != nil {
		mapError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) registerFromPreset(c *gin.Context) {
	var req struct {
		Preset string `json:"preset"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Preset == "" {
		respondError(c, http.StatusBadRequest, "validation", "preset name is required")
		return
	}

	preset, ok := s.catalog.Get(req.Preset)
	if !ok {
		respondError(c, http.StatusNotFound, "not_found", "unknown preset "+req.Preset)
		return
	}
	provider, err := s.registry.Create(preset.Spec())
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusCreated, provider.ModelInfo())
}

// checkCompatibility evaluates whether a preset's quantization fits the
// current VRAM headroom. A non-fitting quantization is still a 200; the
// verdict is in the body.
func (s *Server) checkCompatibility(c *gin.Context) {
	var req struct {
		Preset       string  `json:"preset"`
		Quantization string  `json:"quantization"`
		ParamsB      float64 `json:"params_b"`
		AvailableMB  int     `json:"available_mb"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "validation", "invalid request body: "+err.Error())
		return
	}

	paramsB := req.ParamsB
	quant := req.Quantization
	if req.Preset != "" {
		preset, ok := s.catalog.Get(req.Preset)
		if !ok {
			respondError(c, http.StatusNotFound, "not_found", "unknown preset "+req.Preset)
			return
		}
		if paramsB == 0 {
			paramsB = preset.ParamsB
		}
		if quant == "" {
			quant = preset.Quantization
		}
	}
	if paramsB <= 0 || quant == "" {
		respondError(c, http.StatusBadRequest, "validation", "params_b and quantization are required")
		return
	}

	availableMB := req.AvailableMB
	if availableMB == 0 {
		if s.monitor == nil {
			mapError(c, gpu.ErrGPUUnavailable)
			return
		}
		mb, err := s.monitor.AvailableMB(c.Request.Context())
		if err != nil {
			mapError(c, err)
			return
		}
		availableMB = mb
	}

	result, err := presets.CheckCompatibility(paramsB, quant, availableMB)
	if err != nil && !errors.Is(err, presets.ErrNoCompatibleQuantization) {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) loadModel(c *gin.Context) {
	provider, name, ok := s.localProvider(c)
	if !ok {
		return
	}

	var err error
	if s.manager != nil {
		err = s.manager.EnsureLoaded(c.Request.Context(), provider)
	} else {
		err = provider.LoadModel(c.Request.Context())
	}
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"model":    name,
		"loaded":   true,
		"resident": s.residentModels(),
	})
}

func (s *Server) unloadModel(c *gin.Context) {
	provider, name, ok := s.localProvider(c)
	if !ok {
		return
	}

	var err error
	if s.manager != nil {
		err = s.manager.Unload(c.Request.Context(), provider)
	} else {
		err = provider.UnloadModel(c.Request.Context())
	}
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"model":    name,
		"loaded":   false,
		"resident": s.residentModels(),
	})
}

// localProvider resolves the model named in the request body and asserts it
// is a local backend. Writes the error response itself on failure.
func (s *Server) localProvider(c *gin.Context) (*local.Provider, string, bool) {
	var req struct {
		Model string `json:"model"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Model == "" {
		respondError(c, http.StatusBadRequest, "validation", "model name is required")
		return nil, "", false
	}

	provider, err := s.registry.GetOrCreate(req.Model)
	if err != nil {
		mapError(c, err)
		return nil, "", false
	}
	lp, ok := provider.(*local.Provider)
	if !ok {
		respondError(c, http.StatusBadRequest, "validation", "model "+req.Model+" is not a local model")
		return nil, "", false
	}
	return lp, req.Model, true
}

func (s *Server) residentModels() []string {
	if s.manager == nil {
		return nil
	}
	return s.manager.Resident()
}
