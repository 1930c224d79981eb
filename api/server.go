// Package api exposes the gateway's HTTP and WebSocket surface.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/VladPil/llm-gateway/config"
	"github.com/VladPil/llm-gateway/dispatcher"
	"github.com/VladPil/llm-gateway/events"
	"github.com/VladPil/llm-gateway/gpu"
	"github.com/VladPil/llm-gateway/logger"
	"github.com/VladPil/llm-gateway/metrics"
	"github.com/VladPil/llm-gateway/presets"
	"github.com/VladPil/llm-gateway/providers"
	"github.com/VladPil/llm-gateway/providers/local"
	"github.com/VladPil/llm-gateway/statestore"
)

const readHeaderTimeout = 10 * time.Second

// Server wires the HTTP surface to the gateway components. All dependencies
// are injected; the server holds no global state.
type Server struct {
	cfg        *config.Config
	store      *statestore.Store
	registry   *providers.Registry
	catalog    *presets.Catalog
	dispatcher *dispatcher.Dispatcher
	guard      *gpu.Guard
	monitor    *gpu.Monitor
	manager    *local.Manager
	bus        *events.Bus
	promReg    *prometheus.Registry

	httpServer *http.Server
}

// NewServer creates the API server.
func NewServer(
	cfg *config.Config,
	store *statestore.Store,
	registry *providers.Registry,
	catalog *presets.Catalog,
	disp *dispatcher.Dispatcher,
	guard *gpu.Guard,
	monitor *gpu.Monitor,
	manager *local.Manager,
	bus *events.Bus,
	promReg *prometheus.Registry,
) *Server {
	return &Server{
		cfg:        cfg,
		store:      store,
		registry:   registry,
		catalog:    catalog,
		dispatcher: disp,
		guard:      guard,
		monitor:    monitor,
		manager:    manager,
		bus:        bus,
		promReg:    promReg,
	}
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	if s.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	v1 := router.Group("/api/v1")
	{
		tasks := v1.Group("/tasks")
		{
			tasks.POST("/", s.createTask)
			tasks.GET("/:id", s.getTask)
			tasks.DELETE("/:id", s.deleteTask)
			tasks.GET("/:id/report", s.taskReport)
		}

		models := v1.Group("/models")
		{
			models.GET("/", s.listModels)
			models.POST("/register", s.registerModel)
			models.POST("/register-from-preset", s.registerFromPreset)
			models.POST("/check-compatibility", s.checkCompatibility)
			models.POST("/load", s.loadModel)
			models.POST("/unload", s.unloadModel)
			models.GET("/:name", s.getModel)
			models.DELETE("/:name", s.deleteModel)
		}

		conversations := v1.Group("/conversations")
		{
			conversations.POST("/", s.createConversation)
			conversations.GET("/:id", s.getConversation)
			conversations.PATCH("/:id", s.updateConversation)
			conversations.DELETE("/:id", s.deleteConversation)
			conversations.POST("/:id/messages", s.appendMessage)
			conversations.GET("/:id/messages", s.listMessages)
			conversations.DELETE("/:id/messages", s.clearMessages)
		}

		monitor := v1.Group("/monitor")
		{
			monitor.GET("/health", s.health)
			monitor.GET("/gpu", s.gpuTelemetry)
			monitor.GET("/queue", s.queueStats)
		}
	}

	router.GET("/ws/monitor", s.monitorWebSocket)
	router.GET("/metrics", gin.WrapH(metrics.Handler(s.promReg)))
	return router
}

// Run serves HTTP until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	logger.Info("http server listening", "addr", s.cfg.Addr())
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
