package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/z-korp/daydreams/dispatcher/internal/db"
	"github.com/z-korp/daydreams/dispatcher/internal/engine"
	"github.com/z-korp/daydreams/dispatcher/internal/event"
	"github.com/z-korp/daydreams/dispatcher/internal/flow"
	"github.com/z-korp/daydreams/dispatcher/internal/ledger"
)

// Dispatcher runs content through the orchestrator
type Dispatcher interface {
	Run(ctx context.Context, items []flow.ContentItem, source string) ([]engine.OutputRecord, error)
}

// Server is the HTTP ingress: dispatch, task admin, ledger and event stream
type Server struct {
	dispatcher Dispatcher
	store      db.TaskStore
	ledger     *ledger.Ledger
	eventBus   *event.Bus
	logger     *zap.SugaredLogger
	router     *gin.Engine
}

// NewServer creates the server and registers its routes
func NewServer(
	dispatcher Dispatcher,
	store db.TaskStore,
	steps *ledger.Ledger,
	eventBus *event.Bus,
	logger *zap.SugaredLogger,
) *Server {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	s := &Server{
		dispatcher: dispatcher,
		store:      store,
		ledger:     steps,
		eventBus:   eventBus,
		logger:     logger,
		router:     router,
	}

	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		v1.POST("/dispatch", s.handleDispatch)

		v1.POST("/tasks", s.handleCreateTask)
		v1.GET("/tasks", s.handleListTasks)
		v1.GET("/tasks/:id", s.handleGetTask)
		v1.DELETE("/tasks", s.handleDeleteTasks)

		v1.GET("/steps", s.handleListSteps)
		v1.GET("/steps/:id", s.handleGetStep)

		v1.GET("/events", s.handleEvents)
	}

	return s
}

// Handler returns the http.Handler serving all routes
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func requestLogger(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if c.Request.URL.Path == "/healthz" || c.Request.URL.Path == "/metrics" {
			return
		}
		logger.Debugw("HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
		)
	}
}

func abortWithError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
