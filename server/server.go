package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hupe1980/taskmesh/audit"
	"github.com/hupe1980/taskmesh/consent"
	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/orchestrator"
)

// Orchestrator is the task surface the server drives.
// *orchestrator.Orchestrator implements it.
type Orchestrator interface {
	Submit(ctx context.Context, prompt string, cfg orchestrator.Config) (string, error)
	Get(taskID string) (orchestrator.Snapshot, error)
	Cancel(taskID string) error
	Stream(ctx context.Context, taskID string, fromSeq uint64) (<-chan orchestrator.Event, error)
	Decide(ctx context.Context, taskID, tool string, granted bool, scope core.ConsentScope) error
}

// Catalog lists the currently registered tools. *tool.Registry implements it.
type Catalog interface {
	Catalog() []core.ToolDescriptor
}

// Options configure a Server.
type Options struct {
	Logger logging.Logger

	// Audit backs GET /tasks/:id/audit. Without it the route serves an
	// empty list.
	Audit audit.Log

	// Catalog backs GET /tools. An empty catalog is served without it.
	Catalog Catalog

	// Gatherer backs GET /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	// CORSOrigins lists allowed origins; "*" allows all. Empty disables CORS.
	CORSOrigins []string

	// Heartbeat is the interval of SSE comment lines and websocket pings.
	Heartbeat time.Duration

	Debug bool
}

// Server is the HTTP task API.
type Server struct {
	orch     Orchestrator
	opts     Options
	engine   *gin.Engine
	upgrader websocket.Upgrader
}

// DefaultHeartbeat is used when Options.Heartbeat is not positive.
const DefaultHeartbeat = 15 * time.Second

// New creates a Server for orch.
func New(orch Orchestrator, optFns ...func(o *Options)) *Server {
	opts := Options{
		Logger:    logging.NoOpLogger{},
		Gatherer:  prometheus.DefaultGatherer,
		Heartbeat: DefaultHeartbeat,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}

	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	if len(opts.CORSOrigins) > 0 {
		corsConfig := cors.DefaultConfig()
		if len(opts.CORSOrigins) == 1 && opts.CORSOrigins[0] == "*" {
			corsConfig.AllowAllOrigins = true
		} else {
			corsConfig.AllowOrigins = opts.CORSOrigins
		}
		corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "Last-Event-ID"}
		corsConfig.AllowWebSockets = true
		engine.Use(cors.New(corsConfig))
	}

	s := &Server{
		orch:   orch,
		opts:   opts,
		engine: engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.routes()

	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.health)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))
	s.engine.GET("/tools", s.tools)

	tasks := s.engine.Group("/tasks")
	{
		tasks.POST("", s.submit)
		tasks.GET("/:id", s.get)
		tasks.GET("/:id/events", s.sse)
		tasks.GET("/:id/ws", s.ws)
		tasks.POST("/:id/cancel", s.cancel)
		tasks.POST("/:id/consent", s.consent)
		tasks.GET("/:id/audit", s.replay)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done and then shuts down,
// giving open requests up to shutdownTimeout to finish.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.opts.Logger.Info("server.listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen on %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	s.opts.Logger.Info("server.shutdown", "addr", addr)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) fail(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal"

	switch {
	case errors.Is(err, core.ErrTaskNotFound):
		status, code = http.StatusNotFound, "task_not_found"
	case errors.Is(err, core.ErrTaskTerminal):
		status, code = http.StatusConflict, "task_terminal"
	case errors.Is(err, orchestrator.ErrTaskActive):
		status, code = http.StatusConflict, "task_active"
	case errors.Is(err, orchestrator.ErrInvalidConfig):
		status, code = http.StatusBadRequest, "invalid_config"
	case errors.Is(err, consent.ErrInvalidResolution):
		status, code = http.StatusBadRequest, "invalid_consent"
	}

	if status == http.StatusInternalServerError {
		s.opts.Logger.Error("server.request.failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"error", err.Error(),
		)
	}
	c.AbortWithStatusJSON(status, errorResponse{Error: err.Error(), Code: code})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "invalid_request"})
}
