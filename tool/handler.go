package tool

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hupe1980/taskmesh/core"
)

// ProviderHandler exposes a Provider over the HTTP discovery protocol so
// in-process tools can be shared with other taskmesh instances.
type ProviderHandler struct {
	provider Provider
	engine   *gin.Engine
}

// NewProviderHandler creates a handler for p.
func NewProviderHandler(p Provider) *ProviderHandler {
	h := &ProviderHandler{provider: p}

	engine := gin.New()
	engine.Use(gin.Recovery())
	h.Register(engine)
	h.engine = engine

	return h
}

// Register mounts the discovery routes on r.
func (h *ProviderHandler) Register(r gin.IRoutes) {
	r.GET("/tools", h.list)
	r.POST("/tools/:name/invoke", h.invoke)
}

// ServeHTTP implements http.Handler.
func (h *ProviderHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.engine.ServeHTTP(w, r)
}

func (h *ProviderHandler) list(c *gin.Context) {
	descs, err := h.provider.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, invokeResponse{Error: err.Error(), Code: CodeUnavailable, Transient: true})
		return
	}
	if descs == nil {
		descs = []core.ToolDescriptor{}
	}
	c.JSON(http.StatusOK, descs)
}

func (h *ProviderHandler) invoke(c *gin.Context) {
	var req invokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, invokeResponse{Error: err.Error(), Code: CodeValidation})
		return
	}

	out, err := h.provider.Invoke(c.Request.Context(), c.Param("name"), req.Version, req.Input)
	if err == nil {
		c.JSON(http.StatusOK, invokeResponse{Output: out})
		return
	}

	var te *core.ToolError
	switch {
	case errors.Is(err, core.ErrToolNotFound):
		c.JSON(http.StatusNotFound, invokeResponse{Error: err.Error(), Code: CodeNotFound})
	case errors.As(err, &te) && te.Transient:
		c.JSON(http.StatusServiceUnavailable, invokeResponse{Error: te.Message, Code: te.Code, Transient: true})
	case errors.As(err, &te):
		c.JSON(http.StatusUnprocessableEntity, invokeResponse{Error: te.Message, Code: te.Code})
	default:
		c.JSON(http.StatusInternalServerError, invokeResponse{Error: err.Error(), Code: CodeExecution, Transient: true})
	}
}
