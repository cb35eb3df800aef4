package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/hupe1980/taskmesh/audit"
	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/orchestrator"
)

type submitRequest struct {
	Prompt string              `json:"prompt"`
	Config orchestrator.Config `json:"config"`
}

type submitResponse struct {
	TaskID string `json:"taskId"`
}

type consentRequest struct {
	ToolName string            `json:"toolName"`
	Granted  *bool             `json:"granted"`
	Scope    core.ConsentScope `json:"scope,omitempty"`
}

type consentResponse struct {
	TaskID   string            `json:"taskId"`
	ToolName string            `json:"toolName"`
	Granted  bool              `json:"granted"`
	Scope    core.ConsentScope `json:"scope"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) tools(c *gin.Context) {
	descs := []core.ToolDescriptor{}
	if s.opts.Catalog != nil {
		descs = append(descs, s.opts.Catalog.Catalog()...)
	}
	c.JSON(http.StatusOK, descs)
}

func (s *Server) submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	id, err := s.orch.Submit(c.Request.Context(), req.Prompt, req.Config)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, submitResponse{TaskID: id})
}

func (s *Server) get(c *gin.Context) {
	snap, err := s.orch.Get(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) cancel(c *gin.Context) {
	id := c.Param("id")
	if err := s.orch.Cancel(id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"taskId": id, "cancelled": true})
}

func (s *Server) consent(c *gin.Context) {
	var req consentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.ToolName == "" {
		badRequest(c, errors.New("toolName is required"))
		return
	}
	if req.Granted == nil {
		badRequest(c, errors.New("granted is required"))
		return
	}
	if req.Scope == "" {
		req.Scope = core.ScopeOneShot
	}
	if !req.Scope.Valid() {
		badRequest(c, fmt.Errorf("invalid scope %q", req.Scope))
		return
	}

	id := c.Param("id")
	if err := s.orch.Decide(c.Request.Context(), id, req.ToolName, *req.Granted, req.Scope); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, consentResponse{
		TaskID:   id,
		ToolName: req.ToolName,
		Granted:  *req.Granted,
		Scope:    req.Scope,
	})
}

func (s *Server) replay(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.orch.Get(id); err != nil {
		s.fail(c, err)
		return
	}
	from, err := fromSeq(c)
	if err != nil {
		badRequest(c, err)
		return
	}

	entries := []audit.Entry{}
	if s.opts.Audit != nil {
		replayed, err := s.opts.Audit.Replay(c.Request.Context(), id, from)
		if err != nil {
			s.fail(c, err)
			return
		}
		entries = append(entries, replayed...)
	}
	c.JSON(http.StatusOK, entries)
}

// fromSeq reads the first sequence number a client wants: the from query
// parameter, otherwise one past the Last-Event-ID header of a reconnecting
// event source.
func fromSeq(c *gin.Context) (uint64, error) {
	if v := c.Query("from"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid from %q", v)
		}
		return n, nil
	}
	if v := c.GetHeader("Last-Event-ID"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid Last-Event-ID %q", v)
		}
		return n + 1, nil
	}
	return 0, nil
}
