// Package api contains the HTTP handlers for the workflow service
package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/machshop/workflow/internal/auth"
	"github.com/machshop/workflow/internal/engine"
	"github.com/machshop/workflow/pkg/models"
)

// Server holds the dependencies for the API server.
type Server struct {
	Engine *engine.Engine
}

// NewServer creates a new Server.
func NewServer(eng *engine.Engine) *Server {
	return &Server{Engine: eng}
}

// Register mounts the workflow routes under /api/v1/workflow with the given
// middleware applied.
func (s *Server) Register(e *echo.Echo, mw ...echo.MiddlewareFunc) {
	g := e.Group("/api/v1/workflow", mw...)
	g.POST("/definitions", s.DefineWorkflow)
	g.POST("/instances", s.StartInstance)
	g.GET("/instances/:id", s.GetInstance)
	g.POST("/instances/:id/cancel", s.CancelInstance)
	g.POST("/instances/:id/hold", s.HoldInstance)
	g.POST("/instances/:id/resume", s.ResumeInstance)
	g.GET("/instances/:id/history", s.GetHistory)
	g.POST("/assignments/:id/act", s.Act)
	g.POST("/assignments/:id/delegate", s.Delegate)
	g.GET("/tasks", s.ListTasks)
	g.POST("/delegations", s.RegisterDelegation)
	g.GET("/metrics", s.GetMetrics)
}

// DefineWorkflow creates a workflow definition
// (POST /api/v1/workflow/definitions)
func (s *Server) DefineWorkflow(c echo.Context) error {
	ctx := c.Request().Context()

	var def models.WorkflowDefinition
	if err := c.Bind(&def); err != nil {
		return problem(c, http.StatusBadRequest, "invalid request body", err)
	}
	def.CreatedBy = auth.Actor(ctx)

	id, err := s.Engine.DefineWorkflow(ctx, &def)
	if err != nil {
		return engineError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": id})
}

// StartInstanceRequest is the body for starting a workflow instance.
type StartInstanceRequest struct {
	DefinitionID string         `json:"definition_id"`
	EntityType   string         `json:"entity_type"`
	EntityID     string         `json:"entity_id"`
	ContextData  map[string]any `json:"context_data"`
}

// StartInstance starts a workflow for a business entity
// (POST /api/v1/workflow/instances)
func (s *Server) StartInstance(c echo.Context) error {
	ctx := c.Request().Context()

	var req StartInstanceRequest
	if err := c.Bind(&req); err != nil {
		return problem(c, http.StatusBadRequest, "invalid request body", err)
	}
	if req.DefinitionID == "" || req.EntityType == "" || req.EntityID == "" {
		return problem(c, http.StatusBadRequest, "validation failed",
			echo.NewHTTPError(http.StatusBadRequest, "definition_id, entity_type and entity_id are required"))
	}

	inst, err := s.Engine.Start(ctx, req.DefinitionID, req.EntityType, req.EntityID, req.ContextData, auth.Actor(ctx))
	if err != nil {
		return engineError(c, err)
	}
	return c.JSON(http.StatusCreated, inst)
}

// GetInstance returns the current state of a workflow instance
// (GET /api/v1/workflow/instances/:id)
func (s *Server) GetInstance(c echo.Context) error {
	inst, err := s.Engine.GetInstance(c.Request().Context(), c.Param("id"))
	if err != nil {
		return engineError(c, err)
	}
	return c.JSON(http.StatusOK, inst)
}

// CancelRequest carries an optional cancellation reason.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// CancelInstance cancels an active instance
// (POST /api/v1/workflow/instances/:id/cancel)
func (s *Server) CancelInstance(c echo.Context) error {
	ctx := c.Request().Context()

	var req CancelRequest
	if err := c.Bind(&req); err != nil {
		return problem(c, http.StatusBadRequest, "invalid request body", err)
	}
	if err := s.Engine.Cancel(ctx, c.Param("id"), req.Reason, auth.Actor(ctx)); err != nil {
		return engineError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// HoldInstance pauses an in-progress instance
// (POST /api/v1/workflow/instances/:id/hold)
func (s *Server) HoldInstance(c echo.Context) error {
	ctx := c.Request().Context()
	if err := s.Engine.Hold(ctx, c.Param("id"), auth.Actor(ctx)); err != nil {
		return engineError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ResumeInstance resumes a held instance
// (POST /api/v1/workflow/instances/:id/resume)
func (s *Server) ResumeInstance(c echo.Context) error {
	ctx := c.Request().Context()
	if err := s.Engine.Resume(ctx, c.Param("id"), auth.Actor(ctx)); err != nil {
		return engineError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// GetHistory returns the instance audit trail
// (GET /api/v1/workflow/instances/:id/history)
func (s *Server) GetHistory(c echo.Context) error {
	history, err := s.Engine.GetHistory(c.Request().Context(), c.Param("id"))
	if err != nil {
		return engineError(c, err)
	}
	return c.JSON(http.StatusOK, history)
}

// ActRequest is the body for acting on an assignment.
type ActRequest struct {
	Action       models.AssignmentAction `json:"action"`
	Comments     string                  `json:"comments"`
	SignatureRef string                  `json:"signature_ref"`
}

// Act records an approval action on an assignment
// (POST /api/v1/workflow/assignments/:id/act)
func (s *Server) Act(c echo.Context) error {
	ctx := c.Request().Context()

	var req ActRequest
	if err := c.Bind(&req); err != nil {
		return problem(c, http.StatusBadRequest, "invalid request body", err)
	}
	a, err := s.Engine.Act(ctx, c.Param("id"), auth.Actor(ctx), req.Action, req.Comments, req.SignatureRef)
	if err != nil {
		return engineError(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

// DelegateRequest is the body for delegating an assignment.
type DelegateRequest struct {
	ToUserID string     `json:"to_user_id"`
	Reason   string     `json:"reason"`
	Expiry   *time.Time `json:"expiry"`
}

// Delegate transfers an assignment to another user
// (POST /api/v1/workflow/assignments/:id/delegate)
func (s *Server) Delegate(c echo.Context) error {
	ctx := c.Request().Context()

	var req DelegateRequest
	if err := c.Bind(&req); err != nil {
		return problem(c, http.StatusBadRequest, "invalid request body", err)
	}
	if req.ToUserID == "" {
		return problem(c, http.StatusBadRequest, "validation failed",
			echo.NewHTTPError(http.StatusBadRequest, "to_user_id is required"))
	}
	successor, err := s.Engine.Delegate(ctx, c.Param("id"), auth.Actor(ctx), req.ToUserID, req.Reason, req.Expiry)
	if err != nil {
		return engineError(c, err)
	}
	return c.JSON(http.StatusOK, successor)
}

// ListTasks returns the caller's open tasks
// (GET /api/v1/workflow/tasks)
func (s *Server) ListTasks(c echo.Context) error {
	ctx := c.Request().Context()
	tasks, err := s.Engine.Tasks(ctx, auth.Actor(ctx))
	if err != nil {
		return engineError(c, err)
	}
	return c.JSON(http.StatusOK, tasks)
}

// RegisterDelegation stores a standing delegation
// (POST /api/v1/workflow/delegations)
func (s *Server) RegisterDelegation(c echo.Context) error {
	ctx := c.Request().Context()

	var d models.WorkflowDelegation
	if err := c.Bind(&d); err != nil {
		return problem(c, http.StatusBadRequest, "invalid request body", err)
	}
	// Callers register delegations for themselves.
	d.DelegatorID = auth.Actor(ctx)
	id, err := s.Engine.RegisterDelegation(ctx, &d)
	if err != nil {
		return engineError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": id})
}

// GetMetrics recomputes aggregate statistics for a period
// (GET /api/v1/workflow/metrics?from=...&to=...&workflow_type=...)
func (s *Server) GetMetrics(c echo.Context) error {
	ctx := c.Request().Context()

	to := time.Now()
	from := to.AddDate(0, -1, 0)
	if v := c.QueryParam("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return problem(c, http.StatusBadRequest, "validation failed", err)
		}
		from = t
	}
	if v := c.QueryParam("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return problem(c, http.StatusBadRequest, "validation failed", err)
		}
		to = t
	}

	m, err := s.Engine.Metrics(ctx, from, to, c.QueryParam("workflow_type"))
	if err != nil {
		return engineError(c, err)
	}
	return c.JSON(http.StatusOK, m)
}
