package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/machshop/workflow/internal/engine"
)

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
}

// HandleHealth returns basic health status (always returns 200 OK)
func HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Service:   "workflow-engine",
		Version:   "1.0.0",
	})
}

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// problem writes an RFC 7807 Problem Details JSON error response
func problem(c echo.Context, status int, title string, err error) error {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	return c.JSON(status, ProblemDetails{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Request().URL.Path,
	})
}

// engineError maps the engine's error taxonomy onto HTTP problem responses.
func engineError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, engine.ErrInvalidStageOrder),
		errors.Is(err, engine.ErrMissingApprovers),
		errors.Is(err, engine.ErrInvalidRule),
		errors.Is(err, engine.ErrInvalidAction):
		return problem(c, http.StatusBadRequest, "validation failed", err)
	case errors.Is(err, engine.ErrNotAssigned):
		return problem(c, http.StatusForbidden, "not assigned", err)
	case errors.Is(err, engine.ErrNotFound):
		return problem(c, http.StatusNotFound, "not found", err)
	case errors.Is(err, engine.ErrDuplicateInstance),
		errors.Is(err, engine.ErrDefinitionInactive),
		errors.Is(err, engine.ErrAlreadyActed),
		errors.Is(err, engine.ErrInstanceTerminal),
		errors.Is(err, engine.ErrAlreadyTerminal),
		errors.Is(err, engine.ErrInstanceOnHold),
		errors.Is(err, engine.ErrDelegationNotAllowed),
		errors.Is(err, engine.ErrSignatureRequired):
		return problem(c, http.StatusConflict, "conflict", err)
	case errors.Is(err, engine.ErrTransient):
		return problem(c, http.StatusServiceUnavailable, "temporarily unavailable", err)
	default:
		return problem(c, http.StatusInternalServerError, "internal error", err)
	}
}
