// Package v1 provides the relay's HTTP handlers.
package v1

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/xiaot623/dataagent/internal/domain"
	"github.com/xiaot623/dataagent/internal/service"
)

const defaultKeepAlive = 15 * time.Second

// Handler handles HTTP requests.
type Handler struct {
	service   *service.Service
	version   string
	logger    zerolog.Logger
	keepAlive time.Duration

	connections func() int
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service, version string, logger zerolog.Logger) *Handler {
	return &Handler{
		service:   service,
		version:   version,
		logger:    logger,
		keepAlive: defaultKeepAlive,
	}
}

// SetConnectionCount makes /health report the number of open WebSocket
// connections.
func (h *Handler) SetConnectionCount(fn func() int) {
	h.connections = fn
}

// RegisterRoutes registers the relay routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Run API
	e.POST("/v1/runs", h.CreateRun)
	e.GET("/v1/runs/:run_id", h.GetRun)
	e.POST("/v1/runs/:run_id/cancel", h.CancelRun)
	e.GET("/v1/runs/:run_id/events", h.GetRunEvents)
	e.GET("/v1/threads/:thread_id/runs", h.GetThreadRuns)

	// Same wire shape as the agent server, for EventSource clients
	e.GET("/api/stream/search", h.StreamSearch)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	body := map[string]interface{}{
		"status":      "healthy",
		"version":     h.version,
		"active_runs": h.service.ActiveRuns(),
	}
	if h.connections != nil {
		body["ws_connections"] = h.connections()
	}
	return c.JSON(http.StatusOK, body)
}

// errorStatus maps service and domain errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrPolicyDenied):
		return http.StatusForbidden
	case errors.Is(err, service.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrRunNotActive):
		return http.StatusConflict
	case errors.Is(err, service.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c echo.Context, err error) error {
	return c.JSON(errorStatus(err), map[string]string{"error": err.Error()})
}
