package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/dataagent/internal/domain"
	"github.com/xiaot623/dataagent/internal/service"
)

// CreateRun starts a run in the background.
// POST /v1/runs
func (h *Handler) CreateRun(c echo.Context) error {
	var req domain.StreamRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	run, err := h.service.StartRun(c.Request().Context(), req, service.Observer{})
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"run_id":     run.RunID,
		"state":      run.State,
		"started_at": run.StartedAt.UnixMilli(),
	})
}

// GetRun returns one run.
// GET /v1/runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	run, err := h.service.GetRun(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// CancelRun cancels an active run.
// POST /v1/runs/:run_id/cancel
func (h *Handler) CancelRun(c echo.Context) error {
	if err := h.service.CancelRun(c.Request().Context(), c.Param("run_id")); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"ok": true})
}

// GetRunEvents retrieves the recorded events of a run.
// GET /v1/runs/:run_id/events
func (h *Handler) GetRunEvents(c echo.Context) error {
	limit := 100
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil {
			limit = val
		}
	}
	afterSeq := 0
	if s := c.QueryParam("after_seq"); s != "" {
		if val, err := strconv.Atoi(s); err == nil {
			afterSeq = val
		}
	}

	events, err := h.service.ListRunEvents(c.Request().Context(), c.Param("run_id"), afterSeq, limit)
	if err != nil {
		return writeError(c, err)
	}
	if events == nil {
		events = []domain.RecordedEvent{}
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"events":   events,
		"has_more": len(events) == limit,
	})
}

// GetThreadRuns lists the runs of a thread.
// GET /v1/threads/:thread_id/runs
func (h *Handler) GetThreadRuns(c echo.Context) error {
	limit := 100
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil {
			limit = val
		}
	}

	runs, err := h.service.ListThreadRuns(c.Request().Context(), c.Param("thread_id"), limit)
	if err != nil {
		return writeError(c, err)
	}
	if runs == nil {
		runs = []domain.Run{}
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"thread_id": c.Param("thread_id"),
		"runs":      runs,
	})
}
