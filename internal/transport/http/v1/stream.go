package v1

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/dataagent/internal/domain"
	"github.com/xiaot623/dataagent/internal/service"
	"github.com/xiaot623/dataagent/internal/sse"
)

// StreamSearch relays one run as an event stream: unnamed frames carry node
// events, then a named complete or error frame ends the stream. Closing the
// connection cancels the run.
// GET /api/stream/search
func (h *Handler) StreamSearch(c echo.Context) error {
	ctx := c.Request().Context()

	req, err := domain.ParseStreamRequest(c.QueryParams())
	if err != nil {
		return writeError(c, err)
	}
	// Reject before the 200 goes out; afterwards errors can only be frames.
	if err := h.service.Admit(ctx, req); err != nil {
		return writeError(c, err)
	}

	w := sse.NewWriter(c.Response())
	if w == nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
	}

	finished := make(chan *domain.Run, 1)
	observer := service.Observer{
		OnEvent: func(ctx context.Context, rec *domain.RecordedEvent) error {
			// Nothing to show for an empty fragment.
			if rec.Event.Text == "" {
				return nil
			}
			data, err := json.Marshal(rec.Event)
			if err != nil {
				return err
			}
			return w.WriteFrame(sse.Frame{ID: strconv.Itoa(rec.Seq), Data: string(data)})
		},
		OnFinish: func(run *domain.Run) {
			finished <- run
		},
	}

	run, err := h.service.StartRun(context.WithoutCancel(ctx), req, observer)
	if err != nil {
		return w.SendEvent(domain.StreamEventError, err.Error())
	}
	logger := h.logger.With().Str("run_id", run.RunID).Logger()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case run := <-finished:
			return h.finishStream(w, run)

		case <-ticker.C:
			if err := w.SendComment("keep-alive"); err != nil {
				logger.Debug().Err(err).Msg("Keep-alive failed")
			}

		case <-ctx.Done():
			logger.Info().Msg("Client disconnected, cancelling run")
			if err := h.service.CancelRun(context.WithoutCancel(ctx), run.RunID); err != nil {
				logger.Debug().Err(err).Msg("Cancel after disconnect")
			}
			// The observer may still be writing; wait for the session to let go.
			<-finished
			return nil
		}
	}
}

func (h *Handler) finishStream(w *sse.Writer, run *domain.Run) error {
	switch run.State {
	case domain.SessionStateCompleted:
		return w.SendEvent(domain.StreamEventComplete, "Stream completed successfully")
	case domain.SessionStateCancelled:
		return w.SendEvent(domain.StreamEventError, "run cancelled")
	default:
		return w.SendEvent(domain.StreamEventError, run.Error)
	}
}
