package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"reqflow/backend/pkg/models"
)

// StreamEvents serves the run's event stream over SSE. A reconnecting
// client first receives the replay buffer, then live events; each SSE id is
// the event's sequence number so clients can detect where they resumed
// (GET /api/v1/workflows/:id/events)
func (s *Server) StreamEvents(c echo.Context) error {
	id := c.Param("id")

	ch, cancel, err := s.Orchestrator.Subscribe(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "No active run for correlation id "+id)
	}
	defer cancel()

	resp := c.Response()
	resp.Header().Set("Content-Type", "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	resp.Flush()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				// Stream torn down after the terminal grace period.
				return nil
			}
			if err := writeSSE(resp, ev); err != nil {
				return nil
			}
			resp.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev models.WorkflowEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Sequence, ev.Kind, data)
	return err
}
