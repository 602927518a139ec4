package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/rendis/bizflow/internal/streaming"
)

// handleStream streams run transitions as Server-Sent Events. The optional
// instance_id, workflow_type and event_type (comma separated) query params
// narrow the stream.
func (s *Server) handleStream(c echo.Context) error {
	if s.deps.Hub == nil {
		return echo.NewHTTPError(http.StatusNotFound, "event streaming is disabled")
	}

	filter := streaming.EventFilter{
		InstanceID:   c.QueryParam("instance_id"),
		WorkflowType: c.QueryParam("workflow_type"),
	}
	if types := c.QueryParam("event_type"); types != "" {
		filter.EventTypes = strings.Split(types, ",")
	}

	ctx := c.Request().Context()
	ch, cancel, err := s.deps.Hub.Subscribe(ctx, filter)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer cancel()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-ch:
			if !ok {
				return nil
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.EventType, data)
			w.Flush()
		}
	}
}
