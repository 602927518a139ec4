package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rendis/bizflow/internal/diagram"
	"github.com/rendis/bizflow/internal/store"
	"github.com/rendis/bizflow/pkg/schema"
)

const maxListLimit = 500

// instanceView is a run with its steps and, on request, its event log.
type instanceView struct {
	*store.Instance
	Steps  []*store.StepState `json:"steps"`
	Events []*store.Event     `json:"events,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// trigger returns the handler that runs wfType against the :id path param.
// A run that fails after its instance was created answers with the mapped
// error status and the instance id.
func (s *Server) trigger(wfType schema.WorkflowType) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := strings.TrimSpace(c.Param("id"))
		out, err := s.deps.Invoker.Invoke(c.Request().Context(), wfType, id)
		if err != nil {
			if out != nil && out.InstanceID != "" {
				return &runError{instanceID: out.InstanceID, err: err}
			}
			return err
		}
		return c.JSON(http.StatusCreated, out)
	}
}

func (s *Server) handleListInstances(c echo.Context) error {
	filter := store.InstanceFilter{
		ParentID: c.QueryParam("parent_id"),
		Limit:    queryInt(c, "limit", 50),
		Offset:   queryInt(c, "offset", 0),
	}
	if filter.Limit <= 0 || filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if t := c.QueryParam("workflow_type"); t != "" {
		wt, err := schema.ParseWorkflowType(t)
		if err != nil {
			return err
		}
		filter.WorkflowType = wt
	}
	if st := c.QueryParam("status"); st != "" {
		status := schema.InstanceStatus(st)
		switch status {
		case schema.InstanceStatusRunning, schema.InstanceStatusCompleted, schema.InstanceStatusFailed:
		default:
			return schema.NewErrorf(schema.ErrCodeValidation, "unknown instance status %q", st)
		}
		filter.Status = &status
	}
	if since := c.QueryParam("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "since must be RFC 3339: %v", err)
		}
		filter.Since = &t
	}

	list, err := s.deps.Runs.ListInstances(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	if list == nil {
		list = []*store.Instance{}
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleGetInstance(c echo.Context) error {
	ctx := c.Request().Context()
	inst, err := s.deps.Runs.GetInstance(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	steps, err := s.deps.Runs.ListStepStates(ctx, inst.ID)
	if err != nil {
		return err
	}
	view := instanceView{Instance: inst, Steps: steps}
	if c.QueryParam("events") == "true" {
		if view.Events, err = s.deps.Runs.GetEvents(ctx, inst.ID, 0); err != nil {
			return err
		}
	}
	return c.JSON(http.StatusOK, view)
}

func (s *Server) handleInstanceDiagram(c echo.Context) error {
	ctx := c.Request().Context()
	inst, err := s.deps.Runs.GetInstance(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	states, err := s.deps.Runs.ListStepStates(ctx, inst.ID)
	if err != nil {
		return err
	}
	return s.renderDiagram(c, inst.WorkflowType, states)
}

func (s *Server) handleTypeDiagram(c echo.Context) error {
	wt, err := schema.ParseWorkflowType(c.Param("type"))
	if err != nil {
		return err
	}
	return s.renderDiagram(c, wt, nil)
}

// renderDiagram writes the diagram in the format named by ?format=
// (mermaid by default).
func (s *Server) renderDiagram(c echo.Context, wt schema.WorkflowType, states []*store.StepState) error {
	model, err := diagram.Build(wt, states)
	if err != nil {
		return err
	}
	switch format := c.QueryParam("format"); format {
	case "", "mermaid":
		return c.String(http.StatusOK, diagram.RenderMermaid(model))
	case "ascii":
		return c.String(http.StatusOK, diagram.RenderASCII(model))
	case "png":
		img, err := diagram.RenderImage(c.Request().Context(), model, diagram.FormatPNG)
		if err != nil {
			return err
		}
		return c.Blob(http.StatusOK, "image/png", img)
	case "svg":
		img, err := diagram.RenderImage(c.Request().Context(), model, diagram.FormatSVG)
		if err != nil {
			return err
		}
		return c.Blob(http.StatusOK, "image/svg+xml", img)
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown diagram format %q", format)
	}
}

func (s *Server) handleJobs(c echo.Context) error {
	if s.deps.Scheduler == nil {
		return echo.NewHTTPError(http.StatusNotFound, "scheduler is disabled")
	}
	return c.JSON(http.StatusOK, s.deps.Scheduler.Jobs())
}

// queryInt extracts an integer query param with a default value.
func queryInt(c echo.Context, key string, def int) int {
	v := c.QueryParam(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
