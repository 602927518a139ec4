package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/bizflow/internal/diagram"
	"github.com/rendis/bizflow/internal/store"
	"github.com/rendis/bizflow/pkg/schema"
)

// trigger returns the handler that runs wfType against the entity named by
// idParam.
func (s *BizflowServer) trigger(wfType schema.WorkflowType, idParam string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		entityID, err := req.RequireString(idParam)
		if err != nil {
			return mcp.NewToolResultError(idParam + " is required"), nil
		}
		if agentID := req.GetString("agent_id", ""); agentID != "" {
			s.captureSession(ctx, agentID)
		}

		out, runErr := s.invoker.Invoke(ctx, wfType, entityID)
		if runErr != nil {
			instanceID := ""
			if out != nil {
				instanceID = out.InstanceID
			}
			return flowErrorResult(runErr, instanceID), nil
		}
		return marshalResult(out)
	}
}

// handleStatus returns a run with its step states.
func (s *BizflowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}

	inst, getErr := s.runs.GetInstance(ctx, instanceID)
	if getErr != nil {
		return flowErrorResult(getErr, ""), nil
	}
	steps, stepsErr := s.runs.ListStepStates(ctx, instanceID)
	if stepsErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("step query failed: %v", stepsErr)), nil
	}

	result := map[string]any{"instance": inst, "steps": steps}
	if req.GetString("include_events", "false") == "true" {
		events, evErr := s.runs.GetEvents(ctx, instanceID, 0)
		if evErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("event query failed: %v", evErr)), nil
		}
		result["events"] = events
	}
	return marshalResult(result)
}

// handleQuery lists runs, events or entity documents based on filters.
func (s *BizflowServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "workflows":
		return s.queryWorkflows(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "entities":
		return s.queryEntities(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *BizflowServer) queryWorkflows(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	f := store.InstanceFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if wt, ok := filter["workflow_type"].(string); ok && wt != "" {
		parsed, err := schema.ParseWorkflowType(wt)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		f.WorkflowType = parsed
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		st := schema.InstanceStatus(status)
		f.Status = &st
	}
	if parentID, ok := filter["parent_id"].(string); ok {
		f.ParentID = parentID
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			f.Since = &t
		}
	}

	instances, err := s.runs.ListInstances(ctx, f)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"workflows": instances})
}

func (s *BizflowServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.EventFilter{
		Limit: extractInt(filter, "limit", 100),
	}
	if instanceID, ok := filter["instance_id"].(string); ok {
		ef.InstanceID = instanceID
	}
	if stepID, ok := filter["step_id"].(string); ok {
		ef.StepID = stepID
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			ef.Since = &t
		}
	}

	if eventType, ok := filter["event_type"].(string); ok && eventType != "" {
		events, err := s.runs.GetEventsByType(ctx, eventType, ef)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"events": events})
	}

	if ef.InstanceID == "" {
		return mcp.NewToolResultError("event query requires either 'event_type' or 'instance_id' in filter"), nil
	}
	events, err := s.runs.GetEvents(ctx, ef.InstanceID, 0)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

// queryEntities reads documents of one collection. Every filter key other
// than collection and limit is an equality condition.
func (s *BizflowServer) queryEntities(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	if s.docs == nil {
		return mcp.NewToolResultError("entity queries are not available"), nil
	}
	collection, _ := filter["collection"].(string)
	if collection == "" {
		return mcp.NewToolResultError("entity query requires 'collection' in filter"), nil
	}
	limit := extractInt(filter, "limit", 50)

	where := store.Filter{}
	for k, v := range filter {
		if k == "collection" || k == "limit" {
			continue
		}
		where[k] = v
	}

	docs, err := s.docs.QueryDocuments(ctx, collection, where)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	return marshalResult(map[string]any{"collection": collection, "documents": docs})
}

// handleDiagram renders a workflow type, or the run of an instance, in the
// requested format.
func (s *BizflowServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "ascii" && format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be ascii, mermaid, or image"), nil
	}

	wfTypeName := req.GetString("workflow_type", "")
	instanceID := req.GetString("instance_id", "")
	if wfTypeName == "" && instanceID == "" {
		return mcp.NewToolResultError("at least one of workflow_type or instance_id is required"), nil
	}

	var wfType schema.WorkflowType
	var states []*store.StepState

	if instanceID != "" {
		inst, getErr := s.runs.GetInstance(ctx, instanceID)
		if getErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("instance not found: %v", getErr)), nil
		}
		wfType = inst.WorkflowType

		if req.GetString("include_status", "true") != "false" {
			if ss, ssErr := s.runs.ListStepStates(ctx, instanceID); ssErr == nil {
				states = ss
			}
		}
	} else {
		parsed, parseErr := schema.ParseWorkflowType(wfTypeName)
		if parseErr != nil {
			return mcp.NewToolResultError(parseErr.Error()), nil
		}
		wfType = parsed
	}

	model, buildErr := diagram.Build(wfType, states)
	if buildErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", buildErr)), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	default:
		png, imgErr := diagram.RenderImage(ctx, model, diagram.FormatPNG)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
	}
}

// --- Internal helpers ---

// flowErrorResult reports a failed call as a JSON error body carrying the
// error code and, when the run got that far, its instance.
func flowErrorResult(err error, instanceID string) *mcp.CallToolResult {
	body := map[string]any{"error": err.Error()}
	if code := schema.CodeOf(err); code != "" {
		body["code"] = code
	}
	var fe *schema.FlowError
	if errors.As(err, &fe) && len(fe.Details) > 0 {
		body["details"] = fe.Details
	}
	if instanceID != "" {
		body["instance_id"] = instanceID
	}
	data, mErr := json.Marshal(body)
	if mErr != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultError(string(data))
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the agent ID to its current MCP session for notifications.
func (s *BizflowServer) captureSession(ctx context.Context, agentID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(agentID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
