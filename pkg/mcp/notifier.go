package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/bizflow/internal/streaming"
	"github.com/rendis/bizflow/pkg/schema"
)

// AgentNotifier pushes notifications to connected agents.
type AgentNotifier interface {
	Notify(ctx context.Context, agentID string, payload map[string]any) error
}

// MCPNotifier implements AgentNotifier using MCP session push.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes to MCP sessions.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the agent's session.
// Best-effort: returns nil if the agent is not connected.
func (n *MCPNotifier) Notify(_ context.Context, agentID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(agentID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// ForwardOutcomes pushes every finished run to every registered agent until
// ctx ends.
func (s *BizflowServer) ForwardOutcomes(ctx context.Context) error {
	ch, cancel, err := s.hub.Subscribe(ctx, streaming.EventFilter{
		EventTypes: []string{schema.EventWorkflowCompleted, schema.EventWorkflowFailed},
	})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-ch:
			if !ok {
				return ctx.Err()
			}
			payload := map[string]any{
				"level":  "info",
				"logger": "bizflow",
				"data": map[string]any{
					"event_type":    event.EventType,
					"instance_id":   event.InstanceID,
					"workflow_type": event.WorkflowType,
					"payload":       event.Payload,
				},
			}
			if event.EventType == schema.EventWorkflowFailed {
				payload["level"] = "warning"
			}
			for _, agentID := range s.sessions.Agents() {
				if err := s.notifier.Notify(ctx, agentID, payload); err != nil {
					s.logger.Warn("agent notification failed", "agent_id", agentID, "error", err)
				}
			}
		}
	}
}
