package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/bizflow/internal/store"
	"github.com/rendis/bizflow/internal/streaming"
	"github.com/rendis/bizflow/internal/workflow"
	"github.com/rendis/bizflow/pkg/schema"
)

// Invoker runs one workflow against one entity.
type Invoker interface {
	Invoke(ctx context.Context, wfType schema.WorkflowType, entityID string) (*workflow.Outcome, error)
}

// RunReader reads persisted runs and their event log.
type RunReader interface {
	GetInstance(ctx context.Context, id string) (*store.Instance, error)
	ListInstances(ctx context.Context, filter store.InstanceFilter) ([]*store.Instance, error)
	ListStepStates(ctx context.Context, instanceID string) ([]*store.StepState, error)
	GetEvents(ctx context.Context, instanceID string, since int64) ([]*store.Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter store.EventFilter) ([]*store.Event, error)
}

// ServerDeps holds the dependencies for creating a BizflowServer.
type ServerDeps struct {
	Invoker Invoker
	Runs    RunReader
	Docs    store.DocumentStore
	Hub     streaming.EventHub
	Logger  *slog.Logger
}

// BizflowServer wraps an MCP server with the workflow tool handlers.
type BizflowServer struct {
	invoker   Invoker
	runs      RunReader
	docs      store.DocumentStore
	hub       streaming.EventHub
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  AgentNotifier
	mcpServer *server.MCPServer
}

// NewServer creates a BizflowServer with every tool registered.
func NewServer(deps ServerDeps) *BizflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &BizflowServer{
		invoker:  deps.Invoker,
		runs:     deps.Runs,
		docs:     deps.Docs,
		hub:      deps.Hub,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"bizflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Bizflow runs the business procedures of the operations console. "+
			"Use bizflow.convert_deal, bizflow.convert_quote, bizflow.process_payment, bizflow.hire_candidate "+
			"and bizflow.complete_project to start a procedure for one entity, bizflow.status to inspect a run, "+
			"bizflow.query to list runs, events or entity documents, and bizflow.diagram to render a procedure."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin
// closes. Run outcomes are forwarded to agents while it serves.
func (s *BizflowServer) Serve(ctx context.Context) error {
	if s.hub != nil {
		go func() {
			if err := s.ForwardOutcomes(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("outcome forwarding stopped", "error", err)
			}
		}()
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *BizflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *BizflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: triggerTool("bizflow.convert_deal", "Convert a won opportunity into a project", "opportunity_id"),
			Handler: s.trigger(schema.WorkflowDealToProject, "opportunity_id")},
		{Tool: triggerTool("bizflow.convert_quote", "Convert an accepted quote into a contract with its billing schedule", "quote_id"),
			Handler: s.trigger(schema.WorkflowQuoteToContract, "quote_id")},
		{Tool: triggerTool("bizflow.process_payment", "Apply a payment to its invoice and record the transaction", "payment_id"),
			Handler: s.trigger(schema.WorkflowInvoicePayment, "payment_id")},
		{Tool: triggerTool("bizflow.hire_candidate", "Hire a candidate and start employee onboarding", "candidate_id"),
			Handler: s.trigger(schema.WorkflowCandidateHiring, "candidate_id")},
		{Tool: triggerTool("bizflow.complete_project", "Close out a project whose tasks are all completed", "project_id"),
			Handler: s.trigger(schema.WorkflowProjectCompletion, "project_id")},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func triggerTool(name, description, idParam string) mcp.Tool {
	return mcp.NewTool(name,
		mcp.WithDescription(description),
		mcp.WithString(idParam, mcp.Required(), mcp.Description("ID of the source entity")),
		mcp.WithString("agent_id", mcp.Description("ID of the calling agent; registers it for run outcome notifications")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("bizflow.status",
		mcp.WithDescription("Get a workflow run with its step states"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the workflow instance")),
		mcp.WithString("include_events", mcp.Description("Include the run event log (true/false, default false)")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("bizflow.query",
		mcp.WithDescription("Query workflow runs, run events, or entity documents"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "events", "entities"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria: workflow_type, status, parent_id, since, limit for workflows; instance_id, event_type, since, limit for events; collection plus field equalities for entities")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("bizflow.diagram",
		mcp.WithDescription("Generate a diagram of a workflow. Returns ASCII art, Mermaid flowchart syntax, or base64-encoded PNG image"),
		mcp.WithString("workflow_type", mcp.Description("Workflow type to diagram")),
		mcp.WithString("instance_id", mcp.Description("Workflow instance to diagram (includes step status by default)")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format: ascii (text), mermaid (flowchart syntax), or image (base64 PNG)"),
		),
		mcp.WithString("include_status", mcp.Description("Include step status overlay (default: true for instance_id)")),
	)
}
