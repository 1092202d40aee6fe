package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/stewardhq/steward/internal/engine"
	"github.com/stewardhq/steward/internal/store"
	"github.com/stewardhq/steward/internal/streaming"
	"github.com/stewardhq/steward/internal/validation"
	"github.com/stewardhq/steward/pkg/schema"
)

// Orchestrator is the engine surface the server drives. Satisfied by
// *engine.Orchestrator.
type Orchestrator interface {
	Start(ctx context.Context, pipelineName, targetID, requesterID string) (*store.Run, error)
	Resume(ctx context.Context, runID string) (*store.Run, error)
	Cancel(ctx context.Context, runID, reason string) (*store.Run, error)
	Status(ctx context.Context, runID string) (*engine.RunReport, error)
}

// Approvals is the gate surface the server drives.
type Approvals interface {
	Decide(ctx context.Context, approvalID string, decision schema.Decision, decidedBy, reason string, modifiedPayload json.RawMessage) (*store.Approval, error)
}

// StewardServerDeps holds the dependencies for creating a StewardServer.
type StewardServerDeps struct {
	Orchestrator Orchestrator
	Approvals    Approvals
	Store        store.Store
	Validator    *validation.PipelineValidator
	Hub          streaming.EventHub
	Logger       *slog.Logger
}

// StewardServer wraps an MCP server with steward-specific tool handlers.
type StewardServer struct {
	orchestrator Orchestrator
	approvals    Approvals
	store        store.Store
	validator    *validation.PipelineValidator
	hub          streaming.EventHub
	sessions     *SessionRegistry
	logger       *slog.Logger
	mcpServer    *server.MCPServer
}

// NewStewardServer creates a StewardServer with all tools registered.
func NewStewardServer(deps StewardServerDeps) *StewardServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &StewardServer{
		orchestrator: deps.Orchestrator,
		approvals:    deps.Approvals,
		store:        deps.Store,
		validator:    deps.Validator,
		hub:          deps.Hub,
		sessions:     NewSessionRegistry(),
		logger:       logger,
	}

	mcpSrv := server.NewMCPServer(
		"steward",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Steward runs approval-gated pipelines against CRM records. Use steward.run to start a pipeline, steward.status to inspect a run, steward.decide to approve, modify, or reject a pending action (the run resumes automatically), steward.cancel to abort a run, steward.define to register a pipeline, and steward.query to list runs, approvals, pipelines, or audit events."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes.
func (s *StewardServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom
// transports.
func (s *StewardServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *StewardServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: decideTool(), Handler: s.handleDecide},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("steward.run",
		mcp.WithDescription("Start a pipeline run against a target record"),
		mcp.WithString("pipeline_name", mcp.Required(), mcp.Description("Name of the registered pipeline")),
		mcp.WithString("target_id", mcp.Required(), mcp.Description("ID of the target CRM record")),
		mcp.WithString("requester_id", mcp.Required(), mcp.Description("ID of the requesting agent or user")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("steward.status",
		mcp.WithDescription("Get the full state of a run: status, stage history, pending approval, audit trail"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to inspect")),
	)
}

func decideTool() mcp.Tool {
	return mcp.NewTool("steward.decide",
		mcp.WithDescription("Resolve a pending approval. The suspended run resumes automatically: approve and modify execute the gated action, reject terminates the run after its cleanup stages"),
		mcp.WithString("approval_id", mcp.Required(), mcp.Description("ID of the pending approval")),
		mcp.WithString("decision", mcp.Required(),
			mcp.Enum("approve", "modify", "reject"),
			mcp.Description("The verdict"),
		),
		mcp.WithString("decided_by", mcp.Required(), mcp.Description("ID of the deciding reviewer")),
		mcp.WithString("reason", mcp.Description("Why this decision was made")),
		mcp.WithObject("modified_payload", mcp.Description("Replacement action payload (required for modify)")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("steward.cancel",
		mcp.WithDescription("Cancel a run. A pending approval is rejected with reason 'cancelled'"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
		mcp.WithString("reason", mcp.Description("Why the run is cancelled")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("steward.define",
		mcp.WithDescription("Register or update a pipeline definition. Validated before storage; active runs keep their snapshot"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Pipeline definition object")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("steward.query",
		mcp.WithDescription("Query runs, pending approvals, pipelines, or audit events"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("runs", "approvals", "pipelines", "events"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, target_id, pipeline_name, run_id, event_type, tier, since, limit)")),
	)
}
