package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gantry-io/gantry/internal/events"
	"github.com/gantry-io/gantry/internal/store"
	"github.com/gantry-io/gantry/internal/validation"
)

// TaskService is the submission-side surface the MCP tools drive.
// Satisfied by the engine service.
type TaskService interface {
	SubmitTask(ctx context.Context, templateName, version string, taskCtx json.RawMessage) (*store.Task, error)
	CancelTask(ctx context.Context, taskID string) error
}

// GantryServerDeps holds the dependencies for creating a GantryServer.
type GantryServerDeps struct {
	Service   TaskService
	Store     store.Store
	Validator *validation.TemplateValidator
	Hub       events.Hub
	Logger    *slog.Logger
}

// GantryServer wraps an MCP server with gantry-specific tool handlers.
type GantryServer struct {
	service   TaskService
	store     store.Store
	validator *validation.TemplateValidator
	hub       events.Hub
	logger    *slog.Logger
	sessions  *SessionRegistry
	mcpServer *server.MCPServer
}

// NewGantryServer creates a GantryServer with all tools registered.
func NewGantryServer(deps GantryServerDeps) *GantryServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &GantryServer{
		service:   deps.Service,
		store:     deps.Store,
		validator: deps.Validator,
		hub:       deps.Hub,
		logger:    logger,
		sessions:  NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"gantry",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Gantry is a durable workflow orchestration engine. Use gantry.submit to start a task from a registered template, gantry.status to inspect progress, gantry.cancel to stop a task, gantry.define to register templates, gantry.schedule to set up cron-triggered submissions, gantry.query to list tasks, templates, transitions or schedules, and gantry.diagram to render a task's DAG."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the terminal-event notifier and the stdio transport,
// blocking until ctx is cancelled or stdin closes.
func (s *GantryServer) Serve(ctx context.Context) error {
	if s.hub != nil {
		notifier := NewTaskNotifier(s.mcpServer, s.sessions, s.hub, s.logger)
		if err := notifier.Start(ctx); err != nil {
			return err
		}
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom
// transports.
func (s *GantryServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *GantryServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: submitTool(), Handler: s.handleSubmit},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func submitTool() mcp.Tool {
	return mcp.NewTool("gantry.submit",
		mcp.WithDescription("Submit a task from a registered template"),
		mcp.WithString("template_name", mcp.Required(), mcp.Description("Name of the task template")),
		mcp.WithString("version", mcp.Description("Template version (default: latest)")),
		mcp.WithObject("context", mcp.Description("Task request context, validated against the template's input schema")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("gantry.status",
		mcp.WithDescription("Get the current status of a task and its steps"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the task to inspect")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("gantry.cancel",
		mcp.WithDescription("Cancel a pending or in-progress task. In-flight step handlers run to completion"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the task to cancel")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("gantry.define",
		mcp.WithDescription("Register a task template"),
		mcp.WithObject("template", mcp.Required(), mcp.Description("Template document: name, steps, dependencies, optional input_schema")),
		mcp.WithString("version", mcp.Description("Template version (default: version from the document, or 1.0.0)")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("gantry.schedule",
		mcp.WithDescription("Create a cron-triggered task submission"),
		mcp.WithString("template_name", mcp.Required(), mcp.Description("Name of the template to submit on each trigger")),
		mcp.WithString("cron", mcp.Required(), mcp.Description("Five-field cron expression (minute hour dom month dow)")),
		mcp.WithString("version", mcp.Description("Template version (default: latest at submission time)")),
		mcp.WithObject("context", mcp.Description("Task request context for each triggered submission")),
		mcp.WithBoolean("enabled", mcp.Description("Whether the schedule is active (default: true)")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("gantry.query",
		mcp.WithDescription("Query tasks, templates, transitions, or schedules"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("tasks", "templates", "transitions", "schedules"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, namespace, name, since, limit, task_id, step_name, enabled)")),
	)
}
