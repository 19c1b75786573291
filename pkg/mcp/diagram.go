package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/gantry-io/gantry/internal/diagram"
	"github.com/gantry-io/gantry/internal/store"
	"github.com/gantry-io/gantry/pkg/schema"
)

func diagramTool() mcp.Tool {
	return mcp.NewTool("gantry.diagram",
		mcp.WithDescription("Render a template's DAG, or a task's DAG with live step status"),
		mcp.WithString("template_name", mcp.Description("Name of the template to render")),
		mcp.WithString("version", mcp.Description("Template version (default: latest)")),
		mcp.WithString("task_id", mcp.Description("Render this task's DAG with step status instead of a bare template")),
		mcp.WithString("format", mcp.Enum("ascii", "mermaid"), mcp.Description("Output format (default: ascii)")),
	)
}

// handleDiagram renders either a bare template DAG or a task DAG with the
// task's step states overlaid.
func (s *GantryServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format := req.GetString("format", "ascii")
	if format != "ascii" && format != "mermaid" {
		return mcp.NewToolResultError(fmt.Sprintf("unknown format: %s", format)), nil
	}

	var (
		tpl   *schema.TaskTemplate
		steps []*store.WorkflowStep
	)
	switch {
	case req.GetString("task_id", "") != "":
		taskID := req.GetString("task_id", "")
		task, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("task lookup failed: %v", err)), nil
		}
		stored, err := s.store.GetTemplate(ctx, task.Name, task.Version)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("template lookup failed: %v", err)), nil
		}
		tpl = &stored.Definition
		if steps, err = s.store.ListSteps(ctx, taskID); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("step listing failed: %v", err)), nil
		}
	case req.GetString("template_name", "") != "":
		name := req.GetString("template_name", "")
		version := req.GetString("version", "")
		if version == "" {
			latest, err := s.latestTemplate(ctx, name)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("template lookup failed: %v", err)), nil
			}
			tpl = &latest.Definition
		} else {
			stored, err := s.store.GetTemplate(ctx, name, version)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("template lookup failed: %v", err)), nil
			}
			tpl = &stored.Definition
		}
	default:
		return mcp.NewToolResultError("either task_id or template_name is required"), nil
	}

	model, err := diagram.Build(tpl, steps)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", err)), nil
	}

	if format == "mermaid" {
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	}
	return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
}
