package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/robfig/cron/v3"

	"github.com/gantry-io/gantry/internal/store"
	"github.com/gantry-io/gantry/pkg/schema"
)

// handleSubmit materializes a task from a registered template.
func (s *GantryServer) handleSubmit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	templateName, err := req.RequireString("template_name")
	if err != nil {
		return mcp.NewToolResultError("template_name is required"), nil
	}
	version := req.GetString("version", "")

	taskCtx := json.RawMessage(`{}`)
	if params := mcp.ParseStringMap(req, "context", nil); params != nil {
		raw, merr := json.Marshal(params)
		if merr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid context: %v", merr)), nil
		}
		taskCtx = raw
	}

	if version == "" {
		tpl, terr := s.latestTemplate(ctx, templateName)
		if terr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("template lookup failed: %v", terr)), nil
		}
		version = tpl.Version
	}

	task, subErr := s.service.SubmitTask(ctx, templateName, version, taskCtx)
	if subErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("submission failed: %v", subErr)), nil
	}

	s.captureSession(ctx, task.ID)

	return marshalResult(map[string]any{
		"task_id":  task.ID,
		"name":     task.Name,
		"version":  task.Version,
		"status":   task.Status,
		"template": templateName,
	})
}

// handleStatus returns the task with a per-step progress summary.
func (s *GantryServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}

	task, terr := s.store.GetTask(ctx, taskID)
	if terr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("task lookup failed: %v", terr)), nil
	}
	steps, serr := s.store.ListSteps(ctx, taskID)
	if serr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("step listing failed: %v", serr)), nil
	}

	completed := 0
	stepViews := make([]map[string]any, 0, len(steps))
	for _, st := range steps {
		if st.Status == schema.StepStatusComplete && st.Processed {
			completed++
		}
		view := map[string]any{
			"name":      st.Name,
			"handler":   st.Handler,
			"status":    st.Status,
			"attempts":  st.Attempts,
			"processed": st.Processed,
		}
		if len(st.LastError) > 0 {
			view["last_error"] = json.RawMessage(st.LastError)
		}
		stepViews = append(stepViews, view)
	}

	result := map[string]any{
		"task_id":    task.ID,
		"name":       task.Name,
		"namespace":  task.Namespace,
		"version":    task.Version,
		"status":     task.Status,
		"created_at": task.CreatedAt,
		"progress":   fmt.Sprintf("%d/%d", completed, len(steps)),
		"steps":      stepViews,
	}
	if task.CompletedAt != nil {
		result["completed_at"] = task.CompletedAt
	}
	return marshalResult(result)
}

// handleCancel applies the explicit cancellation transition.
func (s *GantryServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}

	if cerr := s.service.CancelTask(ctx, taskID); cerr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cerr)), nil
	}
	return marshalResult(map[string]any{
		"ok":      true,
		"task_id": taskID,
		"status":  schema.TaskStatusCancelled,
	})
}

// handleDefine registers a task template after full validation.
func (s *GantryServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := mcp.ParseStringMap(req, "template", nil)
	if raw == nil {
		return mcp.NewToolResultError("template is required"), nil
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid template: %v", err)), nil
	}
	var tpl schema.TaskTemplate
	if err := json.Unmarshal(data, &tpl); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid template: %v", err)), nil
	}

	if s.validator != nil {
		if verr := s.validator.ValidateTemplate(&tpl); verr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("template validation failed: %v", verr)), nil
		}
	}

	version := req.GetString("version", tpl.Version)
	if version == "" {
		version = "1.0.0"
	}

	if serr := s.store.StoreTemplate(ctx, &store.StoredTemplate{
		Name:       tpl.Name,
		Namespace:  tpl.Namespace,
		Version:    version,
		Definition: tpl,
	}); serr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store template: %v", serr)), nil
	}

	return marshalResult(map[string]any{
		"name":    tpl.Name,
		"version": version,
		"steps":   len(tpl.Steps),
	})
}

// handleSchedule creates a cron-triggered submission entry. The cron
// expression is validated here so a typo surfaces at definition time, not
// on the first missed tick.
func (s *GantryServer) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	templateName, err := req.RequireString("template_name")
	if err != nil {
		return mcp.NewToolResultError("template_name is required"), nil
	}
	cronExpr, err := req.RequireString("cron")
	if err != nil {
		return mcp.NewToolResultError("cron is required"), nil
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, perr := parser.Parse(cronExpr)
	if perr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", perr)), nil
	}

	taskCtx := json.RawMessage(`{}`)
	if params := mcp.ParseStringMap(req, "context", nil); params != nil {
		raw, merr := json.Marshal(params)
		if merr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid context: %v", merr)), nil
		}
		taskCtx = raw
	}

	now := time.Now().UTC()
	next := sched.Next(now)
	entry := &store.ScheduledTask{
		ID:              uuid.New().String(),
		TemplateName:    templateName,
		TemplateVersion: req.GetString("version", ""),
		CronExpression:  cronExpr,
		Context:         taskCtx,
		Enabled:         req.GetBool("enabled", true),
		NextRunAt:       &next,
		CreatedAt:       now,
	}
	if cerr := s.store.CreateScheduledTask(ctx, entry); cerr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create schedule: %v", cerr)), nil
	}

	return marshalResult(map[string]any{
		"schedule_id": entry.ID,
		"template":    templateName,
		"cron":        cronExpr,
		"enabled":     entry.Enabled,
		"next_run_at": next,
	})
}

// handleQuery lists tasks, templates, transitions or schedules.
func (s *GantryServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "tasks":
		return s.queryTasks(ctx, filter)
	case "templates":
		return s.queryTemplates(ctx, filter)
	case "transitions":
		return s.queryTransitions(ctx, filter)
	case "schedules":
		return s.querySchedules(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *GantryServer) queryTasks(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	tf := store.TaskFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		ts := schema.TaskStatus(status)
		tf.Status = &ts
	}
	if namespace, ok := filter["namespace"].(string); ok {
		tf.Namespace = namespace
	}
	if name, ok := filter["name"].(string); ok {
		tf.Name = name
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			tf.Since = &t
		}
	}

	tasks, err := s.store.ListTasks(ctx, tf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"tasks": tasks})
}

func (s *GantryServer) queryTemplates(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	templates, err := s.store.ListTemplates(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}

	if name, ok := filter["name"].(string); ok && name != "" {
		matched := templates[:0]
		for _, tpl := range templates {
			if tpl.Name == name {
				matched = append(matched, tpl)
			}
		}
		templates = matched
	}
	return marshalResult(map[string]any{"templates": templates})
}

func (s *GantryServer) queryTransitions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	taskID, ok := filter["task_id"].(string)
	if !ok || taskID == "" {
		return mcp.NewToolResultError("transition query requires 'task_id' in filter"), nil
	}

	tf := store.TransitionFilter{
		Limit: extractInt(filter, "limit", 100),
	}
	if stepName, ok := filter["step_name"].(string); ok {
		tf.StepName = &stepName
	}

	transitions, err := s.store.ListTransitions(ctx, taskID, tf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"transitions": transitions})
}

func (s *GantryServer) querySchedules(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	sf := store.ScheduledTaskFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if enabled, ok := filter["enabled"].(bool); ok {
		sf.Enabled = &enabled
	}

	schedules, err := s.store.ListScheduledTasks(ctx, sf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"schedules": schedules})
}

// --- Internal helpers ---

// latestTemplate finds the highest version of a template by name.
func (s *GantryServer) latestTemplate(ctx context.Context, name string) (*store.StoredTemplate, error) {
	templates, err := s.store.ListTemplates(ctx)
	if err != nil {
		return nil, err
	}

	var latest *store.StoredTemplate
	for _, tpl := range templates {
		if tpl.Name != name {
			continue
		}
		if latest == nil || compareVersions(tpl.Version, latest.Version) > 0 {
			latest = tpl
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("template %q not found", name)
	}
	return latest, nil
}

// compareVersions orders dotted numeric versions ("2.1.0" > "2.0.3").
// Non-numeric segments compare as zero.
func compareVersions(a, b string) int {
	as := strings.Split(strings.TrimPrefix(a, "v"), ".")
	bs := strings.Split(strings.TrimPrefix(b, "v"), ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var an, bn int
		if i < len(as) {
			an, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bn, _ = strconv.Atoi(bs[i])
		}
		if an != bn {
			if an > bn {
				return 1
			}
			return -1
		}
	}
	return 0
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

// captureSession maps the task ID to the submitting MCP session so the
// notifier can push terminal events back to it.
func (s *GantryServer) captureSession(ctx context.Context, taskID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(taskID, session.SessionID())
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
