package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/gantry-io/gantry/internal/events"
	"github.com/gantry-io/gantry/pkg/schema"
)

// TaskNotifier pushes terminal task events to the MCP session that
// submitted the task. Best-effort: a disconnected session drops the
// notification silently.
type TaskNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	hub       events.Hub
	logger    *slog.Logger
}

// NewTaskNotifier creates a notifier over the given hub and sessions.
func NewTaskNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, hub events.Hub, logger *slog.Logger) *TaskNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskNotifier{mcpServer: mcpServer, sessions: sessions, hub: hub, logger: logger}
}

// Start subscribes to terminal task events and forwards them until ctx
// is cancelled.
func (n *TaskNotifier) Start(ctx context.Context) error {
	ch, unsubscribe, err := n.hub.Subscribe(ctx, events.Filter{
		EventTypes: []string{
			schema.EventTaskCompleted,
			schema.EventTaskFailed,
			schema.EventTaskCancelled,
		},
	})
	if err != nil {
		return err
	}

	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-ch:
				if !ok {
					return
				}
				n.notify(ctx, event)
			}
		}
	}()
	return nil
}

func (n *TaskNotifier) notify(ctx context.Context, event events.LifecycleEvent) {
	sessionID, ok := n.sessions.SessionFor(event.TaskID)
	if !ok {
		return
	}

	payload := map[string]any{
		"task_id":    event.TaskID,
		"event_type": event.EventType,
	}
	for k, v := range event.Payload {
		payload[k] = v
	}

	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return
	}
	if err != nil {
		n.logger.WarnContext(ctx, "task notification failed",
			"task_id", event.TaskID, "error", err)
		return
	}
	n.sessions.Forget(event.TaskID)
}
