package events

import "context"

// LifecycleEvent is a fire-and-forget notification emitted as tasks and
// steps move through their state machines.
type LifecycleEvent struct {
	TaskID    string         `json:"task_id"`
	StepName  string         `json:"step_name,omitempty"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Filter specifies which events a subscriber wants to receive.
type Filter struct {
	TaskID     string   `json:"task_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// Hub provides pub/sub for lifecycle events. The engine publishes without
// depending on subscribers existing or succeeding.
type Hub interface {
	Publish(ctx context.Context, event LifecycleEvent) error
	Subscribe(ctx context.Context, filter Filter) (<-chan LifecycleEvent, func(), error)
}
