package engine

import (
	"context"
	"time"

	"github.com/gantry-io/gantry/internal/store"
	"github.com/gantry-io/gantry/pkg/schema"
)

// DiscoveryResult is the executable frontier of one task: the ready step
// names in stable order plus the processing-mode hint. An empty StepNames
// is a normal per-pass terminal condition, not a failure.
type DiscoveryResult struct {
	StepNames []string              `json:"step_names"`
	Mode      schema.ProcessingMode `json:"mode"`
	Context   *ExecutionContext     `json:"context"`
}

// Discovery queries step readiness and produces the viable frontier.
type Discovery struct {
	store store.Store
	tun   Tunables
}

// NewDiscovery creates a Discovery over the given store.
func NewDiscovery(s store.Store, tun Tunables) *Discovery {
	return &Discovery{store: s, tun: tun}
}

// DiscoverSteps computes readiness from a fresh snapshot and filters the
// steps that are ready for execution. The processing mode follows the
// template's execution_mode policy; auto selects concurrent when more than
// one step is ready (ready steps are mutually independent by construction).
func (d *Discovery) DiscoverSteps(ctx context.Context, task *store.Task, tpl *schema.TaskTemplate) (*DiscoveryResult, error) {
	steps, err := d.store.ListSteps(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	edges, err := d.store.ListEdges(ctx, task.ID)
	if err != nil {
		return nil, err
	}

	rows := ComputeReadiness(steps, edges, time.Now().UTC(), d.tun)
	ec := BuildExecutionContext(task.ID, rows, edges)

	var ready []string
	for _, r := range rows {
		if r.Ready {
			ready = append(ready, r.StepName)
		}
	}

	return &DiscoveryResult{
		StepNames: ready,
		Mode:      resolveMode(tpl, len(ready)),
		Context:   ec,
	}, nil
}

func resolveMode(tpl *schema.TaskTemplate, readyCount int) schema.ProcessingMode {
	mode := schema.ExecutionModeAuto
	if tpl != nil && tpl.ExecutionMode != "" {
		mode = tpl.ExecutionMode
	}
	switch mode {
	case schema.ExecutionModeSequential:
		return schema.ProcessingSequential
	case schema.ExecutionModeConcurrent:
		return schema.ProcessingConcurrent
	default:
		if readyCount > 1 {
			return schema.ProcessingConcurrent
		}
		return schema.ProcessingSequential
	}
}
