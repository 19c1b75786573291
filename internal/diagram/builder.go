package diagram

import (
	"encoding/json"

	"github.com/gantry-io/gantry/internal/store"
	"github.com/gantry-io/gantry/internal/validation"
	"github.com/gantry-io/gantry/pkg/schema"
)

const (
	startNodeID = "__start__"
	endNodeID   = "__end__"
)

// Build converts a template, and optionally its live step states, into a
// render-ready model. Steps are grouped into levels by the same topological
// sort the validator uses, so the layout matches execution order.
func Build(tpl *schema.TaskTemplate, steps []*store.WorkflowStep) (*Model, error) {
	levels, err := validation.Levels(tpl)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]*store.WorkflowStep, len(steps))
	for _, s := range steps {
		byName[s.Name] = s
	}

	m := &Model{Title: tpl.Key(), Levels: levels}
	m.Nodes = append(m.Nodes, Node{ID: startNodeID, Label: "start", Kind: NodeKindStart})
	for i := range tpl.Steps {
		st := &tpl.Steps[i]
		n := Node{ID: st.Name, Label: st.Name, Kind: NodeKindStep, Handler: st.Handler}
		if ws, ok := byName[st.Name]; ok {
			n.Status = overlay(ws)
		}
		m.Nodes = append(m.Nodes, n)
	}
	m.Nodes = append(m.Nodes, Node{ID: endNodeID, Label: "end", Kind: NodeKindEnd})
	m.Edges = buildEdges(tpl)
	return m, nil
}

// buildEdges derives the edge list: roots hang off the virtual start node,
// leaves feed the virtual end node.
func buildEdges(tpl *schema.TaskTemplate) []Edge {
	hasChild := make(map[string]bool)
	var edges []Edge
	for i := range tpl.Steps {
		st := &tpl.Steps[i]
		if len(st.DependsOn) == 0 {
			edges = append(edges, Edge{From: startNodeID, To: st.Name})
		}
		for _, dep := range st.DependsOn {
			edges = append(edges, Edge{From: dep, To: st.Name})
			hasChild[dep] = true
		}
	}
	for i := range tpl.Steps {
		if !hasChild[tpl.Steps[i].Name] {
			edges = append(edges, Edge{From: tpl.Steps[i].Name, To: endNodeID})
		}
	}
	return edges
}

func overlay(ws *store.WorkflowStep) *StatusOverlay {
	o := &StatusOverlay{Status: ws.Status, Attempts: ws.Attempts}
	if len(ws.Results) > 0 {
		var r struct {
			Skipped bool `json:"skipped"`
		}
		if json.Unmarshal(ws.Results, &r) == nil {
			o.Skipped = r.Skipped
		}
	}
	if len(ws.LastError) > 0 {
		var e struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(ws.LastError, &e) == nil {
			o.Error = e.Message
		}
	}
	return o
}
