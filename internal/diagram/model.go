// Package diagram renders a task's dependency DAG as Mermaid or ASCII
// diagrams, optionally overlaying live step state from a running task.
package diagram

import "github.com/gantry-io/gantry/pkg/schema"

// NodeKind distinguishes the virtual boundary nodes from real steps.
type NodeKind string

const (
	NodeKindStart NodeKind = "start"
	NodeKindEnd   NodeKind = "end"
	NodeKindStep  NodeKind = "step"
)

// Model is the render-ready form of a task's DAG: nodes, edges and the
// parallel execution levels the renderers lay out by.
type Model struct {
	Title  string
	Nodes  []Node
	Edges  []Edge
	Levels [][]string
}

// Node is a single diagram node. Status is nil when the diagram is built
// from a bare template with no task attached.
type Node struct {
	ID      string
	Label   string
	Kind    NodeKind
	Handler string
	Status  *StatusOverlay
}

// StatusOverlay carries runtime state for a node when the diagram is built
// from a live task.
type StatusOverlay struct {
	Status   schema.StepStatus
	Attempts int
	Skipped  bool
	Error    string
}

// Edge is a directed dependency edge between two node IDs.
type Edge struct {
	From string
	To   string
}

// Node returns the node with the given ID, or nil.
func (m *Model) Node(id string) *Node {
	for i := range m.Nodes {
		if m.Nodes[i].ID == id {
			return &m.Nodes[i]
		}
	}
	return nil
}
