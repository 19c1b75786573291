package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders the model as a Mermaid flowchart. When any node
// carries a status overlay the output includes classDefs and class
// assignments so live state is visible in the rendered graph.
func RenderMermaid(m *Model) string {
	var b strings.Builder
	b.WriteString("graph TD\n")

	for _, n := range m.Nodes {
		id := mermaidSafeID(n.ID)
		switch n.Kind {
		case NodeKindStart, NodeKindEnd:
			fmt.Fprintf(&b, "    %s([%s])\n", id, n.Label)
		default:
			label := n.Label
			if n.Handler != "" {
				label += "<br/><i>" + n.Handler + "</i>"
			}
			fmt.Fprintf(&b, "    %s[\"%s\"]\n", id, label)
		}
	}

	b.WriteString("\n")
	for _, e := range m.Edges {
		fmt.Fprintf(&b, "    %s --> %s\n", mermaidSafeID(e.From), mermaidSafeID(e.To))
	}

	if hasOverlay(m) {
		b.WriteString("\n")
		b.WriteString("    classDef complete fill:#2e7d32,color:#fff\n")
		b.WriteString("    classDef error fill:#c62828,color:#fff\n")
		b.WriteString("    classDef in_progress fill:#1565c0,color:#fff\n")
		b.WriteString("    classDef pending fill:#616161,color:#fff\n")
		b.WriteString("    classDef skipped fill:#9e9e9e,color:#fff,stroke-dasharray: 5 5\n")
		for _, n := range m.Nodes {
			if n.Status == nil {
				continue
			}
			fmt.Fprintf(&b, "    class %s %s\n", mermaidSafeID(n.ID), statusClass(n.Status))
		}
	}

	return b.String()
}

func hasOverlay(m *Model) bool {
	for i := range m.Nodes {
		if m.Nodes[i].Status != nil {
			return true
		}
	}
	return false
}

func statusClass(o *StatusOverlay) string {
	if o.Skipped {
		return "skipped"
	}
	return string(o.Status)
}

// mermaidSafeID maps a node ID to a form Mermaid accepts as an identifier.
func mermaidSafeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
