package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/gantry-io/gantry/pkg/schema"
)

// RenderASCII renders the model as a fixed-width text diagram, one row of
// boxes per execution level, top to bottom.
func RenderASCII(m *Model) string {
	var b strings.Builder
	if m.Title != "" {
		b.WriteString(m.Title + "\n")
		b.WriteString(strings.Repeat("=", utf8.RuneCountInString(m.Title)) + "\n\n")
	}

	for i, level := range m.Levels {
		if i > 0 {
			b.WriteString("    │\n    ▼\n")
		}
		nodes := make([]*Node, 0, len(level))
		for _, id := range level {
			if n := m.Node(id); n != nil {
				nodes = append(nodes, n)
			}
		}
		renderBoxRow(&b, nodes)
	}

	return b.String()
}

func renderBoxRow(b *strings.Builder, nodes []*Node) {
	boxes := make([][]string, len(nodes))
	height := 0
	for i, n := range nodes {
		boxes[i] = renderBox(n)
		if len(boxes[i]) > height {
			height = len(boxes[i])
		}
	}
	for row := 0; row < height; row++ {
		for i, box := range boxes {
			if i > 0 {
				b.WriteString("  ")
			}
			if row < len(box) {
				b.WriteString(box[row])
			} else {
				b.WriteString(strings.Repeat(" ", utf8.RuneCountInString(box[0])))
			}
		}
		b.WriteString("\n")
	}
}

func renderBox(n *Node) []string {
	lines := []string{n.Label}
	if n.Handler != "" {
		lines = append(lines, n.Handler)
	}
	if n.Status != nil {
		tag := statusTag(n.Status)
		if n.Status.Attempts > 1 {
			tag += fmt.Sprintf(" x%d", n.Status.Attempts)
		}
		lines = append(lines, tag)
	}

	width := 0
	for _, l := range lines {
		if w := utf8.RuneCountInString(l); w > width {
			width = w
		}
	}

	out := make([]string, 0, len(lines)+2)
	out = append(out, "┌"+strings.Repeat("─", width+2)+"┐")
	for _, l := range lines {
		pad := width - utf8.RuneCountInString(l)
		out = append(out, "│ "+l+strings.Repeat(" ", pad)+" │")
	}
	out = append(out, "└"+strings.Repeat("─", width+2)+"┘")
	return out
}

func statusTag(o *StatusOverlay) string {
	if o.Skipped {
		return "[SKIP]"
	}
	switch o.Status {
	case schema.StepStatusComplete:
		return "[OK]"
	case schema.StepStatusError:
		return "[FAIL]"
	case schema.StepStatusInProgress:
		return "[RUN]"
	default:
		return "[PEND]"
	}
}
