package diagram

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantry-io/gantry/internal/store"
	"github.com/gantry-io/gantry/pkg/schema"
)

func TestRenderMermaid_Template(t *testing.T) {
	m, err := Build(diamondTemplate(), nil)
	require.NoError(t, err)

	out := RenderMermaid(m)
	assert.True(t, strings.HasPrefix(out, "graph TD\n"))
	assert.Contains(t, out, "__start__([start])")
	assert.Contains(t, out, "__end__([end])")
	assert.Contains(t, out, `build["build<br/><i>noop</i>"]`)
	assert.Contains(t, out, "__start__ --> build")
	assert.Contains(t, out, "test --> release")
	assert.Contains(t, out, "release --> __end__")

	// No overlay, no styling.
	assert.NotContains(t, out, "classDef")
	assert.NotContains(t, out, "class ")
}

func TestRenderMermaid_Overlay(t *testing.T) {
	steps := []*store.WorkflowStep{
		{Name: "build", Status: schema.StepStatusComplete},
		{Name: "test", Status: schema.StepStatusError},
		{Name: "lint", Status: schema.StepStatusComplete,
			Results: json.RawMessage(`{"skipped":true}`)},
		{Name: "release", Status: schema.StepStatusPending},
	}
	m, err := Build(diamondTemplate(), steps)
	require.NoError(t, err)

	out := RenderMermaid(m)
	assert.Contains(t, out, "classDef complete")
	assert.Contains(t, out, "class build complete")
	assert.Contains(t, out, "class test error")
	assert.Contains(t, out, "class lint skipped")
	assert.Contains(t, out, "class release pending")
}

func TestMermaidSafeID(t *testing.T) {
	assert.Equal(t, "fetch_data", mermaidSafeID("fetch-data"))
	assert.Equal(t, "ops_deploy", mermaidSafeID("ops/deploy"))
	assert.Equal(t, "step_1", mermaidSafeID("step 1"))
	assert.Equal(t, "plain", mermaidSafeID("plain"))
}

func TestRenderASCII_Template(t *testing.T) {
	m, err := Build(diamondTemplate(), nil)
	require.NoError(t, err)

	out := RenderASCII(m)
	assert.Contains(t, out, "ops/deploy\n==========")
	assert.Contains(t, out, "│ build")
	assert.Contains(t, out, "│ release")
	// Parallel steps share a row.
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "test") {
			assert.Contains(t, line, "lint")
		}
	}
	// Two connectors between three levels.
	assert.Equal(t, 2, strings.Count(out, "▼"))
}

func TestRenderASCII_StatusTags(t *testing.T) {
	steps := []*store.WorkflowStep{
		{Name: "build", Status: schema.StepStatusComplete, Attempts: 1},
		{Name: "test", Status: schema.StepStatusError, Attempts: 3},
		{Name: "lint", Status: schema.StepStatusComplete,
			Results: json.RawMessage(`{"skipped":true}`)},
		{Name: "release", Status: schema.StepStatusInProgress, Attempts: 1},
	}
	m, err := Build(diamondTemplate(), steps)
	require.NoError(t, err)

	out := RenderASCII(m)
	assert.Contains(t, out, "[OK]")
	assert.Contains(t, out, "[FAIL] x3")
	assert.Contains(t, out, "[SKIP]")
	assert.Contains(t, out, "[RUN]")
}

func TestStatusTag_Pending(t *testing.T) {
	assert.Equal(t, "[PEND]", statusTag(&StatusOverlay{Status: schema.StepStatusPending}))
}
