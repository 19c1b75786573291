package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantry-io/gantry/internal/store"
	"github.com/gantry-io/gantry/internal/validation"
	"github.com/gantry-io/gantry/pkg/schema"
)

const deployYAML = `name: deploy
namespace: ops
version: "2.1.0"
execution_mode: auto
input_schema:
  type: object
  properties:
    env:
      type: string
      enum: [staging, production]
  required: [env]
steps:
  - name: build
    handler: noop
    retry_limit: 2
  - name: test
    handler: noop
    depends_on: [build]
    skip_if:
      language: cel
      source: context.env == "production"
  - name: release
    handler: noop
    depends_on: [test]
    result_path: .body
    params:
      channel: stable
`

func newLoaderStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	s, err := store.NewLibSQLStore("file:"+filepath.Join(t.TempDir(), "config.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func writeTemplate(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func newLoader(t *testing.T, st *store.LibSQLStore) *TemplateLoader {
	t.Helper()
	validator, err := validation.NewTemplateValidator(nil)
	require.NoError(t, err)
	return NewTemplateLoader(st, validator, nil)
}

func TestParseTemplates(t *testing.T) {
	templates, err := ParseTemplates([]byte(deployYAML))
	require.NoError(t, err)
	require.Len(t, templates, 1)

	tpl := templates[0]
	assert.Equal(t, "deploy", tpl.Name)
	assert.Equal(t, "ops", tpl.Namespace)
	assert.Equal(t, "2.1.0", tpl.Version)
	assert.Equal(t, schema.ExecutionModeAuto, tpl.ExecutionMode)
	require.Len(t, tpl.Steps, 3)

	assert.Equal(t, 2, tpl.Steps[0].RetryLimit)
	assert.Equal(t, []string{"build"}, tpl.Steps[1].DependsOn)
	require.NotNil(t, tpl.Steps[1].SkipIf)
	assert.Equal(t, "cel", tpl.Steps[1].SkipIf.Language)
	assert.Equal(t, ".body", tpl.Steps[2].ResultPath)
	assert.Equal(t, "stable", tpl.Steps[2].Params["channel"])

	assert.JSONEq(t, `{
		"type": "object",
		"properties": {"env": {"type": "string", "enum": ["staging", "production"]}},
		"required": ["env"]
	}`, string(tpl.InputSchema))
}

func TestParseTemplates_MultiDocument(t *testing.T) {
	doc := "name: one\nsteps:\n  - name: a\n    handler: noop\n---\nname: two\nsteps:\n  - name: b\n    handler: noop\n"
	templates, err := ParseTemplates([]byte(doc))
	require.NoError(t, err)
	require.Len(t, templates, 2)
	assert.Equal(t, "one", templates[0].Name)
	assert.Equal(t, "two", templates[1].Name)
}

func TestParseTemplates_Empty(t *testing.T) {
	_, err := ParseTemplates([]byte(""))
	assert.Error(t, err)
}

func TestParseTemplates_MalformedYAML(t *testing.T) {
	_, err := ParseTemplates([]byte("name: [unclosed"))
	assert.Error(t, err)
}

func TestLoadDirectory(t *testing.T) {
	st := newLoaderStore(t)
	dir := t.TempDir()
	writeTemplate(t, dir, "deploy.yaml", deployYAML)
	writeTemplate(t, dir, "report.yml", "name: report\nsteps:\n  - name: gather\n    handler: noop\n")
	writeTemplate(t, dir, "notes.txt", "not a template")

	loader := newLoader(t, st)
	templates, err := loader.LoadDirectory(context.Background(), dir)
	require.NoError(t, err)
	assert.Len(t, templates, 2)

	stored, err := st.GetTemplate(context.Background(), "deploy", "2.1.0")
	require.NoError(t, err)
	assert.Equal(t, "ops", stored.Namespace)
	assert.Len(t, stored.Definition.Steps, 3)

	// Templates without a version get the default.
	stored, err = st.GetTemplate(context.Background(), "report", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "report", stored.Definition.Name)
}

func TestLoadDirectory_InvalidTemplateAborts(t *testing.T) {
	st := newLoaderStore(t)
	dir := t.TempDir()
	// Self-dependency fails validation.
	writeTemplate(t, dir, "bad.yaml", "name: bad\nsteps:\n  - name: a\n    handler: noop\n    depends_on: [a]\n")

	loader := newLoader(t, st)
	_, err := loader.LoadDirectory(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
}

func TestLoadDirectory_CycleRejected(t *testing.T) {
	st := newLoaderStore(t)
	dir := t.TempDir()
	writeTemplate(t, dir, "cycle.yaml",
		"name: cycle\nsteps:\n  - name: a\n    handler: noop\n    depends_on: [b]\n  - name: b\n    handler: noop\n    depends_on: [a]\n")

	loader := newLoader(t, st)
	_, err := loader.LoadDirectory(context.Background(), dir)
	assert.Error(t, err)
}

func TestLoadDirectory_Missing(t *testing.T) {
	loader := newLoader(t, newLoaderStore(t))
	_, err := loader.LoadDirectory(context.Background(), "/nonexistent/templates")
	assert.Error(t, err)
}

func TestLoadFile_InputSchemaEnforcedDownstream(t *testing.T) {
	st := newLoaderStore(t)
	dir := t.TempDir()
	writeTemplate(t, dir, "deploy.yaml", deployYAML)

	validator, err := validation.NewTemplateValidator(nil)
	require.NoError(t, err)
	loader := NewTemplateLoader(st, validator, nil)

	templates, err := loader.LoadFile(context.Background(), filepath.Join(dir, "deploy.yaml"))
	require.NoError(t, err)
	require.Len(t, templates, 1)

	assert.NoError(t, validator.ValidateInput(templates[0], []byte(`{"env": "staging"}`)))
	assert.Error(t, validator.ValidateInput(templates[0], []byte(`{"env": "qa"}`)))
	assert.Error(t, validator.ValidateInput(templates[0], []byte(`{}`)))
}
