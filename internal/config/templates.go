package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gantry-io/gantry/internal/store"
	"github.com/gantry-io/gantry/internal/validation"
	"github.com/gantry-io/gantry/pkg/schema"
)

const defaultTemplateVersion = "1.0.0"

// TemplateLoader reads task template definitions from YAML files,
// validates them and registers them in the store. Loading happens once
// at startup; a template file that fails validation aborts the load so a
// typo cannot silently drop a workflow.
type TemplateLoader struct {
	store     store.Store
	validator *validation.TemplateValidator
	logger    *slog.Logger
}

// NewTemplateLoader creates a TemplateLoader. validator may be nil to
// skip validation (used by tests that build templates programmatically).
func NewTemplateLoader(st store.Store, validator *validation.TemplateValidator, logger *slog.Logger) *TemplateLoader {
	if logger == nil {
		logger = slog.Default()
	}
	return &TemplateLoader{store: st, validator: validator, logger: logger}
}

// LoadDirectory parses every .yaml/.yml file under dir (non-recursive),
// validates each template and stores it. Returns the loaded templates in
// file order.
func (l *TemplateLoader) LoadDirectory(ctx context.Context, dir string) ([]*schema.TaskTemplate, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading template directory %s: %w", dir, err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".yaml" || ext == ".yml" {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(paths)

	var loaded []*schema.TaskTemplate
	for _, path := range paths {
		templates, err := l.LoadFile(ctx, path)
		if err != nil {
			return nil, err
		}
		loaded = append(loaded, templates...)
	}

	l.logger.InfoContext(ctx, "templates loaded", "dir", dir, "count", len(loaded))
	return loaded, nil
}

// LoadFile parses one YAML file, which may hold multiple templates as
// separate documents, and stores each.
func (l *TemplateLoader) LoadFile(ctx context.Context, path string) ([]*schema.TaskTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading template file %s: %w", path, err)
	}

	templates, err := ParseTemplates(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	for _, tpl := range templates {
		if l.validator != nil {
			if verr := l.validator.ValidateTemplate(tpl); verr != nil {
				return nil, fmt.Errorf("template %q in %s: %w", tpl.Name, path, verr)
			}
		}
		version := tpl.Version
		if version == "" {
			version = defaultTemplateVersion
		}
		if serr := l.store.StoreTemplate(ctx, &store.StoredTemplate{
			Name:       tpl.Name,
			Namespace:  tpl.Namespace,
			Version:    version,
			Definition: *tpl,
		}); serr != nil {
			return nil, fmt.Errorf("storing template %q: %w", tpl.Name, serr)
		}
		l.logger.InfoContext(ctx, "template registered",
			"name", tpl.Name, "version", version, "steps", len(tpl.Steps))
	}
	return templates, nil
}

// ParseTemplates decodes one or more YAML documents into task templates.
func ParseTemplates(data []byte) ([]*schema.TaskTemplate, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var templates []*schema.TaskTemplate
	for {
		var doc templateDocument
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decoding yaml: %w", err)
		}
		tpl, err := doc.toTemplate()
		if err != nil {
			return nil, err
		}
		if tpl != nil {
			templates = append(templates, tpl)
		}
	}
	if len(templates) == 0 {
		return nil, fmt.Errorf("no templates found")
	}
	return templates, nil
}

// templateDocument carries the raw input_schema separately: the typed
// template stores it as JSON, but in YAML files it is written as a plain
// mapping.
type templateDocument struct {
	schema.TaskTemplate `yaml:",inline"`
	InputSchema         map[string]any `yaml:"input_schema"`
}

func (d *templateDocument) toTemplate() (*schema.TaskTemplate, error) {
	if d.Name == "" && len(d.Steps) == 0 {
		return nil, nil
	}
	tpl := d.TaskTemplate
	if d.InputSchema != nil {
		raw, err := json.Marshal(normalizeYAML(d.InputSchema))
		if err != nil {
			return nil, fmt.Errorf("encoding input_schema for template %q: %w", d.Name, err)
		}
		tpl.InputSchema = raw
	}
	return &tpl, nil
}

// normalizeYAML converts map[any]any values (which yaml can produce for
// nested mappings) into map[string]any so the result marshals as JSON.
func normalizeYAML(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeYAML(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = normalizeYAML(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeYAML(item)
		}
		return out
	default:
		return v
	}
}
