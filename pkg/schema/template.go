package schema

import "encoding/json"

// TaskTemplate is the typed, immutable definition of a task's DAG shape.
// Templates are loaded once at startup (YAML files or gantry.define) and
// treated as read-only input by the engine.
type TaskTemplate struct {
	Name          string          `json:"name" yaml:"name"`
	Namespace     string          `json:"namespace,omitempty" yaml:"namespace"`
	Version       string          `json:"version,omitempty" yaml:"version"`
	Description   string          `json:"description,omitempty" yaml:"description"`
	ExecutionMode ExecutionMode   `json:"execution_mode,omitempty" yaml:"execution_mode"`
	InputSchema   json.RawMessage `json:"input_schema,omitempty" yaml:"-"`
	Steps         []StepTemplate  `json:"steps" yaml:"steps"`
}

// StepTemplate describes a single step: its handler binding, dependency
// edges and retry policy.
type StepTemplate struct {
	Name      string   `json:"name" yaml:"name"`
	Handler   string   `json:"handler" yaml:"handler"`
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on"`
	// RetryLimit is the maximum number of attempts, not of retries: a step
	// with retry_limit 3 runs at most 3 times.
	RetryLimit int  `json:"retry_limit,omitempty" yaml:"retry_limit"`
	Retryable  *bool `json:"retryable,omitempty" yaml:"retryable"`
	// Timeout is a per-step handler timeout (e.g. "30s"). Empty means the
	// engine default applies.
	Timeout string `json:"timeout,omitempty" yaml:"timeout"`
	// SkipIf is an optional guard expression evaluated against the task
	// context and accumulated step results before the step is claimed.
	// When it evaluates true the step resolves complete without invoking
	// the handler.
	SkipIf *Expression `json:"skip_if,omitempty" yaml:"skip_if"`
	// ResultPath is an optional jq expression applied to the handler output
	// before it is stored as the step's results.
	ResultPath string `json:"result_path,omitempty" yaml:"result_path"`
	// Params are opaque handler-specific parameters.
	Params map[string]any `json:"params,omitempty" yaml:"params"`
}

// ExecutionMode is the per-template policy for processing-mode selection.
type ExecutionMode string

const (
	ExecutionModeAuto       ExecutionMode = "auto"
	ExecutionModeSequential ExecutionMode = "sequential"
	ExecutionModeConcurrent ExecutionMode = "concurrent"
)

// Expression is a guard or extraction expression with an explicit language.
type Expression struct {
	Language string `json:"language,omitempty" yaml:"language"` // cel | expr | jq (default: cel)
	Source   string `json:"source" yaml:"source"`
}

// Key returns the template's registry key, namespace-qualified when a
// namespace is set.
func (t *TaskTemplate) Key() string {
	if t.Namespace == "" {
		return t.Name
	}
	return t.Namespace + "/" + t.Name
}

// Step returns the step template with the given name, or nil.
func (t *TaskTemplate) Step(name string) *StepTemplate {
	for i := range t.Steps {
		if t.Steps[i].Name == name {
			return &t.Steps[i]
		}
	}
	return nil
}

// EffectiveRetryLimit returns the step's retry limit, defaulting to 3.
func (s *StepTemplate) EffectiveRetryLimit() int {
	if s.RetryLimit <= 0 {
		return 3
	}
	return s.RetryLimit
}

// EffectiveRetryable returns the step's retryable flag, defaulting to true.
func (s *StepTemplate) EffectiveRetryable() bool {
	if s.Retryable == nil {
		return true
	}
	return *s.Retryable
}
