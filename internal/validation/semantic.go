package validation

import (
	"fmt"
	"time"

	"github.com/gantry-io/gantry/pkg/schema"
)

// HandlerLookup checks whether a handler name resolves. Satisfied by the
// handler registry; nil skips existence checks.
type HandlerLookup interface {
	Has(name string) bool
}

var validLanguages = map[string]bool{
	"":     true, // defaults to cel
	"cel":  true,
	"expr": true,
	"jq":   true,
}

// validateSemantic checks reference-level constraints the JSON Schema cannot
// express: duplicate step names, handler bindings, dependency references and
// expression languages.
func validateSemantic(tpl *schema.TaskTemplate, handlers HandlerLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	names := make(map[string]bool, len(tpl.Steps))
	for i, st := range tpl.Steps {
		path := fmt.Sprintf("/steps/%d", i)

		if names[st.Name] {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step name: %s", st.Name))
			continue
		}
		names[st.Name] = true

		if handlers != nil && !handlers.Has(st.Handler) {
			result.AddError(path+"/handler", schema.ErrCodeValidation,
				fmt.Sprintf("step %s references unknown handler: %s", st.Name, st.Handler))
		}

		if st.Timeout != "" {
			if _, err := time.ParseDuration(st.Timeout); err != nil {
				result.AddError(path+"/timeout", schema.ErrCodeValidation,
					fmt.Sprintf("step %s has invalid timeout %q", st.Name, st.Timeout))
			}
		}

		if st.SkipIf != nil && !validLanguages[st.SkipIf.Language] {
			result.AddError(path+"/skip_if", schema.ErrCodeValidation,
				fmt.Sprintf("step %s skip_if uses unknown language: %s", st.Name, st.SkipIf.Language))
		}
	}

	// Dependency references are checked in a second pass so forward
	// references to later steps are accepted.
	for i, st := range tpl.Steps {
		path := fmt.Sprintf("/steps/%d/depends_on", i)
		seen := make(map[string]bool, len(st.DependsOn))
		for _, dep := range st.DependsOn {
			switch {
			case dep == st.Name:
				result.AddError(path, schema.ErrCodeCycleDetected,
					fmt.Sprintf("step %s depends on itself", st.Name))
			case !names[dep]:
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("step %s depends on non-existent step: %s", st.Name, dep))
			case seen[dep]:
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("step %s has duplicate dependency: %s", st.Name, dep))
			}
			seen[dep] = true
		}
	}

	return result
}
