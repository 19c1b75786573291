package validation

import (
	"fmt"
	"sort"

	"github.com/gantry-io/gantry/pkg/schema"
)

// validateDAG performs graph analysis on the template's dependency edges:
// cycle detection using Kahn's algorithm. Invalid references are assumed to
// have been caught by the semantic stage.
func validateDAG(tpl *schema.TaskTemplate) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if _, err := topoSort(tpl); err != nil {
		result.AddError("/steps", schema.ErrCodeCycleDetected, err.Error())
	}
	return result
}

// Levels groups the template's steps into parallel execution levels: steps
// at the same level have all dependencies satisfied by previous levels.
// Returns an error when the dependency graph contains a cycle.
func Levels(tpl *schema.TaskTemplate) ([][]string, error) {
	sorted, err := topoSort(tpl)
	if err != nil {
		return nil, err
	}

	deps := dependencyMap(tpl)
	depth := make(map[string]int, len(sorted))
	for _, name := range sorted {
		maxDep := -1
		for _, dep := range deps[name] {
			if depth[dep] > maxDep {
				maxDep = depth[dep]
			}
		}
		depth[name] = maxDep + 1
	}

	maxLevel := 0
	for _, d := range depth {
		if d > maxLevel {
			maxLevel = d
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, name := range sorted {
		levels[depth[name]] = append(levels[depth[name]], name)
	}
	return levels, nil
}

// topoSort runs Kahn's algorithm over the template's steps and returns a
// deterministic topological order, or an error naming the cyclic steps.
func topoSort(tpl *schema.TaskTemplate) ([]string, error) {
	deps := dependencyMap(tpl)

	dependents := make(map[string][]string, len(deps))
	inDegree := make(map[string]int, len(deps))
	for name, parents := range deps {
		inDegree[name] = len(parents)
		for _, p := range parents {
			dependents[p] = append(dependents[p], name)
		}
	}

	var queue []string
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	sorted := make([]string, 0, len(deps))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		next := append([]string(nil), dependents[node]...)
		sort.Strings(next)
		for _, dep := range next {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(deps) {
		var cyclic []string
		for name := range deps {
			if inDegree[name] > 0 {
				cyclic = append(cyclic, name)
			}
		}
		sort.Strings(cyclic)
		return nil, fmt.Errorf("dependency cycle involving steps: %v", cyclic)
	}
	return sorted, nil
}

// dependencyMap builds step name -> dependencies, dropping references to
// unknown steps and duplicates.
func dependencyMap(tpl *schema.TaskTemplate) map[string][]string {
	known := make(map[string]bool, len(tpl.Steps))
	for _, st := range tpl.Steps {
		known[st.Name] = true
	}

	deps := make(map[string][]string, len(tpl.Steps))
	for _, st := range tpl.Steps {
		seen := make(map[string]bool, len(st.DependsOn))
		var parents []string
		for _, dep := range st.DependsOn {
			if !known[dep] || seen[dep] {
				continue
			}
			seen[dep] = true
			parents = append(parents, dep)
		}
		deps[st.Name] = parents
	}
	return deps
}
