package task

import (
	"fmt"
	"strings"

	"github.com/gammazero/toposort"
)

// ValidateDependencies checks that adding candidate to the live set keeps
// the depends_on relation a DAG and that every referenced task exists.
// existing maps task id -> task for all live tasks (candidate excluded).
func ValidateDependencies(candidate *Task, existing map[string]*Task) error {
	for _, depID := range candidate.DependsOn {
		if depID == candidate.ID {
			return fmt.Errorf("task %q depends on itself", candidate.ID)
		}
		if _, ok := existing[depID]; !ok {
			return fmt.Errorf("task %q depends on unknown task %q", candidate.ID, depID)
		}
	}

	all := make(map[string]*Task, len(existing)+1)
	for id, t := range existing {
		all[id] = t
	}
	all[candidate.ID] = candidate

	if _, err := SortDependencies(all); err != nil {
		return err
	}
	return nil
}

// SortDependencies returns task ids in topological order: every dependency
// precedes its dependents. Errors on cycles.
func SortDependencies(tasks map[string]*Task) ([]string, error) {
	var edges []toposort.Edge
	for id, t := range tasks {
		if len(t.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, depID := range t.DependsOn {
			edges = append(edges, toposort.Edge{depID, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("dependency graph contains cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(tasks) {
		var missing []string
		seen := make(map[string]bool, len(order))
		for _, id := range order {
			seen[id] = true
		}
		for id := range tasks {
			if !seen[id] {
				missing = append(missing, id)
			}
		}
		return nil, fmt.Errorf("topological sort lost %d tasks: %s", len(missing), strings.Join(missing, ", "))
	}

	return order, nil
}
