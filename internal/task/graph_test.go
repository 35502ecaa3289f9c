package task

import (
	"strings"
	"testing"
)

func mkTask(id string, deps ...string) *Task {
	t := New(id, "example", "task "+id)
	t.DependsOn = deps
	return t
}

func asMap(tasks ...*Task) map[string]*Task {
	m := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		m[t.ID] = t
	}
	return m
}

func TestValidateDependencies(t *testing.T) {
	tests := []struct {
		name        string
		existing    map[string]*Task
		candidate   *Task
		wantErr     bool
		errContains string
	}{
		{
			name:      "no dependencies",
			existing:  asMap(),
			candidate: mkTask("A"),
		},
		{
			name:      "linear chain",
			existing:  asMap(mkTask("A"), mkTask("B", "A")),
			candidate: mkTask("C", "B"),
		},
		{
			name:      "fan-in",
			existing:  asMap(mkTask("A"), mkTask("B")),
			candidate: mkTask("C", "A", "B"),
		},
		{
			name:        "unknown dependency",
			existing:    asMap(mkTask("A")),
			candidate:   mkTask("B", "ghost"),
			wantErr:     true,
			errContains: "unknown task",
		},
		{
			name:        "self dependency",
			existing:    asMap(),
			candidate:   mkTask("A", "A"),
			wantErr:     true,
			errContains: "depends on itself",
		},
		{
			name: "cycle through existing",
			existing: func() map[string]*Task {
				a := mkTask("A", "C")
				b := mkTask("B", "A")
				return asMap(a, b)
			}(),
			candidate:   mkTask("C", "B"),
			wantErr:     true,
			errContains: "cycle",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDependencies(tt.candidate, tt.existing)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("error %q does not contain %q", err, tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestSortDependenciesOrder(t *testing.T) {
	tasks := asMap(mkTask("A"), mkTask("B", "A"), mkTask("C", "B"), mkTask("D", "A"))

	order, err := SortDependencies(tasks)
	if err != nil {
		t.Fatalf("SortDependencies failed: %v", err)
	}
	if len(order) != len(tasks) {
		t.Fatalf("order has %d entries, want %d", len(order), len(tasks))
	}

	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	for id, tk := range tasks {
		for _, dep := range tk.DependsOn {
			if pos[dep] > pos[id] {
				t.Errorf("dependency %s sorted after dependent %s", dep, id)
			}
		}
	}
}
