package daemon

import (
	"context"
	"fmt"

	"github.com/0xMugen/othala/internal/config"
	"github.com/0xMugen/othala/internal/events"
	"github.com/0xMugen/othala/internal/store"
	"github.com/0xMugen/othala/internal/task"
)

// CreateParams is the spec for a new task.
type CreateParams struct {
	RepoID         string   `json:"repo_id"`
	Title          string   `json:"title"`
	Role           string   `json:"role,omitempty"`
	PreferredModel string   `json:"preferred_model,omitempty"`
	DependsOn      []string `json:"depends_on,omitempty"`
	ParentTask     string   `json:"parent_task,omitempty"`
	TimeoutSecs    int      `json:"timeout_secs,omitempty"`
}

// Create validates the spec and journals the new task. Dependency cycles
// and references to unknown tasks are rejected here, at the only place
// tasks enter the system.
func Create(ctx context.Context, cfg *config.OrgConfig, st *store.Store, p CreateParams) (*task.Task, error) {
	if p.Title == "" {
		return nil, fmt.Errorf("task title is required")
	}
	if _, ok := cfg.Repos[p.RepoID]; !ok {
		return nil, fmt.Errorf("unknown repo %q", p.RepoID)
	}
	role := task.Role(p.Role)
	if p.Role == "" {
		role = task.RoleGeneral
	} else if !role.Valid() {
		return nil, fmt.Errorf("unknown role %q", p.Role)
	}
	if p.PreferredModel != "" && !cfg.ModelEnabled(p.PreferredModel) {
		return nil, fmt.Errorf("model %q is not enabled", p.PreferredModel)
	}

	existing, err := st.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*task.Task, len(existing))
	for _, t := range existing {
		byID[t.ID] = t
	}
	if p.ParentTask != "" {
		if _, ok := byID[p.ParentTask]; !ok {
			return nil, fmt.Errorf("unknown parent task %q", p.ParentTask)
		}
	}

	t := task.New(task.NewID(), p.RepoID, p.Title)
	t.Role = role
	t.PreferredModel = p.PreferredModel
	t.DependsOn = p.DependsOn
	t.ParentTask = p.ParentTask
	t.TimeoutSecs = p.TimeoutSecs

	if err := task.ValidateDependencies(t, byID); err != nil {
		return nil, err
	}

	ev, err := events.New(t.ID, events.KindTaskCreated, events.TaskCreated{
		RepoID:         p.RepoID,
		Title:          p.Title,
		Role:           string(role),
		PreferredModel: p.PreferredModel,
		DependsOn:      p.DependsOn,
		ParentTask:     p.ParentTask,
		TimeoutSecs:    p.TimeoutSecs,
	})
	if err != nil {
		return nil, err
	}
	if _, err := st.Apply(ctx, ev); err != nil {
		return nil, err
	}
	return st.GetTask(ctx, t.ID)
}

// CreateTask is the daemon-side entry point; it journals through Create and
// does not publish the creation on the bus.
func (d *Daemon) CreateTask(ctx context.Context, p CreateParams) (*task.Task, error) {
	t, err := Create(ctx, d.cfg, d.st, p)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Resume moves a NEEDS_HUMAN task back to the state it paused from.
func Resume(ctx context.Context, st *store.Store, taskID string) (*task.Task, error) {
	t, err := st.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.State != task.StateNeedsHuman {
		return nil, fmt.Errorf("task %s is %s, not %s", taskID, t.State, task.StateNeedsHuman)
	}

	to := t.ResumeState()
	ev, err := events.New(t.ID, events.KindStateChanged, events.StateChanged{
		From:   string(t.State),
		To:     string(to),
		Reason: "operator resumed",
	})
	if err != nil {
		return nil, err
	}
	if _, err := st.Apply(ctx, ev); err != nil {
		return nil, err
	}
	return st.GetTask(ctx, taskID)
}

// RecordReview journals a review verdict. An approve verdict on a paused
// task resumes it.
func RecordReview(ctx context.Context, st *store.Store, taskID, reviewer, verdict string) (*task.Task, error) {
	switch verdict {
	case "approve", "request_changes", "block":
	default:
		return nil, fmt.Errorf("unknown verdict %q", verdict)
	}

	t, err := st.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	ev, err := events.New(taskID, events.KindReviewRecorded, events.ReviewRecorded{
		Reviewer: reviewer,
		Verdict:  verdict,
	})
	if err != nil {
		return nil, err
	}
	if _, err := st.Apply(ctx, ev); err != nil {
		return nil, err
	}

	if verdict == "approve" && t.State == task.StateNeedsHuman {
		return Resume(ctx, st, taskID)
	}
	return st.GetTask(ctx, taskID)
}
