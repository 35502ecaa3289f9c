package task

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// Role is the intent assigned to an agent spawn.
type Role string

const (
	RoleGeneral     Role = "general"
	RoleImplementer Role = "implementer"
	RoleReviewer    Role = "reviewer"
	RoleQA          Role = "qa"
	RoleRecovery    Role = "recovery"
	RoleDocumentor  Role = "documentor"
	RoleExplorer    Role = "explorer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleGeneral, RoleImplementer, RoleReviewer, RoleQA, RoleRecovery, RoleDocumentor, RoleExplorer:
		return true
	}
	return false
}

// Task is the central entity driven through the state machine.
type Task struct {
	ID                string   `json:"id"`
	RepoID            string   `json:"repo_id"`
	Title             string   `json:"title"`
	State             State    `json:"state"`
	Role              Role     `json:"role"`
	PreferredModel    string   `json:"preferred_model,omitempty"`
	Branch            string   `json:"branch,omitempty"`
	WorktreePath      string   `json:"worktree_path,omitempty"`
	DependsOn         []string `json:"depends_on,omitempty"`
	ParentTask        string   `json:"parent_task,omitempty"`
	RetryCount        int      `json:"retry_count"`
	LastFailureReason string   `json:"last_failure_reason,omitempty"`
	LastFailureClass  string   `json:"last_failure_class,omitempty"`
	RecoveryRounds    int      `json:"recovery_rounds"`

	// PausedState records the state a NEEDS_HUMAN task resumes into.
	PausedState State `json:"paused_state,omitempty"`
	// NextRetryAt gates re-dispatch after a classified failure with backoff.
	NextRetryAt time.Time `json:"next_retry_at,omitempty"`
	// TimeoutSecs is the per-spawn wall-clock budget; doubled after a timeout.
	TimeoutSecs int `json:"timeout_secs,omitempty"`
	// MergeCommit is the merge commit SHA captured on merge detection.
	MergeCommit string `json:"merge_commit,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates a task in the initial state.
func New(id, repoID, title string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:        id,
		RepoID:    repoID,
		Title:     title,
		State:     StateChatting,
		Role:      RoleGeneral,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewID generates a ULID task identifier.
func NewID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// Clone returns a deep copy, so callers can hand tasks across goroutine
// boundaries without sharing the DependsOn slice.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.DependsOn != nil {
		cp.DependsOn = append([]string(nil), t.DependsOn...)
	}
	return &cp
}

// Blocked reports whether the task still waits on unmerged dependencies.
// merged reports terminal-success state for a given task id.
func (t *Task) Blocked(merged func(id string) bool) bool {
	for _, dep := range t.DependsOn {
		if !merged(dep) {
			return true
		}
	}
	return false
}
