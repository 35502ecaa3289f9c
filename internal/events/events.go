package events

import (
	"encoding/json"
	"time"
)

// Kind identifies what happened. The journal is the ground truth for audit;
// every state-affecting change in the daemon is one of these.
type Kind string

const (
	KindTaskCreated     Kind = "task_created"
	KindStateChanged    Kind = "state_changed"
	KindBranchAssigned  Kind = "branch_assigned"
	KindAgentSpawned    Kind = "agent_spawned"
	KindAgentExited     Kind = "agent_exited"
	KindVerifyCompleted Kind = "verify_completed"
	KindSubmitCompleted Kind = "submit_completed"
	KindMergeDetected   Kind = "merge_detected"
	KindClassified      Kind = "classified"
	KindRetryScheduled  Kind = "retry_scheduled"
	KindRecoveryStarted Kind = "recovery_started"
	KindEscalated       Kind = "escalated"
	KindReviewRecorded  Kind = "review_recorded"
	KindCancelled       Kind = "cancelled"
	KindWarning         Kind = "warning"
	KindDiagnostic      Kind = "diagnostic"
)

// Event is one append-only journal entry. Seq is assigned by the store at
// apply time and is globally monotonic.
type Event struct {
	Seq     int64           `json:"seq"`
	TaskID  string          `json:"task_id,omitempty"`
	TS      time.Time       `json:"ts"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New builds an event with a marshalled payload. A nil payload is allowed.
func New(taskID string, kind Kind, payload any) (Event, error) {
	ev := Event{
		TaskID: taskID,
		TS:     time.Now().UTC(),
		Kind:   kind,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Event{}, err
		}
		ev.Payload = raw
	}
	return ev, nil
}

// Decode unmarshals the payload into out.
func (e Event) Decode(out any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, out)
}

// TaskCreated carries the full initial row so replay can reconstruct it.
type TaskCreated struct {
	RepoID         string   `json:"repo_id"`
	Title          string   `json:"title"`
	Role           string   `json:"role"`
	PreferredModel string   `json:"preferred_model,omitempty"`
	DependsOn      []string `json:"depends_on,omitempty"`
	ParentTask     string   `json:"parent_task,omitempty"`
	TimeoutSecs    int      `json:"timeout_secs,omitempty"`
}

// StateChanged records a state machine transition.
type StateChanged struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// BranchAssigned records pipeline init output.
type BranchAssigned struct {
	Branch       string `json:"branch"`
	WorktreePath string `json:"worktree_path"`
}

// AgentSpawned records a supervisor spawn.
type AgentSpawned struct {
	Role  string `json:"role"`
	Model string `json:"model"`
}

// AgentExited records the supervisor's exit report.
type AgentExited struct {
	ExitCode     int    `json:"exit_code"`
	Signal       string `json:"signal,omitempty"`
	Trailer      string `json:"trailer,omitempty"`
	FilesChanged int    `json:"files_changed"`
	Insertions   int    `json:"insertions"`
	Deletions    int    `json:"deletions"`
	TimedOut     bool   `json:"timed_out,omitempty"`
}

// VerifyCompleted records a verify run outcome.
type VerifyCompleted struct {
	Tier   string `json:"tier"`
	Passed bool   `json:"passed"`
	Reason string `json:"reason,omitempty"`
}

// SubmitCompleted records a submit attempt outcome.
type SubmitCompleted struct {
	Outcome string `json:"outcome"` // ok, retryable, auth, trunk_stale, untracked_branch, conflict
	Reason  string `json:"reason,omitempty"`
}

// MergeDetected records the merge probe outcome.
type MergeDetected struct {
	CommitSHA string `json:"commit_sha,omitempty"`
	Closed    bool   `json:"closed,omitempty"`
}

// Classified records the failure classifier's verdict and its effect
// on the retry counters.
type Classified struct {
	Class          string    `json:"class"`
	Reason         string    `json:"reason"`
	RetryCount     int       `json:"retry_count"`
	RecoveryRounds int       `json:"recovery_rounds"`
	NextRetryAt    time.Time `json:"next_retry_at,omitempty"`
	TimeoutSecs    int       `json:"timeout_secs,omitempty"`
	NextRole       string    `json:"next_role,omitempty"`
}

// RetryScheduled records a backoff decision.
type RetryScheduled struct {
	Attempt int       `json:"attempt"`
	At      time.Time `json:"at"`
	Reason  string    `json:"reason"`
}

// Escalated records a hand-off to the operator.
type Escalated struct {
	Reason      string `json:"reason"`
	Remediation string `json:"remediation,omitempty"`
}

// ReviewRecorded records an operator review verdict.
type ReviewRecorded struct {
	Reviewer string `json:"reviewer"`
	Verdict  string `json:"verdict"` // approve, request_changes, block
}

// Warning records a non-fatal condition the operator should see.
type Warning struct {
	Message string `json:"message"`
}
