package daemon

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/0xMugen/othala/internal/classify"
	"github.com/0xMugen/othala/internal/events"
	"github.com/0xMugen/othala/internal/metrics"
	"github.com/0xMugen/othala/internal/pipeline"
	"github.com/0xMugen/othala/internal/recovery"
	"github.com/0xMugen/othala/internal/task"
)

// restackRetryState tracks per-task restack attempts across ticks.
type restackRetryState struct {
	attempts int
	nextAt   time.Time
	backoff  time.Duration
}

const (
	restackMaxRetries     = 3
	restackInitialBackoff = 5 * time.Second
)

// handleOpResult folds one completed pipeline operation back into the state
// machine. Runs on the tick goroutine; every store write goes through apply.
func (d *Daemon) handleOpResult(ctx context.Context, res opResult) error {
	t, err := d.st.GetTask(ctx, res.taskID)
	if err != nil {
		// Deleted mid-flight; drop the result.
		log.Printf("WARNING: dropping %s result for unknown task %s", res.kind, res.taskID)
		return nil
	}
	if t.State.Terminal() {
		return nil
	}

	switch res.kind {
	case opInit:
		if res.err != nil {
			return d.classifyAndDecide(ctx, t, classify.Input{ExitCode: -1, Trailer: res.err.Error()})
		}
		return d.apply(ctx, t.ID, events.KindBranchAssigned, events.BranchAssigned{
			Branch:       res.branch,
			WorktreePath: res.worktree,
		})

	case opVerify:
		return d.handleVerify(ctx, t, res)

	case opSubmit:
		return d.handleSubmit(ctx, t, res)

	case opRestack:
		return d.handleRestack(ctx, t, res)

	case opDetectMerge:
		return d.handleDetectMerge(ctx, t, res)

	case opRestackCheck:
		return d.handleRestackCheck(ctx, t, res)
	}
	return nil
}

func (d *Daemon) handleVerify(ctx context.Context, t *task.Task, res opResult) error {
	if res.err != nil {
		return d.classifyAndDecide(ctx, t, classify.Input{ExitCode: -1, Trailer: res.err.Error()})
	}

	if err := d.apply(ctx, t.ID, events.KindVerifyCompleted, events.VerifyCompleted{
		Tier:   res.verifyTier,
		Passed: res.verify.Passed,
		Reason: tailOf(res.verify.Output, 512),
	}); err != nil {
		return err
	}

	if !res.verify.Passed {
		return d.classifyAndDecide(ctx, t, classify.Input{
			VerifyOutput: res.verify.Output,
		})
	}

	if res.verify.Skipped {
		msg := fmt.Sprintf("no %s verify command configured for repo %s; treating as pass", res.verifyTier, t.RepoID)
		if err := d.apply(ctx, t.ID, events.KindWarning, events.Warning{Message: msg}); err != nil {
			return err
		}
	}

	// A passing quick tier escalates to the full tier before submission
	// when one is configured.
	if res.verifyTier == "quick" {
		if repo, ok := d.cfg.Repos[t.RepoID]; ok && repo.VerifyFull != "" {
			tt := t.Clone()
			d.issue(t.ID, opVerify, func() opResult {
				vr, err := d.pipe.Verify(tt, "full")
				return opResult{verifyTier: "full", verify: vr, err: err}
			})
			return nil
		}
	}

	if t.State == task.StateChatting {
		return d.transition(ctx, t, task.StateReady, "verify passed")
	}
	return nil
}

func (d *Daemon) handleSubmit(ctx context.Context, t *task.Task, res opResult) error {
	if t.State != task.StateSubmitting {
		return nil
	}

	if res.err != nil && res.submit.Outcome == "" {
		// Infrastructure failure (breaker open, tool crash): retryable.
		res.submit = pipeline.SubmitResult{Outcome: pipeline.SubmitRetryable, Reason: res.err.Error()}
	}

	if err := d.apply(ctx, t.ID, events.KindSubmitCompleted, events.SubmitCompleted{
		Outcome: string(res.submit.Outcome),
		Reason:  tailOf(res.submit.Reason, 512),
	}); err != nil {
		return err
	}

	switch res.submit.Outcome {
	case pipeline.SubmitOK:
		return d.transition(ctx, t, task.StateAwaitingMerge, "submitted")

	case pipeline.SubmitAuth:
		return d.escalate(ctx, t, "stack tool authentication failed", classify.ClassPermission.Remediation())

	case pipeline.SubmitTrunkStale:
		return d.escalate(ctx, t, "base branch moved ahead of the stack", classify.ClassTrunkStale.Remediation())

	case pipeline.SubmitConflict:
		return d.escalate(ctx, t, "submit hit merge conflicts",
			"resolve conflicts in the worktree (`git status` there), commit, then resume the task")

	default: // retryable
		if t.RetryCount >= d.cfg.MaxAttempts {
			return d.transition(ctx, t, task.StateStopped, "submit retries exhausted")
		}
		attempt := t.RetryCount + 1
		at := time.Now().UTC().Add(recovery.Delay(attempt))
		if err := d.apply(ctx, t.ID, events.KindClassified, events.Classified{
			Class:          string(classify.ClassTransient),
			Reason:         tailOf(res.submit.Reason, 512),
			RetryCount:     attempt,
			RecoveryRounds: t.RecoveryRounds,
			NextRetryAt:    at,
		}); err != nil {
			return err
		}
		if err := d.apply(ctx, t.ID, events.KindRetryScheduled, events.RetryScheduled{
			Attempt: attempt,
			At:      at,
			Reason:  "submit retryable failure",
		}); err != nil {
			return err
		}
		return d.transition(ctx, t, task.StateReady, "submit will retry")
	}
}

func (d *Daemon) handleRestack(ctx context.Context, t *task.Task, res opResult) error {
	if t.State != task.StateRestacking {
		return nil
	}

	if res.err != nil {
		// Transient tool failure: bounded retries with doubling backoff
		// before asking for help.
		st, ok := d.restackRetries[t.ID]
		if !ok {
			st = &restackRetryState{backoff: restackInitialBackoff}
			d.restackRetries[t.ID] = st
		}
		st.attempts++
		if st.attempts > restackMaxRetries {
			delete(d.restackRetries, t.ID)
			return d.escalate(ctx, t, fmt.Sprintf("restack kept failing: %v", res.err),
				"restack the branch manually (`gt restack` in the worktree), then resume the task")
		}
		st.nextAt = time.Now().Add(st.backoff)
		st.backoff *= 2
		return nil
	}
	delete(d.restackRetries, t.ID)

	switch res.restack {
	case pipeline.RestackConflict:
		reason := "restack hit conflicts"
		if res.restackMsg != "" {
			reason = "restack hit conflicts: " + tailOf(res.restackMsg, 256)
		}
		return d.escalate(ctx, t, reason,
			"resolve rebase conflicts in the worktree, run `gt continue`, then resume the task")
	default: // ok or noop
		return d.transition(ctx, t, task.StateReady, "restacked")
	}
}

func (d *Daemon) handleDetectMerge(ctx context.Context, t *task.Task, res opResult) error {
	if t.State != task.StateAwaitingMerge {
		return nil
	}

	if res.err != nil {
		log.Printf("WARNING: merge probe failed for %s: %v", t.ID, res.err)
		return nil
	}

	switch {
	case res.merge.Merged:
		if err := d.apply(ctx, t.ID, events.KindMergeDetected, events.MergeDetected{
			CommitSHA: res.merge.CommitSHA,
		}); err != nil {
			return err
		}
		if err := d.transition(ctx, t, task.StateMerged, "merge detected"); err != nil {
			return err
		}
		metrics.Merges.Inc()
		delete(d.attempts, t.ID)
		if relErr := d.pipe.Release(t); relErr != nil {
			log.Printf("WARNING: failed to release worktree for %s: %v", t.ID, relErr)
		}
		return nil

	case res.merge.Closed:
		if err := d.apply(ctx, t.ID, events.KindMergeDetected, events.MergeDetected{Closed: true}); err != nil {
			return err
		}
		if err := d.transition(ctx, t, task.StateStopped, "closed"); err != nil {
			return err
		}
		if relErr := d.pipe.Release(t); relErr != nil {
			log.Printf("WARNING: failed to release worktree for %s: %v", t.ID, relErr)
		}
		return nil

	case res.needsRestack:
		return d.transition(ctx, t, task.StateRestacking, "parent moved")
	}
	return nil
}

func (d *Daemon) handleRestackCheck(ctx context.Context, t *task.Task, res opResult) error {
	if t.State != task.StateReady {
		return nil
	}
	if res.err != nil {
		log.Printf("WARNING: restack check failed for %s: %v", t.ID, res.err)
		return nil
	}

	if res.needsRestack {
		return d.transition(ctx, t, task.StateRestacking, "parent moved")
	}

	if !t.NextRetryAt.IsZero() && time.Now().Before(t.NextRetryAt) {
		return nil
	}

	tasks, err := d.st.ListTasks(ctx)
	if err != nil {
		return err
	}
	merged := make(map[string]bool, len(tasks))
	for _, other := range tasks {
		if other.State == task.StateMerged {
			merged[other.ID] = true
		}
	}

	ok, err := d.readyToSubmit(ctx, t, merged)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return d.transition(ctx, t, task.StateSubmitting, "auto-submit")
}
