package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/0xMugen/othala/internal/classify"
	"github.com/0xMugen/othala/internal/events"
	"github.com/0xMugen/othala/internal/metrics"
	"github.com/0xMugen/othala/internal/pipeline"
	"github.com/0xMugen/othala/internal/recovery"
	"github.com/0xMugen/othala/internal/store"
	"github.com/0xMugen/othala/internal/supervisor"
	"github.com/0xMugen/othala/internal/task"
)

// Summary is what one tick reports back to the run loop.
type Summary struct {
	Live       int
	Dispatched int
	Reaped     int
	Applied    int
	Blocked    int
}

// Tick runs one scheduler pass: drain completed pipeline work, then the six
// phases in order — admission, dispatch, reap, pipeline, recovery, seed.
// Iteration order over tasks is creation time ascending so replays are
// deterministic and old tasks are never starved. The tick itself never
// blocks on IO; slow calls go through the worker pool. Only store errors
// propagate out.
func (d *Daemon) Tick(ctx context.Context) (Summary, error) {
	var sum Summary

	// Completed off-tick work first, so this tick sees its effects.
	for _, res := range d.drainResults() {
		if err := d.handleOpResult(ctx, res); err != nil {
			return sum, err
		}
		sum.Applied++
	}

	tasks, err := d.st.ListTasks(ctx)
	if err != nil {
		return sum, err
	}

	merged := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t.State == task.StateMerged {
			merged[t.ID] = true
		}
	}

	live := 0
	blocked := 0
	stateCounts := make(map[task.State]int)
	for _, t := range tasks {
		if !t.State.Terminal() {
			live++
			stateCounts[t.State]++
		}
		if t.State == task.StateNeedsHuman {
			blocked++
		}
	}
	sum.Live = live
	sum.Blocked = blocked
	for _, s := range task.AllStates {
		if s.Terminal() {
			continue
		}
		metrics.LiveTasks.WithLabelValues(string(s)).Set(float64(stateCounts[s]))
	}

	// Phases 1-2: admission and dispatch. Admission is the guard inside the
	// dispatch loop: a CHATTING task with unmerged deps is simply not
	// dispatchable this tick.
	for _, t := range tasks {
		if t.State != task.StateChatting {
			continue
		}
		if d.sup.Has(t.ID) {
			continue
		}
		if _, busy := d.inflight[t.ID]; busy {
			continue
		}
		if t.Blocked(func(id string) bool { return merged[id] }) {
			continue
		}
		if !t.NextRetryAt.IsZero() && time.Now().Before(t.NextRetryAt) {
			continue
		}
		if d.opts.SkipQA && t.Role == task.RoleQA {
			continue
		}
		if !d.capsAllow(t) {
			continue
		}

		if t.WorktreePath == "" {
			tt := t.Clone()
			d.issue(t.ID, opInit, func() opResult {
				branch, worktree, err := d.pipe.Init(tt)
				return opResult{branch: branch, worktree: worktree, err: err}
			})
			continue
		}

		if err := d.spawn(ctx, t); err != nil {
			return sum, err
		}
		sum.Dispatched++
	}

	// Phase 3: reap.
	for _, rep := range d.sup.Poll() {
		if err := d.reap(ctx, rep); err != nil {
			return sum, err
		}
		sum.Reaped++
	}

	// Phase 4: pipeline checks for tasks past CHATTING.
	for _, t := range tasks {
		if !t.State.InPipeline() {
			continue
		}
		if _, busy := d.inflight[t.ID]; busy {
			continue
		}
		if err := d.pipelinePhase(t); err != nil {
			return sum, err
		}
	}

	// Phase 5: recovery. Retry gating happens in dispatch via NextRetryAt,
	// so nothing is journalled here; this phase only ages out merge-poll
	// bookkeeping for merged tasks.
	for id := range d.lastMergePoll {
		if merged[id] {
			delete(d.lastMergePoll, id)
		}
	}

	// Phase 6: seed repos with an empty active set.
	if d.seed != nil {
		if err := d.seedPhase(ctx, tasks); err != nil {
			return sum, err
		}
	}

	d.blockedRatioAlert(ctx, live, blocked)

	metrics.Ticks.Inc()
	return sum, nil
}

// capsAllow enforces per-repo and per-model concurrency caps.
func (d *Daemon) capsAllow(t *task.Task) bool {
	if d.cfg.RepoConcurrency > 0 {
		inRepo := d.sup.CountWhere(func(id, model string) bool { return d.taskRepo(id) == t.RepoID })
		if inRepo >= d.cfg.RepoConcurrency {
			return false
		}
	}
	if d.cfg.ModelConcurrency > 0 {
		decision := d.disp.Pick(t)
		inModel := d.sup.CountWhere(func(id, model string) bool { return model == decision.Model })
		if inModel >= d.cfg.ModelConcurrency {
			return false
		}
	}
	return true
}

// taskRepo maps a live session's task id to its repo. Sessions are spawned
// from store rows, so a cache keyed at spawn time stays correct.
func (d *Daemon) taskRepo(taskID string) string {
	return d.sessionRepos[taskID]
}

// spawn dispatches an agent for a CHATTING task with an initialized worktree.
func (d *Daemon) spawn(ctx context.Context, t *task.Task) error {
	decision := d.disp.Pick(t)

	failureContext := ""
	if t.Role == task.RoleRecovery {
		failureContext = recovery.BuildContext(t, d.attempts[t.ID])
	} else if t.LastFailureReason != "" {
		failureContext = fmt.Sprintf("failure_class=%s\n%s", t.LastFailureClass, t.LastFailureReason)
	}

	repo := d.cfg.Repos[t.RepoID]
	timeout := time.Duration(t.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(d.cfg.AgentTimeoutSecs) * time.Second
	}

	spec := supervisor.SpawnSpec{
		TaskID:       t.ID,
		Role:         string(decision.Role),
		Model:        decision.Model,
		Prompt:       supervisor.BuildPrompt(t.ID, t.Title, string(decision.Role), failureContext),
		WorktreePath: t.WorktreePath,
		LogPath:      d.logPath(t.ID),
		BaseBranch:   repo.BaseBranch,
		Timeout:      timeout,
		IdleTimeout:  time.Duration(d.cfg.AgentIdleTimeoutSecs) * time.Second,
	}

	if err := d.sup.Spawn(spec); err != nil {
		d.disp.ReportFailure(decision.Model)
		// A dispatch failure never blocks the pipeline: the spawn error text
		// is classified like an exit trailer and the recovery decision applied.
		log.Printf("WARNING: spawn failed for task %s: %v", t.ID, err)
		return d.classifyAndDecide(ctx, t, classify.Input{ExitCode: -1, Trailer: err.Error()})
	}

	d.sessionRepos[t.ID] = t.RepoID
	metrics.AgentSpawns.WithLabelValues(string(decision.Role), decision.Model).Inc()
	return d.apply(ctx, t.ID, events.KindAgentSpawned, events.AgentSpawned{
		Role:  string(decision.Role),
		Model: decision.Model,
	})
}

// reap consumes one supervisor exit report.
func (d *Daemon) reap(ctx context.Context, rep supervisor.ExitReport) error {
	delete(d.sessionRepos, rep.TaskID)

	t, err := d.st.GetTask(ctx, rep.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			// Purged while the agent ran; nothing left to update.
			log.Printf("WARNING: dropping exit report for unknown task %s", rep.TaskID)
			return nil
		}
		return err
	}

	sig := ""
	switch rep.Signal {
	case supervisor.SignalPatchReady:
		sig = "patch_ready"
	case supervisor.SignalNeedsHuman:
		sig = "needs_human"
	case supervisor.SignalQAComplete:
		sig = "qa_complete"
	}
	metrics.AgentExits.WithLabelValues(sig).Inc()
	d.disp.ReportSuccess(rep.Model)

	if err := d.apply(ctx, t.ID, events.KindAgentExited, events.AgentExited{
		ExitCode:     rep.ExitCode,
		Signal:       sig,
		Trailer:      rep.Trailer,
		FilesChanged: rep.FilesChanged,
		Insertions:   rep.Insertions,
		Deletions:    rep.Deletions,
		TimedOut:     rep.TimedOut,
	}); err != nil {
		return err
	}

	// A cancel racing the natural exit: the task is already terminal and the
	// exit report is informational only.
	if t.State.Terminal() {
		return nil
	}

	d.recordAttempt(t, rep)

	switch {
	case rep.Signal == supervisor.SignalNeedsHuman:
		return d.escalate(ctx, t, "agent requested human help", tailOf(rep.Trailer, 512))

	case rep.Signal == supervisor.SignalQAComplete:
		if failures := rep.QA.Failures(); len(failures) > 0 {
			detail := ""
			for _, f := range failures {
				detail += fmt.Sprintf("%s.%s FAIL %s\n", f.Suite, f.Name, f.Detail)
			}
			return d.classifyAndDecide(ctx, t, classify.Input{
				ExitCode:     rep.ExitCode,
				Signal:       rep.Signal,
				Trailer:      rep.Trailer,
				VerifyOutput: "tests failed:\n" + detail,
			})
		}
		fallthrough

	case rep.Signal == supervisor.SignalPatchReady:
		// Verify before promoting to READY.
		tt := t.Clone()
		d.issue(t.ID, opVerify, func() opResult {
			res, err := d.pipe.Verify(tt, "quick")
			return opResult{verifyTier: "quick", verify: res, err: err}
		})
		return nil

	default:
		return d.classifyAndDecide(ctx, t, classify.Input{
			ExitCode: rep.ExitCode,
			Signal:   rep.Signal,
			Trailer:  rep.Trailer,
			TimedOut: rep.TimedOut,
		})
	}
}

func (d *Daemon) recordAttempt(t *task.Task, rep supervisor.ExitReport) {
	d.attempts[t.ID] = append(d.attempts[t.ID], recovery.Attempt{
		Role:    rep.Role,
		Model:   rep.Model,
		Trailer: tailOf(rep.Trailer, 1024),
	})
	// Bound lineage carried in memory; the journal holds the full history.
	if len(d.attempts[t.ID]) > 8 {
		d.attempts[t.ID] = d.attempts[t.ID][len(d.attempts[t.ID])-8:]
	}
}

// classifyAndDecide runs the pure classifier, journals the verdict and
// applies the recovery routing.
func (d *Daemon) classifyAndDecide(ctx context.Context, t *task.Task, in classify.Input) error {
	class := classify.Classify(in)
	metrics.Failures.WithLabelValues(string(class)).Inc()

	reason := tailOf(in.VerifyOutput, 512)
	if reason == "" {
		reason = tailOf(in.Trailer, 512)
	}
	if reason == "" {
		reason = fmt.Sprintf("exit code %d", in.ExitCode)
	}

	// env failures get a supervisor-level environment re-probe before their
	// single retry; a failing probe escalates immediately.
	if class == classify.ClassEnv {
		decision := d.disp.Pick(t)
		if probeErr := supervisor.ProbeEnvironment(decision.Model); probeErr != nil {
			dec := recovery.Decision{
				Action:         recovery.ActionEscalate,
				Class:          class,
				Reason:         reason,
				Remediation:    classify.ClassEnv.Remediation(),
				RetryCount:     t.RetryCount,
				RecoveryRounds: t.RecoveryRounds,
				NextRole:       t.Role,
			}
			if err := d.journalDecision(ctx, t, dec); err != nil {
				return err
			}
			return d.escalate(ctx, t, probeErr.Error(), dec.Remediation)
		}
	}

	dec := recovery.Decide(t, class, reason, d.cfg, time.Now().UTC())
	if len(d.attempts[t.ID]) > 0 {
		d.attempts[t.ID][len(d.attempts[t.ID])-1].Class = string(class)
	}
	if err := d.journalDecision(ctx, t, dec); err != nil {
		return err
	}

	switch dec.Action {
	case recovery.ActionRetry, recovery.ActionRecover:
		// Task stays (or returns to) CHATTING; dispatch picks it up after
		// NextRetryAt.
		if t.State != task.StateChatting {
			return d.transition(ctx, t, task.StateChatting, string(class))
		}
		return nil
	case recovery.ActionEscalate:
		return d.escalate(ctx, t, dec.Reason, dec.Remediation)
	case recovery.ActionStop:
		if err := d.transition(ctx, t, task.StateStopped, dec.Reason); err != nil {
			return err
		}
		if relErr := d.pipe.Release(t); relErr != nil {
			log.Printf("WARNING: failed to release worktree for %s: %v", t.ID, relErr)
		}
		return nil
	}
	return nil
}

func (d *Daemon) journalDecision(ctx context.Context, t *task.Task, dec recovery.Decision) error {
	return d.apply(ctx, t.ID, events.KindClassified, events.Classified{
		Class:          string(dec.Class),
		Reason:         dec.Reason,
		RetryCount:     dec.RetryCount,
		RecoveryRounds: dec.RecoveryRounds,
		NextRetryAt:    dec.NextRetryAt,
		TimeoutSecs:    dec.TimeoutSecs,
		NextRole:       string(dec.NextRole),
	})
}

// pipelinePhase issues the off-tick check appropriate to the task's state.
func (d *Daemon) pipelinePhase(t *task.Task) error {
	switch t.State {
	case task.StateReady:
		// Parent movement outranks submission.
		tt := t.Clone()
		if t.ParentTask != "" || t.Branch != "" {
			d.issue(t.ID, opRestackCheck, func() opResult {
				needs, err := d.pipe.NeedsRestack(tt)
				return opResult{needsRestack: needs, err: err}
			})
			return nil
		}
		return nil

	case task.StateSubmitting:
		if !t.NextRetryAt.IsZero() && time.Now().Before(t.NextRetryAt) {
			return nil
		}
		tt := t.Clone()
		d.issue(t.ID, opSubmit, func() opResult {
			// Crash recovery: if a PR is already open or merged from a
			// submit the journal recorded but the daemon died before
			// observing, do not double-submit.
			if state, _, err := d.pipe.PRState(tt); err == nil && (state == "open" || state == "merged") {
				return opResult{submit: pipeline.SubmitResult{Outcome: pipeline.SubmitOK}, alreadyOpen: true}
			}
			res, err := d.pipe.Submit(tt)
			return opResult{submit: res, err: err}
		})
		return nil

	case task.StateRestacking:
		if st, ok := d.restackRetries[t.ID]; ok && time.Now().Before(st.nextAt) {
			return nil
		}
		tt := t.Clone()
		d.issue(t.ID, opRestack, func() opResult {
			outcome, msg, err := d.pipe.Restack(tt)
			return opResult{restack: outcome, restackMsg: msg, err: err}
		})
		return nil

	case task.StateAwaitingMerge:
		if last, ok := d.lastMergePoll[t.ID]; ok && time.Since(last) < d.opts.MergePollInterval {
			return nil
		}
		d.lastMergePoll[t.ID] = time.Now()
		tt := t.Clone()
		d.issue(t.ID, opDetectMerge, func() opResult {
			probe, err := d.pipe.DetectMerge(tt)
			if err == nil && !probe.Merged && !probe.Closed {
				// While waiting, watch for parent movement.
				if needs, nerr := d.pipe.NeedsRestack(tt); nerr == nil && needs {
					return opResult{merge: probe, needsRestack: true}
				}
			}
			return opResult{merge: probe, err: err}
		})
		return nil
	}
	return nil
}

// readyToSubmit checks the admission, auto-submit and review gates.
func (d *Daemon) readyToSubmit(ctx context.Context, t *task.Task, merged map[string]bool) (bool, error) {
	if !d.cfg.AutoSubmitEnabled(t.RepoID) {
		return false, nil
	}
	if t.Blocked(func(id string) bool { return merged[id] }) {
		return false, nil
	}
	if d.cfg.ReviewApprovals > 0 {
		verdicts, err := d.st.ReviewVerdicts(ctx, t.ID)
		if err != nil {
			return false, err
		}
		approvals := 0
		for _, v := range verdicts {
			switch v {
			case "block":
				return false, nil
			case "approve":
				approvals++
			}
		}
		if approvals < d.cfg.ReviewApprovals {
			return false, nil
		}
	}
	return true, nil
}

// seedPhase asks the hook for new work in repos with no active task.
func (d *Daemon) seedPhase(ctx context.Context, tasks []*task.Task) error {
	activeByRepo := make(map[string]int)
	for _, t := range tasks {
		if t.State == task.StateChatting {
			activeByRepo[t.RepoID]++
		}
	}
	for repoID := range d.cfg.Repos {
		if activeByRepo[repoID] > 0 {
			continue
		}
		params := d.seed(repoID)
		if params == nil {
			continue
		}
		if _, err := d.CreateTask(ctx, *params); err != nil {
			log.Printf("WARNING: seeding repo %s failed: %v", repoID, err)
		}
	}
	return nil
}

// blockedRatioAlert emits a warning event when too many live tasks wait on
// a human. Edge-triggered so the journal is not spammed every tick.
func (d *Daemon) blockedRatioAlert(ctx context.Context, live, blocked int) {
	if d.cfg.BlockedRatioAlert <= 0 || live == 0 {
		d.blockedAlerted = false
		return
	}
	ratio := float64(blocked) / float64(live)
	if ratio > d.cfg.BlockedRatioAlert {
		if !d.blockedAlerted {
			d.blockedAlerted = true
			msg := fmt.Sprintf("%d of %d live tasks need a human (ratio %.2f)", blocked, live, ratio)
			if err := d.apply(ctx, "", events.KindWarning, events.Warning{Message: msg}); err != nil {
				log.Printf("WARNING: failed to journal blocked-ratio alert: %v", err)
			}
		}
		return
	}
	d.blockedAlerted = false
}

func tailOf(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
