package daemon

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/0xMugen/othala/internal/config"
	"github.com/0xMugen/othala/internal/dispatch"
	"github.com/0xMugen/othala/internal/events"
	"github.com/0xMugen/othala/internal/pipeline"
	"github.com/0xMugen/othala/internal/store"
	"github.com/0xMugen/othala/internal/supervisor"
	"github.com/0xMugen/othala/internal/task"
)

// fakePipe scripts pipeline outcomes per task.
type fakePipe struct {
	mu sync.Mutex

	verifyResults map[string]pipeline.VerifyResult // keyed by tier
	submitResult  pipeline.SubmitResult
	prState       string
	mergeProbe    pipeline.MergeProbe
	needsRestack  bool
	restackResult pipeline.RestackOutcome

	initCalls    int
	submitCalls  int
	releaseCalls int
}

func newFakePipe() *fakePipe {
	return &fakePipe{
		verifyResults: map[string]pipeline.VerifyResult{
			"quick": {Passed: true},
		},
		submitResult: pipeline.SubmitResult{Outcome: pipeline.SubmitOK},
		prState:      "none",
	}
}

func (f *fakePipe) Init(t *task.Task) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	return pipeline.BranchName(t.ID), "/tmp/wt/" + t.ID, nil
}

func (f *fakePipe) Verify(t *task.Task, tier string) (pipeline.VerifyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if res, ok := f.verifyResults[tier]; ok {
		return res, nil
	}
	return pipeline.VerifyResult{Passed: true, Skipped: true}, nil
}

func (f *fakePipe) Submit(t *task.Task) (pipeline.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCalls++
	return f.submitResult, nil
}

func (f *fakePipe) Restack(t *task.Task) (pipeline.RestackOutcome, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restackResult, "", nil
}

func (f *fakePipe) DetectMerge(t *task.Task) (pipeline.MergeProbe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mergeProbe, nil
}

func (f *fakePipe) PRState(t *task.Task) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prState, "", nil
}

func (f *fakePipe) NeedsRestack(t *task.Task) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.needsRestack, nil
}

func (f *fakePipe) Release(t *task.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releaseCalls++
	return nil
}

func (f *fakePipe) Prune() {}

func (f *fakePipe) set(fn func(*fakePipe)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// fakeSup simulates agent sessions: spawns are recorded as live until the
// test finishes them with a scripted exit report and Poll delivers it, as the
// real supervisor keeps a session until Poll reaps it.
type fakeSup struct {
	mu      sync.Mutex
	live    map[string]supervisor.SpawnSpec
	pending []supervisor.ExitReport
	spawns  []supervisor.SpawnSpec
	killed  []string
}

func newFakeSup() *fakeSup {
	return &fakeSup{live: make(map[string]supervisor.SpawnSpec)}
}

func (f *fakeSup) Has(taskID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.live[taskID]
	return ok
}

func (f *fakeSup) CountWhere(fn func(taskID, model string) bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, spec := range f.live {
		if fn(id, spec.Model) {
			n++
		}
	}
	return n
}

func (f *fakeSup) Spawn(spec supervisor.SpawnSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live[spec.TaskID] = spec
	f.spawns = append(f.spawns, spec)
	return nil
}

func (f *fakeSup) Poll() []supervisor.ExitReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.pending
	f.pending = nil
	for _, rep := range out {
		delete(f.live, rep.TaskID)
	}
	return out
}

func (f *fakeSup) Kill(taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, taskID)
	delete(f.live, taskID)
}

func (f *fakeSup) StopAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live = make(map[string]supervisor.SpawnSpec)
}

// finish completes a live session with the given report; the session stays
// live until the next Poll returns the report.
func (f *fakeSup) finish(taskID string, rep supervisor.ExitReport) {
	f.mu.Lock()
	defer f.mu.Unlock()
	spec := f.live[taskID]
	rep.TaskID = taskID
	if rep.Role == "" {
		rep.Role = spec.Role
	}
	if rep.Model == "" {
		rep.Model = spec.Model
	}
	f.pending = append(f.pending, rep)
}

func (f *fakeSup) lastSpawn() (supervisor.SpawnSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.spawns) == 0 {
		return supervisor.SpawnSpec{}, false
	}
	return f.spawns[len(f.spawns)-1], true
}

type harness struct {
	cfg  *config.OrgConfig
	st   *store.Store
	pipe *fakePipe
	sup  *fakeSup
	d    *Daemon
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Repos["example"] = config.RepoConfig{Path: "/tmp/example", BaseBranch: "main"}

	st, err := store.OpenMemory(context.Background(), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	pipe := newFakePipe()
	sup := newFakeSup()
	d := New(cfg, st, bus, sup, dispatch.New(cfg), pipe, Options{
		TickInterval:      time.Millisecond,
		MergePollInterval: time.Millisecond,
	})
	return &harness{cfg: cfg, st: st, pipe: pipe, sup: sup, d: d}
}

func (h *harness) create(t *testing.T, title string, deps ...string) *task.Task {
	t.Helper()
	tk, err := Create(context.Background(), h.cfg, h.st, CreateParams{
		RepoID:    "example",
		Title:     title,
		DependsOn: deps,
	})
	if err != nil {
		t.Fatal(err)
	}
	return tk
}

// tickUntil ticks the daemon until the task reaches want, allowing async
// pipeline workers to post between ticks.
func (h *harness) tickUntil(t *testing.T, taskID string, want task.State, maxTicks int) *task.Task {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < maxTicks; i++ {
		if _, err := h.d.Tick(ctx); err != nil {
			t.Fatalf("tick failed: %v", err)
		}
		tk, err := h.st.GetTask(ctx, taskID)
		if err != nil {
			t.Fatal(err)
		}
		if tk.State == want {
			return tk
		}
		time.Sleep(5 * time.Millisecond)
	}
	tk, _ := h.st.GetTask(ctx, taskID)
	t.Fatalf("task %s never reached %s (stuck at %s)", taskID, want, tk.State)
	return nil
}

// tickN runs a fixed number of ticks.
func (h *harness) tickN(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := h.d.Tick(context.Background()); err != nil {
			t.Fatalf("tick failed: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// waitForSpawn ticks until the supervisor has a live session for the task.
func (h *harness) waitForSpawn(t *testing.T, taskID string, maxTicks int) {
	t.Helper()
	for i := 0; i < maxTicks; i++ {
		if _, err := h.d.Tick(context.Background()); err != nil {
			t.Fatalf("tick failed: %v", err)
		}
		if h.sup.Has(taskID) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s was never dispatched", taskID)
}

func TestHappyPath(t *testing.T) {
	h := newHarness(t)
	tk := h.create(t, "add caching layer")

	h.pipe.set(func(f *fakePipe) { f.mergeProbe = pipeline.MergeProbe{Merged: true, CommitSHA: "abc123"} })

	h.waitForSpawn(t, tk.ID, 20)
	h.sup.finish(tk.ID, supervisor.ExitReport{Signal: supervisor.SignalPatchReady})

	final := h.tickUntil(t, tk.ID, task.StateMerged, 60)
	if final.RetryCount != 0 {
		t.Errorf("retry_count = %d, want 0", final.RetryCount)
	}
	if final.MergeCommit != "abc123" {
		t.Errorf("merge commit = %q, want abc123", final.MergeCommit)
	}
	if final.Branch == "" {
		t.Error("merged task must carry its branch")
	}
	if h.pipe.submitCalls != 1 {
		t.Errorf("submit calls = %d, want 1", h.pipe.submitCalls)
	}
}

func TestTransientVerifyFailureRetries(t *testing.T) {
	h := newHarness(t)
	tk := h.create(t, "flaky network task")

	h.pipe.set(func(f *fakePipe) {
		f.verifyResults["quick"] = pipeline.VerifyResult{Passed: false, Output: "network: dns lookup failed"}
	})

	h.waitForSpawn(t, tk.ID, 20)
	h.sup.finish(tk.ID, supervisor.ExitReport{Signal: supervisor.SignalPatchReady})
	h.tickN(t, 10)

	got, err := h.st.GetTask(context.Background(), tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != task.StateChatting {
		t.Errorf("state = %s, want CHATTING", got.State)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", got.RetryCount)
	}
	if got.LastFailureClass != "transient" {
		t.Errorf("class = %s, want transient", got.LastFailureClass)
	}
	if wait := time.Until(got.NextRetryAt); wait < 4*time.Second {
		t.Errorf("next dispatch in %v, want >= 5s backoff", wait)
	}

	// Backoff holds: no second spawn inside the window.
	h.tickN(t, 5)
	if h.sup.Has(tk.ID) {
		t.Error("task dispatched before its backoff elapsed")
	}
}

func TestLogicFailureRoutesToRecoveryThenSucceeds(t *testing.T) {
	h := newHarness(t)
	tk := h.create(t, "fix the flaky test")

	h.pipe.set(func(f *fakePipe) {
		f.verifyResults["quick"] = pipeline.VerifyResult{Passed: false, Output: "--- FAIL: TestX\ntest X failed"}
		f.mergeProbe = pipeline.MergeProbe{Merged: true, CommitSHA: "def456"}
	})

	h.waitForSpawn(t, tk.ID, 20)
	h.sup.finish(tk.ID, supervisor.ExitReport{Signal: supervisor.SignalPatchReady})
	h.tickN(t, 10)

	got, err := h.st.GetTask(context.Background(), tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Role != task.RoleRecovery {
		t.Fatalf("role = %s, want recovery", got.Role)
	}
	if got.RecoveryRounds != 1 {
		t.Errorf("recovery_rounds = %d, want 1", got.RecoveryRounds)
	}

	// The recovery agent fixes it: verify passes this time.
	h.pipe.set(func(f *fakePipe) {
		f.verifyResults["quick"] = pipeline.VerifyResult{Passed: true}
	})
	h.waitForSpawn(t, tk.ID, 20)
	if spec, ok := h.sup.lastSpawn(); !ok || spec.Role != string(task.RoleRecovery) {
		t.Errorf("respawn role = %+v, want recovery", spec)
	}
	h.sup.finish(tk.ID, supervisor.ExitReport{Signal: supervisor.SignalPatchReady})

	final := h.tickUntil(t, tk.ID, task.StateMerged, 60)
	if final.RecoveryRounds != 1 {
		t.Errorf("final recovery_rounds = %d, want 1", final.RecoveryRounds)
	}
}

func TestSubmitAuthFailureStopsRetrying(t *testing.T) {
	h := newHarness(t)
	tk := h.create(t, "needs auth")

	h.pipe.set(func(f *fakePipe) {
		f.submitResult = pipeline.SubmitResult{Outcome: pipeline.SubmitAuth, Reason: "not authenticated"}
	})

	h.waitForSpawn(t, tk.ID, 20)
	h.sup.finish(tk.ID, supervisor.ExitReport{Signal: supervisor.SignalPatchReady})

	final := h.tickUntil(t, tk.ID, task.StateNeedsHuman, 60)
	submits := h.pipe.submitCalls

	// The exact remediation string surfaces to the operator.
	want := "re-authenticate with the stack tool: run `gt auth` and verify repo access, then resume the task"
	if final.LastFailureReason != want {
		t.Errorf("remediation = %q, want %q", final.LastFailureReason, want)
	}

	// Zero further submit attempts.
	h.tickN(t, 10)
	if h.pipe.submitCalls != submits {
		t.Errorf("submit retried after auth failure: %d -> %d", submits, h.pipe.submitCalls)
	}
}

func TestParentMergeTriggersRestack(t *testing.T) {
	h := newHarness(t)
	tk := h.create(t, "stacked child")

	h.waitForSpawn(t, tk.ID, 20)
	h.sup.finish(tk.ID, supervisor.ExitReport{Signal: supervisor.SignalPatchReady})
	h.tickUntil(t, tk.ID, task.StateAwaitingMerge, 60)

	// Parent moves while the child waits for merge.
	h.pipe.set(func(f *fakePipe) { f.needsRestack = true })
	h.tickUntil(t, tk.ID, task.StateRestacking, 60)

	h.pipe.set(func(f *fakePipe) {
		f.needsRestack = false
		f.restackResult = pipeline.RestackOK
	})
	h.tickUntil(t, tk.ID, task.StateReady, 60)

	// And resubmits.
	h.tickUntil(t, tk.ID, task.StateSubmitting, 60)
}

func TestDependentWaitsForMerge(t *testing.T) {
	h := newHarness(t)
	t1 := h.create(t, "first")
	t2 := h.create(t, "second", t1.ID)

	h.waitForSpawn(t, t1.ID, 20)
	h.tickN(t, 5)
	if h.sup.Has(t2.ID) {
		t.Error("dependent task dispatched before its dependency merged")
	}

	// Drive T1 to MERGED; T2 becomes admissible.
	h.pipe.set(func(f *fakePipe) { f.mergeProbe = pipeline.MergeProbe{Merged: true, CommitSHA: "aaa"} })
	h.sup.finish(t1.ID, supervisor.ExitReport{Signal: supervisor.SignalPatchReady})
	h.tickUntil(t, t1.ID, task.StateMerged, 60)

	h.waitForSpawn(t, t2.ID, 20)
}

func TestAgentNeedsHumanSignal(t *testing.T) {
	h := newHarness(t)
	tk := h.create(t, "ambiguous spec")

	h.waitForSpawn(t, tk.ID, 20)
	h.sup.finish(tk.ID, supervisor.ExitReport{
		Signal:  supervisor.SignalNeedsHuman,
		Trailer: "unclear which API version to target",
	})

	final := h.tickUntil(t, tk.ID, task.StateNeedsHuman, 20)
	if final.PausedState != task.StateChatting {
		t.Errorf("paused_state = %s, want CHATTING", final.PausedState)
	}
}

func TestClosedWithoutMergeStops(t *testing.T) {
	h := newHarness(t)
	tk := h.create(t, "rejected change")

	h.waitForSpawn(t, tk.ID, 20)
	h.sup.finish(tk.ID, supervisor.ExitReport{Signal: supervisor.SignalPatchReady})
	h.tickUntil(t, tk.ID, task.StateAwaitingMerge, 60)

	h.pipe.set(func(f *fakePipe) { f.mergeProbe = pipeline.MergeProbe{Closed: true} })
	final := h.tickUntil(t, tk.ID, task.StateStopped, 60)
	if final.State != task.StateStopped {
		t.Errorf("state = %s", final.State)
	}
}

func TestCancelKillsAndStops(t *testing.T) {
	h := newHarness(t)
	tk := h.create(t, "doomed task")

	h.waitForSpawn(t, tk.ID, 20)

	if err := h.d.Cancel(context.Background(), tk.ID); err != nil {
		t.Fatal(err)
	}

	got, err := h.st.GetTask(context.Background(), tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != task.StateStopped {
		t.Errorf("state = %s, want STOPPED", got.State)
	}
	if got.LastFailureReason != "cancelled" {
		t.Errorf("reason = %q, want cancelled", got.LastFailureReason)
	}
	if len(h.sup.killed) != 1 || h.sup.killed[0] != tk.ID {
		t.Errorf("killed = %v", h.sup.killed)
	}

	// Idempotent.
	if err := h.d.Cancel(context.Background(), tk.ID); err != nil {
		t.Fatal(err)
	}
}

func TestCrashRecoveryDoesNotDoubleSubmit(t *testing.T) {
	h := newHarness(t)
	tk := h.create(t, "interrupted submit")

	// Simulate the pre-crash journal: branch assigned and the task already
	// in SUBMITTING when the daemon restarts.
	ctx := context.Background()
	mustApply := func(kind events.Kind, payload any) {
		ev, err := events.New(tk.ID, kind, payload)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := h.st.Apply(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}
	mustApply(events.KindBranchAssigned, events.BranchAssigned{Branch: "othala/x", WorktreePath: "/tmp/wt/x"})
	mustApply(events.KindStateChanged, events.StateChanged{From: "CHATTING", To: "READY"})
	mustApply(events.KindStateChanged, events.StateChanged{From: "READY", To: "SUBMITTING"})

	// The PR from the interrupted submit is already open.
	h.pipe.set(func(f *fakePipe) { f.prState = "open" })

	final := h.tickUntil(t, tk.ID, task.StateAwaitingMerge, 60)
	if final.State != task.StateAwaitingMerge {
		t.Fatalf("state = %s", final.State)
	}
	if h.pipe.submitCalls != 0 {
		t.Errorf("submit called %d times, want 0 (PR already open)", h.pipe.submitCalls)
	}
}

func TestRepoConcurrencyCap(t *testing.T) {
	h := newHarness(t)
	h.cfg.RepoConcurrency = 1

	t1 := h.create(t, "first")
	t2 := h.create(t, "second")

	h.waitForSpawn(t, t1.ID, 20)
	h.tickN(t, 5)
	if h.sup.Has(t2.ID) {
		t.Error("second task dispatched over the per-repo cap")
	}

	// Cap frees up when the first session ends.
	h.pipe.set(func(f *fakePipe) {
		f.verifyResults["quick"] = pipeline.VerifyResult{Passed: true}
	})
	h.sup.finish(t1.ID, supervisor.ExitReport{Signal: supervisor.SignalPatchReady})
	h.waitForSpawn(t, t2.ID, 30)
}

// TestInvariantsAfterTicks spot-checks the cross-cutting invariants over a
// run that exercises several paths.
func TestInvariantsAfterTicks(t *testing.T) {
	h := newHarness(t)
	t1 := h.create(t, "one")
	t2 := h.create(t, "two", t1.ID)

	h.pipe.set(func(f *fakePipe) { f.mergeProbe = pipeline.MergeProbe{Merged: true, CommitSHA: "m1"} })
	h.waitForSpawn(t, t1.ID, 20)
	h.sup.finish(t1.ID, supervisor.ExitReport{Signal: supervisor.SignalPatchReady})
	h.tickUntil(t, t1.ID, task.StateMerged, 60)

	ctx := context.Background()
	tasks, err := h.st.ListTasks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, tk := range tasks {
		if !tk.State.Valid() {
			t.Errorf("task %s has invalid state %q", tk.ID, tk.State)
		}
		if tk.State.RequiresBranch() && tk.Branch == "" {
			t.Errorf("task %s in %s without a branch", tk.ID, tk.State)
		}
		if tk.RetryCount > h.cfg.MaxAttempts {
			t.Errorf("task %s retry_count %d over cap", tk.ID, tk.RetryCount)
		}
		if tk.RecoveryRounds > h.cfg.MaxRecoveryRounds {
			t.Errorf("task %s recovery_rounds %d over cap", tk.ID, tk.RecoveryRounds)
		}
	}
	_ = t2
}
