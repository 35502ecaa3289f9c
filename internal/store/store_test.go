package store

import (
	"context"
	"testing"
	"time"

	"github.com/0xMugen/othala/internal/events"
	"github.com/0xMugen/othala/internal/task"
)

func mustApply(t *testing.T, s *Store, taskID string, kind events.Kind, payload any) events.Event {
	t.Helper()
	ev, err := events.New(taskID, kind, payload)
	if err != nil {
		t.Fatal(err)
	}
	applied, err := s.Apply(context.Background(), ev)
	if err != nil {
		t.Fatalf("Apply(%s) failed: %v", kind, err)
	}
	return applied
}

func createTask(t *testing.T, s *Store, id, repo string) {
	t.Helper()
	mustApply(t, s, id, events.KindTaskCreated, events.TaskCreated{
		RepoID: repo,
		Title:  "task " + id,
		Role:   "general",
	})
}

func TestApplyAssignsMonotonicSequence(t *testing.T) {
	ctx := context.Background()
	s, err := OpenMemory(ctx, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	createTask(t, s, "T1", "example")
	ev := mustApply(t, s, "T1", events.KindStateChanged, events.StateChanged{From: "CHATTING", To: "READY"})
	if ev.Seq != 2 {
		t.Errorf("second event seq = %d, want 2", ev.Seq)
	}

	tail, err := s.Journal().Tail()
	if err != nil {
		t.Fatal(err)
	}
	if tail != 2 {
		t.Errorf("journal tail = %d, want 2", tail)
	}
}

func TestTaskCreatedAndLookup(t *testing.T) {
	ctx := context.Background()
	s, err := OpenMemory(ctx, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	createTask(t, s, "T1", "example")

	got, err := s.GetTask(ctx, "T1")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != task.StateChatting {
		t.Errorf("initial state = %s, want CHATTING", got.State)
	}
	if got.Role != task.RoleGeneral {
		t.Errorf("role = %s, want general", got.Role)
	}

	if _, err := s.GetTask(ctx, "ghost"); err != ErrTaskNotFound {
		t.Errorf("lookup of unknown id = %v, want ErrTaskNotFound", err)
	}
}

func TestStateChangedReducerValidatesTransition(t *testing.T) {
	ctx := context.Background()
	s, err := OpenMemory(ctx, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	createTask(t, s, "T1", "example")

	ev, err := events.New("T1", events.KindStateChanged, events.StateChanged{From: "CHATTING", To: "MERGED"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Apply(ctx, ev); err == nil {
		t.Error("reducer accepted an illegal transition")
	}
}

func TestBranchAssignedAndClassified(t *testing.T) {
	ctx := context.Background()
	s, err := OpenMemory(ctx, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	createTask(t, s, "T1", "example")
	mustApply(t, s, "T1", events.KindBranchAssigned, events.BranchAssigned{
		Branch:       "othala/t1",
		WorktreePath: "/tmp/wt/T1",
	})
	next := time.Now().UTC().Add(10 * time.Second).Truncate(time.Second)
	mustApply(t, s, "T1", events.KindClassified, events.Classified{
		Class:      "transient",
		Reason:     "network: dns lookup",
		RetryCount: 1, NextRetryAt: next,
	})

	got, err := s.GetTask(ctx, "T1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Branch != "othala/t1" || got.WorktreePath != "/tmp/wt/T1" {
		t.Errorf("branch assignment not applied: %+v", got)
	}
	if got.RetryCount != 1 || got.LastFailureClass != "transient" {
		t.Errorf("classification not applied: %+v", got)
	}
	if !got.NextRetryAt.Equal(next) {
		t.Errorf("next_retry_at = %v, want %v", got.NextRetryAt, next)
	}
}

func TestListTasksOrderedByCreation(t *testing.T) {
	ctx := context.Background()
	s, err := OpenMemory(ctx, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for _, id := range []string{"A", "B", "C"} {
		createTask(t, s, id, "example")
		time.Sleep(2 * time.Millisecond)
	}

	tasks, err := s.ListTasks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 3 {
		t.Fatalf("listed %d tasks, want 3", len(tasks))
	}
	for i, want := range []string{"A", "B", "C"} {
		if tasks[i].ID != want {
			t.Errorf("position %d = %s, want %s", i, tasks[i].ID, want)
		}
	}
}

func TestReviewVerdictsUpsert(t *testing.T) {
	ctx := context.Background()
	s, err := OpenMemory(ctx, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	createTask(t, s, "T1", "example")
	mustApply(t, s, "T1", events.KindReviewRecorded, events.ReviewRecorded{Reviewer: "ada", Verdict: "request_changes"})
	mustApply(t, s, "T1", events.KindReviewRecorded, events.ReviewRecorded{Reviewer: "ada", Verdict: "approve"})
	mustApply(t, s, "T1", events.KindReviewRecorded, events.ReviewRecorded{Reviewer: "lin", Verdict: "approve"})

	verdicts, err := s.ReviewVerdicts(ctx, "T1")
	if err != nil {
		t.Fatal(err)
	}
	if verdicts["ada"] != "approve" {
		t.Errorf("ada verdict = %s, want the latest (approve)", verdicts["ada"])
	}
	if len(verdicts) != 2 {
		t.Errorf("got %d verdicts, want 2", len(verdicts))
	}
}

// TestReplayDeterminism rebuilds a fresh snapshot from the journal alone
// and expects task rows identical to the live snapshot.
func TestReplayDeterminism(t *testing.T) {
	ctx := context.Background()
	journalRoot := t.TempDir()

	live, err := OpenMemory(ctx, journalRoot)
	if err != nil {
		t.Fatal(err)
	}

	createTask(t, live, "T1", "example")
	mustApply(t, live, "T1", events.KindBranchAssigned, events.BranchAssigned{
		Branch: "othala/t1", WorktreePath: "/tmp/wt/T1",
	})
	mustApply(t, live, "T1", events.KindStateChanged, events.StateChanged{From: "CHATTING", To: "READY"})
	mustApply(t, live, "T1", events.KindStateChanged, events.StateChanged{From: "READY", To: "SUBMITTING"})
	mustApply(t, live, "T1", events.KindStateChanged, events.StateChanged{From: "SUBMITTING", To: "AWAITING_MERGE"})
	mustApply(t, live, "T1", events.KindMergeDetected, events.MergeDetected{CommitSHA: "abc123"})
	mustApply(t, live, "T1", events.KindStateChanged, events.StateChanged{From: "AWAITING_MERGE", To: "MERGED"})

	want, err := live.GetTask(ctx, "T1")
	if err != nil {
		t.Fatal(err)
	}
	live.Close()

	// Fresh empty snapshot over the same journal; Recover replays all.
	replayed, err := OpenMemory(ctx, journalRoot)
	if err != nil {
		t.Fatal(err)
	}
	defer replayed.Close()
	if err := replayed.Recover(ctx); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	got, err := replayed.GetTask(ctx, "T1")
	if err != nil {
		t.Fatal(err)
	}

	if got.State != want.State || got.Branch != want.Branch ||
		got.MergeCommit != want.MergeCommit || got.RetryCount != want.RetryCount {
		t.Errorf("replayed row differs:\n got %+v\nwant %+v", got, want)
	}
	if !got.UpdatedAt.Equal(want.UpdatedAt) {
		t.Errorf("replayed updated_at %v differs from live %v (timestamps are journalled)",
			got.UpdatedAt, want.UpdatedAt)
	}
}

// TestRecoverFromPartialApply simulates a crash between journal append and
// snapshot commit: the journal holds one more event than the snapshot saw.
func TestRecoverFromPartialApply(t *testing.T) {
	ctx := context.Background()
	journalRoot := t.TempDir()

	s, err := OpenMemory(ctx, journalRoot)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	createTask(t, s, "T1", "example")

	// Write the journal line directly, bypassing the snapshot.
	orphan, err := events.New("T1", events.KindStateChanged, events.StateChanged{From: "CHATTING", To: "READY"})
	if err != nil {
		t.Fatal(err)
	}
	orphan.Seq = 2
	if err := s.Journal().Append(orphan); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetTask(ctx, "T1")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != task.StateChatting {
		t.Fatalf("precondition broken: snapshot already advanced")
	}

	if err := s.Recover(ctx); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	got, err = s.GetTask(ctx, "T1")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != task.StateReady {
		t.Errorf("state after recover = %s, want READY", got.State)
	}
}

func TestJournalFirstOnReducerFailure(t *testing.T) {
	ctx := context.Background()
	s, err := OpenMemory(ctx, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	// Events against unknown tasks fail in the reducer but land in the
	// journal first: the journal, not the snapshot, is ground truth.
	ev, err := events.New("ghost", events.KindStateChanged, events.StateChanged{From: "CHATTING", To: "READY"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Apply(ctx, ev); err == nil {
		t.Fatal("expected reducer failure for unknown task")
	}
	tail, err := s.Journal().Tail()
	if err != nil {
		t.Fatal(err)
	}
	if tail != 1 {
		t.Errorf("journal tail = %d, want 1 (journal written before snapshot)", tail)
	}
}
