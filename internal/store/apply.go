package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/0xMugen/othala/internal/events"
	"github.com/0xMugen/othala/internal/task"
)

// Apply is the single transactional primitive: assign the next sequence
// number, append the event to the journal, then fold it into the snapshot.
// Journal first, snapshot second — replay determinism depends on this order.
// The returned event carries its assigned Seq.
func (s *Store) Apply(ctx context.Context, ev events.Event) (events.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	applied, err := s.lastSeq(ctx)
	if err != nil {
		return ev, err
	}
	ev.Seq = applied + 1

	if err := s.journal.Append(ev); err != nil {
		return ev, err
	}
	if err := s.applySnapshot(ctx, ev); err != nil {
		return ev, err
	}
	return ev, nil
}

// applySnapshot folds one event into the task row inside a transaction.
// It is the reducer used both by live Apply and by boot replay, so it may
// only read the event and the current row — never the wall clock.
func (s *Store) applySnapshot(ctx context.Context, ev events.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := reduce(ctx, tx, ev); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES ('last_seq', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		fmt.Sprintf("%d", ev.Seq)); err != nil {
		return fmt.Errorf("failed to record last_seq: %w", err)
	}

	return tx.Commit()
}

// reduce dispatches on event kind. Kinds that do not affect the snapshot
// only bump updated_at on the task row (when one is named).
func reduce(ctx context.Context, tx *sql.Tx, ev events.Event) error {
	switch ev.Kind {
	case events.KindTaskCreated:
		var p events.TaskCreated
		if err := ev.Decode(&p); err != nil {
			return err
		}
		t := &task.Task{
			ID:             ev.TaskID,
			RepoID:         p.RepoID,
			Title:          p.Title,
			State:          task.StateChatting,
			Role:           task.Role(p.Role),
			PreferredModel: p.PreferredModel,
			DependsOn:      p.DependsOn,
			ParentTask:     p.ParentTask,
			TimeoutSecs:    p.TimeoutSecs,
			CreatedAt:      ev.TS,
			UpdatedAt:      ev.TS,
		}
		if t.Role == "" {
			t.Role = task.RoleGeneral
		}
		return insertTask(ctx, tx, t)

	case events.KindStateChanged:
		var p events.StateChanged
		if err := ev.Decode(&p); err != nil {
			return err
		}
		return mutateTask(ctx, tx, ev, func(t *task.Task) error {
			from := task.State(p.From)
			to := task.State(p.To)
			if t.State != from {
				return fmt.Errorf("snapshot state %s does not match event from-state %s", t.State, from)
			}
			return task.Transition(t, to, ev.TS)
		})

	case events.KindBranchAssigned:
		var p events.BranchAssigned
		if err := ev.Decode(&p); err != nil {
			return err
		}
		return mutateTask(ctx, tx, ev, func(t *task.Task) error {
			t.Branch = p.Branch
			t.WorktreePath = p.WorktreePath
			return nil
		})

	case events.KindAgentSpawned:
		var p events.AgentSpawned
		if err := ev.Decode(&p); err != nil {
			return err
		}
		return mutateTask(ctx, tx, ev, func(t *task.Task) error {
			t.Role = task.Role(p.Role)
			return nil
		})

	case events.KindClassified:
		var p events.Classified
		if err := ev.Decode(&p); err != nil {
			return err
		}
		return mutateTask(ctx, tx, ev, func(t *task.Task) error {
			t.LastFailureClass = p.Class
			t.LastFailureReason = p.Reason
			t.RetryCount = p.RetryCount
			t.RecoveryRounds = p.RecoveryRounds
			t.NextRetryAt = p.NextRetryAt
			if p.TimeoutSecs > 0 {
				t.TimeoutSecs = p.TimeoutSecs
			}
			if p.NextRole != "" {
				t.Role = task.Role(p.NextRole)
			}
			return nil
		})

	case events.KindMergeDetected:
		var p events.MergeDetected
		if err := ev.Decode(&p); err != nil {
			return err
		}
		return mutateTask(ctx, tx, ev, func(t *task.Task) error {
			t.MergeCommit = p.CommitSHA
			return nil
		})

	case events.KindReviewRecorded:
		var p events.ReviewRecorded
		if err := ev.Decode(&p); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO reviews (task_id, reviewer, verdict, recorded_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(task_id, reviewer) DO UPDATE SET verdict = excluded.verdict, recorded_at = excluded.recorded_at`,
			ev.TaskID, p.Reviewer, p.Verdict, ev.TS); err != nil {
			return fmt.Errorf("failed to record review: %w", err)
		}
		return nil

	case events.KindEscalated:
		var p events.Escalated
		if err := ev.Decode(&p); err != nil {
			return err
		}
		return mutateTask(ctx, tx, ev, func(t *task.Task) error {
			if p.Remediation != "" {
				t.LastFailureReason = p.Remediation
			} else if p.Reason != "" {
				t.LastFailureReason = p.Reason
			}
			return nil
		})

	case events.KindCancelled:
		return mutateTask(ctx, tx, ev, func(t *task.Task) error {
			t.LastFailureReason = "cancelled"
			t.LastFailureClass = "cancelled"
			return nil
		})

	default:
		// Informational kinds (spawn exits, verify and submit outcomes,
		// warnings) touch updated_at only.
		if ev.TaskID == "" {
			return nil
		}
		return mutateTask(ctx, tx, ev, func(t *task.Task) error { return nil })
	}
}

// mutateTask loads a row, applies fn, stamps updated_at from the event
// timestamp and writes the row back.
func mutateTask(ctx context.Context, tx *sql.Tx, ev events.Event, fn func(*task.Task) error) error {
	t, err := getTaskTx(ctx, tx, ev.TaskID)
	if err != nil {
		return err
	}
	if err := fn(t); err != nil {
		return err
	}
	t.UpdatedAt = ev.TS
	return updateTask(ctx, tx, t)
}
