package task

import (
	"fmt"
	"time"
)

// ErrInvalidTransition is wrapped by Transition when the move is not allowed.
var ErrInvalidTransition = fmt.Errorf("invalid task state transition")

// allowed maps each state to the set of states it may move to.
// MERGED and STOPPED are absorbing. NEEDS_HUMAN is handled separately:
// any non-terminal state may pause into it, and it resumes to the state
// recorded at pause time.
var allowed = map[State][]State{
	StateChatting:      {StateChatting, StateReady, StateStopped, StateNeedsHuman},
	StateReady:         {StateSubmitting, StateRestacking, StateChatting, StateStopped, StateNeedsHuman},
	StateSubmitting:    {StateAwaitingMerge, StateReady, StateStopped, StateNeedsHuman},
	StateRestacking:    {StateReady, StateStopped, StateNeedsHuman},
	StateAwaitingMerge: {StateMerged, StateRestacking, StateStopped, StateNeedsHuman},
	StateMerged:        {},
	StateStopped:       {},
	StateNeedsHuman:    {StateChatting, StateReady, StateSubmitting, StateRestacking, StateAwaitingMerge, StateStopped},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	for _, next := range allowed[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves the task to a new state, recording the pause origin when
// entering NEEDS_HUMAN. The caller journals the change; this only mutates
// the in-memory row.
func Transition(t *Task, to State, at time.Time) error {
	from := t.State
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if to == StateNeedsHuman && from != StateNeedsHuman {
		t.PausedState = from
	}
	if from == StateNeedsHuman && to != StateNeedsHuman {
		t.PausedState = ""
	}
	t.State = to
	t.UpdatedAt = at
	return nil
}

// ResumeState returns the state a paused task goes back to when the
// operator resumes it. Tasks paused before the pause-origin was recorded
// restart the agent loop.
func (t *Task) ResumeState() State {
	if t.PausedState != "" {
		return t.PausedState
	}
	return StateChatting
}
