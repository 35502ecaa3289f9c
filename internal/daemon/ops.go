package daemon

import (
	"github.com/0xMugen/othala/internal/pipeline"
)

// opKind names the off-tick pipeline operations.
type opKind string

const (
	opInit         opKind = "init"
	opVerify       opKind = "verify"
	opSubmit       opKind = "submit"
	opRestack      opKind = "restack"
	opDetectMerge  opKind = "detect_merge"
	opRestackCheck opKind = "restack_check"
)

// opResult is posted by a worker when its pipeline call finishes. All store
// writes happen on the tick goroutine; workers only run the external call.
type opResult struct {
	taskID string
	kind   opKind
	err    error

	branch   string
	worktree string

	verifyTier string
	verify     pipeline.VerifyResult

	submit      pipeline.SubmitResult
	alreadyOpen bool

	restack    pipeline.RestackOutcome
	restackMsg string

	merge pipeline.MergeProbe

	needsRestack bool
}

// issue starts one worker for a task unless one is already in flight.
func (d *Daemon) issue(taskID string, kind opKind, fn func() opResult) {
	if _, busy := d.inflight[taskID]; busy {
		return
	}
	d.inflight[taskID] = kind
	d.workers.Go(func() error {
		res := fn()
		res.taskID = taskID
		res.kind = kind
		d.results <- res
		return nil
	})
}

// drainResults empties the result channel without blocking.
func (d *Daemon) drainResults() []opResult {
	var out []opResult
	for {
		select {
		case res := <-d.results:
			delete(d.inflight, res.taskID)
			out = append(out, res)
		default:
			return out
		}
	}
}
