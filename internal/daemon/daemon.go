// Package daemon runs the serial tick loop that drives every task through
// the state machine. One logical scheduler per process; agent subprocesses
// and pipeline calls run off-tick and report back through owned channels.
package daemon

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/0xMugen/othala/internal/config"
	"github.com/0xMugen/othala/internal/dispatch"
	"github.com/0xMugen/othala/internal/events"
	"github.com/0xMugen/othala/internal/metrics"
	"github.com/0xMugen/othala/internal/pipeline"
	"github.com/0xMugen/othala/internal/recovery"
	"github.com/0xMugen/othala/internal/store"
	"github.com/0xMugen/othala/internal/supervisor"
	"github.com/0xMugen/othala/internal/task"
)

// Options tune one daemon run.
type Options struct {
	// TickInterval is the pause between ticks.
	TickInterval time.Duration
	// Once runs a single tick and returns.
	Once bool
	// ExitOnIdle returns when no live (non-terminal) tasks remain.
	ExitOnIdle bool
	// Timeout bounds the whole run; zero means no bound.
	Timeout time.Duration
	// SkipQA suppresses QA-role dispatch.
	SkipQA bool
	// SkipContextGen records the --skip-context-gen flag. The daemon has no
	// context-generator hook and does not read it.
	SkipContextGen bool
	// VerifyCommand records the quick verify override. The daemon does not
	// apply it; the caller writes it into each repo's config before New.
	VerifyCommand string
	// MergePollInterval spaces PR state probes per task. Defaults to 30s.
	MergePollInterval time.Duration
}

// SeedFunc is the backlog hook: called for a repo with no active task, it
// may return the spec for one new task, or nil. Seeding policy lives
// outside the core.
type SeedFunc func(repoID string) *CreateParams

// Pipe is the slice of the pipeline façade the daemon drives. Satisfied by
// *pipeline.Pipeline; tests substitute fakes.
type Pipe interface {
	Init(t *task.Task) (branch, worktreePath string, err error)
	Verify(t *task.Task, tier string) (pipeline.VerifyResult, error)
	Submit(t *task.Task) (pipeline.SubmitResult, error)
	Restack(t *task.Task) (pipeline.RestackOutcome, string, error)
	DetectMerge(t *task.Task) (pipeline.MergeProbe, error)
	PRState(t *task.Task) (state, sha string, err error)
	NeedsRestack(t *task.Task) (bool, error)
	Release(t *task.Task) error
	Prune()
}

// AgentSupervisor is the slice of the supervisor the daemon drives.
// Satisfied by *supervisor.Supervisor.
type AgentSupervisor interface {
	Has(taskID string) bool
	CountWhere(fn func(taskID, model string) bool) int
	Spawn(spec supervisor.SpawnSpec) error
	Poll() []supervisor.ExitReport
	Kill(taskID string)
	StopAll()
}

// Daemon owns the scheduler state for one process.
type Daemon struct {
	cfg  *config.OrgConfig
	st   *store.Store
	bus  *events.Bus
	sup  AgentSupervisor
	disp *dispatch.Dispatcher
	pipe Pipe
	opts Options

	seed SeedFunc

	// Off-tick pipeline work: one worker group, results drained at the top
	// of each tick. inflight prevents duplicate issuance.
	workers  *errgroup.Group
	results  chan opResult
	inflight map[string]opKind

	// attempt lineage per task, feeding the deep recovery prompt.
	attempts map[string][]recovery.Attempt

	// sessionRepos maps live session task ids to their repo, for cap checks.
	sessionRepos map[string]string

	// restackRetries tracks bounded restack retries per task.
	restackRetries map[string]*restackRetryState

	// lastMergePoll rate-limits PR probes per task.
	lastMergePoll map[string]time.Time

	blockedAlerted bool
}

// mergePollInterval is the minimum spacing between PR state probes.
const mergePollInterval = 30 * time.Second

// New wires a daemon from its collaborators.
func New(cfg *config.OrgConfig, st *store.Store, bus *events.Bus, sup AgentSupervisor, disp *dispatch.Dispatcher, pipe Pipe, opts Options) *Daemon {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 2 * time.Second
	}
	if opts.MergePollInterval <= 0 {
		opts.MergePollInterval = mergePollInterval
	}
	g := &errgroup.Group{}
	g.SetLimit(8)
	return &Daemon{
		cfg:           cfg,
		st:            st,
		bus:           bus,
		sup:           sup,
		disp:          disp,
		pipe:          pipe,
		opts:          opts,
		workers:        g,
		results:        make(chan opResult, 256),
		inflight:       make(map[string]opKind),
		attempts:       make(map[string][]recovery.Attempt),
		sessionRepos:   make(map[string]string),
		restackRetries: make(map[string]*restackRetryState),
		lastMergePoll:  make(map[string]time.Time),
	}
}

// SetSeedHook installs the backlog seeding policy.
func (d *Daemon) SetSeedHook(fn SeedFunc) {
	d.seed = fn
}

// Run ticks until the context is cancelled or an Options bound is hit.
// Only store-layer corruption aborts the run; everything else is caught at
// the tick boundary, classified, and journalled.
func (d *Daemon) Run(ctx context.Context) error {
	if d.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
	}

	// Recover from prior crashes before the first tick.
	d.pipe.Prune()

	ticker := time.NewTicker(d.opts.TickInterval)
	defer ticker.Stop()
	defer d.shutdown()

	for {
		summary, err := d.Tick(ctx)
		if err != nil {
			// Store corruption is the only fatal path; write a final
			// diagnostic before giving up.
			d.diagnostic(ctx, fmt.Sprintf("store failure, daemon aborting: %v", err))
			return err
		}

		if d.opts.Once {
			return nil
		}
		if d.opts.ExitOnIdle && summary.Live == 0 && len(d.inflight) == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (d *Daemon) shutdown() {
	d.sup.StopAll()
	// Drain outstanding pipeline workers so their subprocesses finish.
	_ = d.workers.Wait()
}

// Cancel kills any live session, releases the worktree and stops the task.
// Idempotent: cancelling a finished task is a no-op, and an unknown task id
// returns the store's lookup error; a cancel
// racing a natural exit is reconciled by the reap phase because the task is
// already STOPPED when the exit report arrives.
func (d *Daemon) Cancel(ctx context.Context, taskID string) error {
	t, err := d.st.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.State.Terminal() {
		return nil
	}

	d.sup.Kill(taskID)

	if err := d.apply(ctx, taskID, events.KindCancelled, nil); err != nil {
		return err
	}
	if err := d.transition(ctx, t, task.StateStopped, "cancelled"); err != nil {
		return err
	}
	if relErr := d.pipe.Release(t); relErr != nil {
		log.Printf("WARNING: failed to release worktree for %s: %v", taskID, relErr)
	}
	return nil
}

// apply journals an event through the store and fans it out on the bus.
func (d *Daemon) apply(ctx context.Context, taskID string, kind events.Kind, payload any) error {
	ev, err := events.New(taskID, kind, payload)
	if err != nil {
		return err
	}
	applied, err := d.st.Apply(ctx, ev)
	if err != nil {
		return err
	}
	d.bus.Publish(applied)
	return nil
}

// transition validates and journals a state change. The reducer performs
// the same transition on the snapshot row; t is refreshed in place.
func (d *Daemon) transition(ctx context.Context, t *task.Task, to task.State, reason string) error {
	if !task.CanTransition(t.State, to) {
		return fmt.Errorf("%w: %s -> %s (task %s)", task.ErrInvalidTransition, t.State, to, t.ID)
	}
	payload := events.StateChanged{From: string(t.State), To: string(to), Reason: reason}
	if err := d.apply(ctx, t.ID, events.KindStateChanged, payload); err != nil {
		return err
	}
	// Mirror the reducer so callers see the new state without a re-read.
	_ = task.Transition(t, to, time.Now().UTC())
	return nil
}

func (d *Daemon) diagnostic(ctx context.Context, msg string) {
	if err := d.apply(ctx, "", events.KindDiagnostic, events.Warning{Message: msg}); err != nil {
		log.Printf("WARNING: failed to journal diagnostic: %v", err)
	}
}

// logPath returns the per-task agent log location.
func (d *Daemon) logPath(taskID string) string {
	return filepath.Join(d.cfg.LogsRoot(), taskID+".log")
}

// escalate pauses a task for the operator with an exact remediation string.
func (d *Daemon) escalate(ctx context.Context, t *task.Task, reason, remediation string) error {
	if err := d.apply(ctx, t.ID, events.KindEscalated, events.Escalated{Reason: reason, Remediation: remediation}); err != nil {
		return err
	}
	metrics.Escalations.Inc()
	return d.transition(ctx, t, task.StateNeedsHuman, reason)
}
