// Package recovery turns classified failures into routing decisions: retry
// with backoff, respawn under the deep recovery role, or escalate to the
// operator. Decisions are pure over (task counters, class, config) so
// journal replay reproduces them.
package recovery

import (
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/0xMugen/othala/internal/classify"
	"github.com/0xMugen/othala/internal/config"
	"github.com/0xMugen/othala/internal/task"
)

// Backoff parameters for transient retries.
const (
	backoffBase   = 5 * time.Second
	backoffFactor = 2.0
	backoffCap    = 5 * time.Minute
)

// Action is what the daemon does with a failed task next tick.
type Action string

const (
	// ActionRetry respawns the same role after NextRetryAt.
	ActionRetry Action = "retry"
	// ActionRecover respawns under the recovery role with lineage context.
	ActionRecover Action = "recover"
	// ActionEscalate pauses the task for the operator.
	ActionEscalate Action = "escalate"
	// ActionStop terminates the task.
	ActionStop Action = "stop"
)

// Decision is the resolved routing for one classified failure.
type Decision struct {
	Action Action
	Class  classify.Class
	Reason string
	// Remediation is the exact operator instruction for escalations.
	Remediation string
	// RetryCount / RecoveryRounds are the counters after this decision.
	RetryCount     int
	RecoveryRounds int
	// NextRetryAt gates the respawn for retry decisions.
	NextRetryAt time.Time
	// NextRole is the role the respawn uses.
	NextRole task.Role
	// TimeoutSecs, when non-zero, replaces the task's spawn timeout.
	TimeoutSecs int
}

// Delay computes the transient backoff for a given attempt number
// (1-based): base 5s, factor 2, capped at 5 minutes.
func Delay(attempt int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = backoffBase
	bo.Multiplier = backoffFactor
	bo.MaxInterval = backoffCap
	bo.RandomizationFactor = 0 // deterministic under replay
	bo.Reset()

	d := bo.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = bo.NextBackOff()
	}
	if d == backoff.Stop || d > backoffCap {
		return backoffCap
	}
	return d
}

// Decide routes one classified failure for a task. now is passed in rather
// than read so the decision is replayable.
func Decide(t *task.Task, class classify.Class, reason string, cfg *config.OrgConfig, now time.Time) Decision {
	d := Decision{
		Class:          class,
		Reason:         reason,
		RetryCount:     t.RetryCount,
		RecoveryRounds: t.RecoveryRounds,
		NextRole:       t.Role,
	}

	maxRecovery := cfg.MaxRecoveryRounds
	if class == classify.ClassUnknown && maxRecovery > 0 {
		// Unknown failures get one fewer round: there is no trailer evidence
		// that a deeper agent has anything to work with.
		maxRecovery--
	}

	switch {
	case class.NeedsHuman():
		d.Action = ActionEscalate
		d.Remediation = class.Remediation()
		return d

	case class == classify.ClassEnv:
		// One retry after the supervisor-level environment re-probe; the
		// caller escalates if the probe or the retry fails.
		if t.RetryCount >= 1 {
			d.Action = ActionEscalate
			d.Remediation = classify.ClassEnv.Remediation()
			return d
		}
		d.Action = ActionRetry
		d.RetryCount++
		d.NextRetryAt = now.Add(Delay(d.RetryCount))
		return d

	case class == classify.ClassTimeout:
		if t.RetryCount >= 1 {
			d.Action = ActionStop
			return d
		}
		d.Action = ActionRetry
		d.RetryCount++
		d.NextRetryAt = now.Add(Delay(d.RetryCount))
		timeout := t.TimeoutSecs
		if timeout <= 0 {
			timeout = cfg.AgentTimeoutSecs
		}
		d.TimeoutSecs = timeout * 2
		return d

	case class == classify.ClassTransient, class == classify.ClassCompile:
		if t.RetryCount >= cfg.MaxAttempts {
			d.Action = ActionStop
			return d
		}
		d.Action = ActionRetry
		d.RetryCount++
		d.NextRetryAt = now.Add(Delay(d.RetryCount))
		return d

	case class.NeedsRecoveryAgent():
		if t.RecoveryRounds >= maxRecovery {
			// Deep failures are worth human eyes, not a silent stop.
			d.Action = ActionEscalate
			d.Remediation = fmt.Sprintf("recovery exhausted after %d rounds; last failure: %s", t.RecoveryRounds, reason)
			return d
		}
		d.Action = ActionRecover
		d.RecoveryRounds++
		d.NextRole = task.RoleRecovery
		return d
	}

	d.Action = ActionStop
	return d
}

// Attempt is one prior spawn in a task's lineage, carried into the deep
// recovery prompt.
type Attempt struct {
	Role    string
	Model   string
	Class   string
	Trailer string
}

// BuildContext renders the recovery agent's failure context: the ordered
// attempt history plus the standing instruction not to repeat a failed
// strategy.
func BuildContext(t *task.Task, attempts []Attempt) string {
	out := fmt.Sprintf("Original task: %s\n\nPrior attempts (oldest first):\n", t.Title)
	for i, a := range attempts {
		out += fmt.Sprintf("%d. role=%s model=%s failure_class=%s\n", i+1, a.Role, a.Model, a.Class)
		if a.Trailer != "" {
			out += "   log tail:\n" + indent(a.Trailer, "   | ") + "\n"
		}
	}
	out += "\nDiagnose the root cause before editing. Do not repeat a failed strategy.\n"
	return out
}

func indent(s, prefix string) string {
	var b strings.Builder
	for _, line := range strings.Split(strings.TrimRight(s, "\n"), "\n") {
		b.WriteString(prefix)
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
