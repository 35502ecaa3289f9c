// Package dispatch picks the role and model for an agent spawn. Roles are a
// tagged variant plus a small role-to-model table; there is no agent class
// hierarchy anywhere.
package dispatch

import (
	"log"
	"sync"

	"github.com/0xMugen/othala/internal/config"
	"github.com/0xMugen/othala/internal/task"
)

// roleModel is the preferred model per role. Dispatch degrades to the org
// safe default when the preference is disabled or unhealthy.
var roleModel = map[task.Role]string{
	task.RoleGeneral:     "claude",
	task.RoleImplementer: "codex",
	task.RoleReviewer:    "claude",
	task.RoleQA:          "claude",
	task.RoleRecovery:    "claude",
	task.RoleDocumentor:  "claude",
	task.RoleExplorer:    "claude",
}

// Decision is what the supervisor needs to spawn.
type Decision struct {
	Role  task.Role
	Model string
	// Degraded is set when the preferred model was unavailable and the
	// safe default was substituted.
	Degraded bool
}

// Dispatcher resolves role/model pairs with model health tracking: an
// adapter that keeps failing is benched until it succeeds again.
type Dispatcher struct {
	cfg *config.OrgConfig

	mu       sync.Mutex
	failures map[string]int
}

// unhealthyAfter benches a model after this many consecutive adapter failures.
const unhealthyAfter = 3

// New creates a dispatcher over the org config.
func New(cfg *config.OrgConfig) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		failures: make(map[string]int),
	}
}

// Pick resolves the spawn decision for a task. Preference order: the task's
// preferred model, then the role table, then the org safe default. A
// dispatch problem never blocks the pipeline — worst case the safe default
// is used and a warning is logged.
func (d *Dispatcher) Pick(t *task.Task) Decision {
	role := t.Role
	if !role.Valid() {
		role = task.RoleGeneral
	}

	want := t.PreferredModel
	if want == "" {
		want = roleModel[role]
	}

	if d.usable(want) {
		return Decision{Role: role, Model: want}
	}

	fallback := d.cfg.DefaultModel()
	if fallback == want || fallback == "" {
		// Nothing better available; use the preference anyway rather than
		// stalling the task.
		log.Printf("WARNING: dispatch: model %q unavailable and no fallback configured, using it anyway", want)
		return Decision{Role: role, Model: want}
	}

	log.Printf("WARNING: dispatch: model %q unavailable, degrading task %s to %q", want, t.ID, fallback)
	return Decision{Role: role, Model: fallback, Degraded: true}
}

func (d *Dispatcher) usable(model string) bool {
	if !d.cfg.ModelEnabled(model) {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failures[model] < unhealthyAfter
}

// ReportFailure records an adapter-level failure for health tracking.
func (d *Dispatcher) ReportFailure(model string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[model]++
}

// ReportSuccess clears the failure streak for a model.
func (d *Dispatcher) ReportSuccess(model string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[model] = 0
}

// Healthy reports whether the model is currently usable for dispatch.
func (d *Dispatcher) Healthy(model string) bool {
	return d.usable(model)
}
