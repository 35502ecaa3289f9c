// Package config loads the org-level and per-repo configuration. Config is
// read once at process start and held immutably for the life of the daemon.
package config

// OrgConfig is the top-level configuration.
type OrgConfig struct {
	// Models enabled for dispatch, in preference order. The first entry is
	// the safe default used when a preferred model's adapter cannot be reached.
	EnabledModels []string `toml:"enabled_models"`

	// MaxAttempts bounds retry_count per stage.
	MaxAttempts int `toml:"max_attempts"`
	// MaxRecoveryRounds bounds deep-recovery spawns per task.
	MaxRecoveryRounds int `toml:"max_recovery_rounds"`

	// RepoConcurrency caps live agents per repository.
	RepoConcurrency int `toml:"repo_concurrency"`
	// ModelConcurrency caps live agents per model across repos.
	ModelConcurrency int `toml:"model_concurrency"`

	// ReviewApprovals is the number of approve verdicts required before
	// submission. Zero disables the review gate.
	ReviewApprovals int `toml:"review_approvals"`

	// AutoSubmit moves READY tasks into SUBMITTING without operator action.
	AutoSubmit bool `toml:"auto_submit"`

	// BlockedRatioAlert emits a warning event when the fraction of live
	// tasks in NEEDS_HUMAN exceeds this threshold. Zero disables the alert.
	BlockedRatioAlert float64 `toml:"blocked_ratio_alert"`

	// AgentTimeoutSecs is the default per-spawn wall-clock budget.
	AgentTimeoutSecs int `toml:"agent_timeout_secs"`
	// AgentIdleTimeoutSecs kills a spawn producing no output for this long.
	// Zero disables the idle timeout.
	AgentIdleTimeoutSecs int `toml:"agent_idle_timeout_secs"`

	// StateRoot is the directory holding state.sqlite, events/, logs/ and
	// worktrees/. Overridable via OTHALA_SQLITE_PATH / OTHALA_EVENT_LOG_ROOT.
	StateRoot string `toml:"state_root"`

	Repos map[string]RepoConfig `toml:"repos"`

	// Environment overrides, resolved by the loader.
	sqlitePath   string
	eventLogRoot string
}

// RepoConfig is the per-repository configuration.
type RepoConfig struct {
	// Path is the checkout the daemon operates on.
	Path string `toml:"path"`
	// BaseBranch is the trunk branch tasks stack on by default.
	BaseBranch string `toml:"base_branch"`

	// VerifyQuick runs on agent signal [patch_ready].
	VerifyQuick string `toml:"verify_quick"`
	// VerifyFull, if set, must pass before submission.
	VerifyFull string `toml:"verify_full"`
	// VerifyE2E, if set, is available as an extra tier for QA runs.
	VerifyE2E string `toml:"verify_e2e"`

	// StackingMode is "stack" (stacked PRs via the stack tool) or "merge"
	// (plain branch merged to base).
	StackingMode string `toml:"stacking_mode"`

	// AutoSubmit overrides the org-level flag when set.
	AutoSubmit *bool `toml:"auto_submit"`
}

// VerifyCommand returns the command for a tier, or "" if unconfigured.
func (r RepoConfig) VerifyCommand(tier string) string {
	switch tier {
	case "quick":
		return r.VerifyQuick
	case "full":
		return r.VerifyFull
	case "e2e":
		return r.VerifyE2E
	}
	return ""
}

// AutoSubmitEnabled resolves the per-repo override against the org default.
func (c *OrgConfig) AutoSubmitEnabled(repoID string) bool {
	if repo, ok := c.Repos[repoID]; ok && repo.AutoSubmit != nil {
		return *repo.AutoSubmit
	}
	return c.AutoSubmit
}

// DefaultModel returns the fallback model, or "" when none are enabled.
func (c *OrgConfig) DefaultModel() string {
	if len(c.EnabledModels) == 0 {
		return ""
	}
	return c.EnabledModels[0]
}

// ModelEnabled reports whether the model is in the enabled set.
func (c *OrgConfig) ModelEnabled(model string) bool {
	for _, m := range c.EnabledModels {
		if m == model {
			return true
		}
	}
	return false
}
