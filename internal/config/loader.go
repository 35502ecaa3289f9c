package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Default returns the built-in configuration used when no file overrides it.
func Default() *OrgConfig {
	return &OrgConfig{
		EnabledModels:     []string{"claude", "codex"},
		MaxAttempts:       5,
		MaxRecoveryRounds: 2,
		RepoConcurrency:   2,
		ModelConcurrency:  4,
		ReviewApprovals:   0,
		AutoSubmit:        true,
		BlockedRatioAlert: 0.5,
		AgentTimeoutSecs:  600,
		StateRoot:         ".othala",
		Repos:             map[string]RepoConfig{},
	}
}

// Load reads the TOML config at path and merges it over the defaults.
// A missing file is not an error; malformed TOML is.
func Load(path string) (*OrgConfig, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads from the conventional path .othala/config.toml.
func LoadDefault() (*OrgConfig, error) {
	return Load(filepath.Join(".othala", "config.toml"))
}

// applyEnv resolves environment overrides for the persisted layout.
func applyEnv(cfg *OrgConfig) {
	if v := os.Getenv("OTHALA_SQLITE_PATH"); v != "" {
		cfg.sqlitePath = v
	}
	if v := os.Getenv("OTHALA_EVENT_LOG_ROOT"); v != "" {
		cfg.eventLogRoot = v
	}
}

func (c *OrgConfig) validate() error {
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive, got %d", c.MaxAttempts)
	}
	if c.MaxRecoveryRounds < 0 {
		return fmt.Errorf("max_recovery_rounds must be >= 0, got %d", c.MaxRecoveryRounds)
	}
	if len(c.EnabledModels) == 0 {
		return fmt.Errorf("at least one model must be enabled")
	}
	for id, repo := range c.Repos {
		if repo.Path == "" {
			return fmt.Errorf("repo %q has no path", id)
		}
		if repo.StackingMode != "" && repo.StackingMode != "stack" && repo.StackingMode != "merge" {
			return fmt.Errorf("repo %q: stacking_mode must be \"stack\" or \"merge\", got %q", id, repo.StackingMode)
		}
	}
	return nil
}

// SQLitePath returns the snapshot database location.
func (c *OrgConfig) SQLitePath() string {
	if c.sqlitePath != "" {
		return c.sqlitePath
	}
	return filepath.Join(c.StateRoot, "state.sqlite")
}

// EventLogRoot returns the journal directory.
func (c *OrgConfig) EventLogRoot() string {
	if c.eventLogRoot != "" {
		return c.eventLogRoot
	}
	return filepath.Join(c.StateRoot, "events")
}

// LogsRoot returns the per-task agent log directory.
func (c *OrgConfig) LogsRoot() string {
	return filepath.Join(c.StateRoot, "logs")
}

// WorktreesRoot returns the reserved worktree directory.
func (c *OrgConfig) WorktreesRoot() string {
	return filepath.Join(c.StateRoot, "worktrees")
}
