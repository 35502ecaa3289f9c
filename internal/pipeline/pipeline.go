// Package pipeline is the stateless façade over the git and stacked-branch
// CLIs: worktree init, verify, submit, restack and merge detection. Every
// operation is slow and fallible; callers run them off the tick with
// bounded concurrency and a per-repo exclusive lease.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/0xMugen/othala/internal/config"
	"github.com/0xMugen/othala/internal/task"
)

// verifyTimeout bounds one verify command run.
const verifyTimeout = 10 * time.Minute

// BranchPrefix namespaces every branch the daemon creates.
const BranchPrefix = "othala/"

// Pipeline executes the external-tool operations for all repos.
type Pipeline struct {
	cfg    *config.OrgConfig
	leases *RepoLeases
	stack  *stackCli
}

// New creates a pipeline over the org config.
func New(cfg *config.OrgConfig) *Pipeline {
	return &Pipeline{
		cfg:    cfg,
		leases: NewRepoLeases(),
		stack:  newStackCli(),
	}
}

// Leases exposes the per-repo lease table. The pipeline's own operations
// take the lease; the daemon does not call this.
func (p *Pipeline) Leases() *RepoLeases {
	return p.leases
}

func (p *Pipeline) repo(t *task.Task) (config.RepoConfig, error) {
	repo, ok := p.cfg.Repos[t.RepoID]
	if !ok {
		return config.RepoConfig{}, fmt.Errorf("unknown repo %q for task %s", t.RepoID, t.ID)
	}
	return repo, nil
}

// BranchName derives the deterministic branch for a task id.
func BranchName(taskID string) string {
	return BranchPrefix + strings.ToLower(taskID)
}

// Init creates the task's branch and worktree, both owned exclusively by
// the task until release. Idempotent: an existing branch or registered
// worktree is reused, so a crashed daemon can re-run init safely.
func (p *Pipeline) Init(t *task.Task) (branch, worktreePath string, err error) {
	repo, err := p.repo(t)
	if err != nil {
		return "", "", err
	}

	p.leases.Acquire(t.RepoID)
	defer p.leases.Release(t.RepoID)

	branch = BranchName(t.ID)
	worktreePath, err = filepath.Abs(filepath.Join(p.cfg.WorktreesRoot(), t.ID))
	if err != nil {
		return "", "", err
	}

	base := repo.BaseBranch
	if base == "" {
		base = "main"
	}
	if t.ParentTask != "" {
		base = BranchName(t.ParentTask)
	}

	switch {
	case worktreeRegistered(repo.Path, worktreePath):
		// Already attached from a prior run.
	case branchExists(repo.Path, branch):
		if err := attachWorktree(repo.Path, worktreePath, branch); err != nil {
			return "", "", err
		}
	default:
		if err := addWorktree(repo.Path, worktreePath, branch, base); err != nil {
			return "", "", err
		}
		// An empty commit anchors the branch so the stack tool can track it
		// before the agent produces changes.
		if _, err := runGit(worktreePath, "commit", "--allow-empty", "-m",
			fmt.Sprintf("start %s: %s", t.ID, t.Title)); err != nil {
			return "", "", err
		}
	}

	return branch, worktreePath, nil
}

// VerifyResult is the outcome of one verify run.
type VerifyResult struct {
	Passed  bool
	Skipped bool // no command configured for the tier
	Output  string
}

// Verify runs the configured command for the tier in the task's worktree.
// A missing command is treated as pass; the caller records a warning event.
func (p *Pipeline) Verify(t *task.Task, tier string) (VerifyResult, error) {
	repo, err := p.repo(t)
	if err != nil {
		return VerifyResult{}, err
	}

	command := repo.VerifyCommand(tier)
	if command == "" {
		return VerifyResult{Passed: true, Skipped: true}, nil
	}
	if t.WorktreePath == "" {
		return VerifyResult{}, fmt.Errorf("task %s has no worktree", t.ID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), verifyTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = t.WorktreePath
	out, runErr := cmd.CombinedOutput()

	result := VerifyResult{Output: tail(string(out), 4096)}
	if runErr == nil {
		result.Passed = true
	}
	return result, nil
}

// SubmitOutcome classifies a submit attempt.
type SubmitOutcome string

const (
	SubmitOK              SubmitOutcome = "ok"
	SubmitRetryable       SubmitOutcome = "retryable"
	SubmitAuth            SubmitOutcome = "auth"
	SubmitTrunkStale      SubmitOutcome = "trunk_stale"
	SubmitUntrackedBranch SubmitOutcome = "untracked_branch"
	SubmitConflict        SubmitOutcome = "conflict"
)

// SubmitResult is the outcome of one submit attempt.
type SubmitResult struct {
	Outcome SubmitOutcome
	Reason  string
}

// Submit pushes the branch and opens its PR. Stack mode goes through the
// stack tool (ensuring the branch is tracked first, with a single
// auto-track repair); merge mode pushes and opens a plain PR.
func (p *Pipeline) Submit(t *task.Task) (SubmitResult, error) {
	repo, err := p.repo(t)
	if err != nil {
		return SubmitResult{}, err
	}
	if t.Branch == "" || t.WorktreePath == "" {
		return SubmitResult{}, fmt.Errorf("task %s not initialized for submit", t.ID)
	}

	p.leases.Acquire(t.RepoID)
	defer p.leases.Release(t.RepoID)

	if repo.StackingMode == "merge" {
		return p.submitPlain(t, repo), nil
	}
	return p.submitStacked(t, repo), nil
}

func (p *Pipeline) submitStacked(t *task.Task, repo config.RepoConfig) SubmitResult {
	parent := ""
	if t.ParentTask != "" {
		parent = BranchName(t.ParentTask)
	}

	// The stack tool refuses to submit untracked branches; track first,
	// then submit, with one auto-track repair if submit still complains.
	if err := p.stack.track(t.RepoID, t.WorktreePath, t.Branch, parent); err != nil {
		if out := classifySubmitFailure(err.Error()); out != SubmitRetryable {
			return SubmitResult{Outcome: out, Reason: err.Error()}
		}
	}

	out, err := p.stack.submit(t.RepoID, t.WorktreePath)
	if err == nil {
		return SubmitResult{Outcome: SubmitOK}
	}

	outcome := classifySubmitFailure(err.Error() + "\n" + out)
	if outcome == SubmitUntrackedBranch {
		if trackErr := p.stack.track(t.RepoID, t.WorktreePath, t.Branch, parent); trackErr == nil {
			if _, retryErr := p.stack.submit(t.RepoID, t.WorktreePath); retryErr == nil {
				return SubmitResult{Outcome: SubmitOK}
			} else {
				outcome = classifySubmitFailure(retryErr.Error())
				err = retryErr
			}
		}
	}
	return SubmitResult{Outcome: outcome, Reason: err.Error()}
}

func (p *Pipeline) submitPlain(t *task.Task, repo config.RepoConfig) SubmitResult {
	if _, err := runGit(t.WorktreePath, "push", "-u", "origin", t.Branch); err != nil {
		return SubmitResult{Outcome: classifySubmitFailure(err.Error()), Reason: err.Error()}
	}

	base := repo.BaseBranch
	if base == "" {
		base = "main"
	}
	ctx, cancel := context.WithTimeout(context.Background(), stackCallTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "gh", "pr", "create", "--fill", "--base", base, "--head", t.Branch)
	cmd.Dir = t.WorktreePath
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		// An already-open PR is success for idempotent resubmission.
		if strings.Contains(msg, "already exists") {
			return SubmitResult{Outcome: SubmitOK}
		}
		return SubmitResult{Outcome: classifySubmitFailure(msg), Reason: msg}
	}
	return SubmitResult{Outcome: SubmitOK}
}

func classifySubmitFailure(msg string) SubmitOutcome {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "not authenticated"),
		strings.Contains(lower, "authentication"),
		strings.Contains(lower, "permission denied"),
		strings.Contains(lower, "401"), strings.Contains(lower, "403"):
		return SubmitAuth
	case strings.Contains(lower, "trunk"), strings.Contains(lower, "behind the base"),
		strings.Contains(lower, "base branch is ahead"):
		return SubmitTrunkStale
	case strings.Contains(lower, "not tracked"), strings.Contains(lower, "untracked"):
		return SubmitUntrackedBranch
	case strings.Contains(lower, "conflict"):
		return SubmitConflict
	}
	return SubmitRetryable
}

// RestackOutcome classifies a restack attempt.
type RestackOutcome string

const (
	RestackOK       RestackOutcome = "ok"
	RestackConflict RestackOutcome = "conflict"
	RestackNoop     RestackOutcome = "noop"
)

// Restack rebases the task's branch atop its current parent.
func (p *Pipeline) Restack(t *task.Task) (RestackOutcome, string, error) {
	repo, err := p.repo(t)
	if err != nil {
		return "", "", err
	}
	if t.Branch == "" || t.WorktreePath == "" {
		return "", "", fmt.Errorf("task %s not initialized for restack", t.ID)
	}

	p.leases.Acquire(t.RepoID)
	defer p.leases.Release(t.RepoID)

	parentRef := repo.BaseBranch
	if parentRef == "" {
		parentRef = "main"
	}
	if t.ParentTask != "" {
		parentRef = BranchName(t.ParentTask)
	}

	parentHead, err := headSHA(repo.Path, parentRef)
	if err != nil {
		return "", "", err
	}
	if isAncestor(repo.Path, parentHead, t.Branch) {
		return RestackNoop, "", nil
	}

	if repo.StackingMode != "merge" {
		out, err := p.stack.restack(t.RepoID, t.WorktreePath)
		if err != nil {
			if strings.Contains(strings.ToLower(err.Error()+out), "conflict") {
				return RestackConflict, err.Error(), nil
			}
			return "", "", err
		}
		return RestackOK, "", nil
	}

	out, err := runGit(t.WorktreePath, "rebase", parentRef)
	if err != nil {
		if strings.Contains(out, "CONFLICT") || strings.Contains(err.Error(), "CONFLICT") {
			_, _ = runGit(t.WorktreePath, "rebase", "--abort")
			return RestackConflict, err.Error(), nil
		}
		return "", "", err
	}
	return RestackOK, "", nil
}

// MergeProbe is the result of polling a task's PR.
type MergeProbe struct {
	Merged    bool
	Closed    bool // closed without merge
	CommitSHA string
}

// PRState probes the forge for the branch's PR. Returns one of "open",
// "merged", "closed", "none", plus the merge commit SHA for merged PRs.
func (p *Pipeline) PRState(t *task.Task) (string, string, error) {
	repo, err := p.repo(t)
	if err != nil {
		return "", "", err
	}
	if t.Branch == "" {
		return "", "", fmt.Errorf("task %s has no branch", t.ID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), stackCallTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "gh", "pr", "view", t.Branch,
		"--json", "state,mergeCommit", "--jq", ".state + \" \" + (.mergeCommit.oid // \"\")")
	cmd.Dir = repo.Path
	out, ghErr := cmd.CombinedOutput()
	if ghErr != nil {
		if strings.Contains(string(out), "no pull requests found") {
			return "none", "", nil
		}
		return "", "", fmt.Errorf("gh pr view failed: %w (output: %s)", ghErr, strings.TrimSpace(string(out)))
	}

	fields := strings.Fields(strings.TrimSpace(string(out)))
	if len(fields) == 0 {
		return "none", "", nil
	}
	switch fields[0] {
	case "MERGED":
		sha := ""
		if len(fields) > 1 {
			sha = fields[1]
		}
		return "merged", sha, nil
	case "CLOSED":
		return "closed", "", nil
	default:
		return "open", "", nil
	}
}

// DetectMerge probes the PR state for an AWAITING_MERGE task. It prefers
// the forge CLI and falls back to ancestry against the base branch when the
// forge is unreachable.
func (p *Pipeline) DetectMerge(t *task.Task) (MergeProbe, error) {
	repo, err := p.repo(t)
	if err != nil {
		return MergeProbe{}, err
	}

	state, sha, err := p.PRState(t)
	if err == nil {
		switch state {
		case "merged":
			return MergeProbe{Merged: true, CommitSHA: sha}, nil
		case "closed":
			return MergeProbe{Closed: true}, nil
		default:
			return MergeProbe{}, nil
		}
	}

	// Forge unavailable: fetch and check whether the branch tip landed on base.
	base := repo.BaseBranch
	if base == "" {
		base = "main"
	}
	_, _ = runGit(repo.Path, "fetch", "origin", base)
	if isAncestor(repo.Path, t.Branch, "origin/"+base) {
		sha, _ := headSHA(repo.Path, t.Branch)
		return MergeProbe{Merged: true, CommitSHA: sha}, nil
	}
	return MergeProbe{}, nil
}

// ParentHead returns the current head SHA of the task's parent ref.
func (p *Pipeline) ParentHead(t *task.Task) (string, error) {
	repo, err := p.repo(t)
	if err != nil {
		return "", err
	}
	ref := repo.BaseBranch
	if ref == "" {
		ref = "main"
	}
	if t.ParentTask != "" {
		ref = BranchName(t.ParentTask)
	}
	return headSHA(repo.Path, ref)
}

// NeedsRestack reports whether the parent moved out from under the branch.
func (p *Pipeline) NeedsRestack(t *task.Task) (bool, error) {
	repo, err := p.repo(t)
	if err != nil {
		return false, err
	}
	if t.Branch == "" {
		return false, nil
	}
	parentRef := repo.BaseBranch
	if parentRef == "" {
		parentRef = "main"
	}
	if t.ParentTask != "" {
		parentRef = BranchName(t.ParentTask)
	}
	parentHead, err := headSHA(repo.Path, parentRef)
	if err != nil {
		return false, err
	}
	return !isAncestor(repo.Path, parentHead, t.Branch), nil
}

// Release frees the branch and worktree after MERGED or terminal STOPPED.
func (p *Pipeline) Release(t *task.Task) error {
	repo, err := p.repo(t)
	if err != nil {
		return err
	}
	if t.WorktreePath == "" && t.Branch == "" {
		return nil
	}

	p.leases.Acquire(t.RepoID)
	defer p.leases.Release(t.RepoID)

	return removeWorktree(repo.Path, t.WorktreePath, t.Branch)
}

// Prune clears stale worktree metadata for every configured repo. Run at
// daemon boot to recover from crashes.
func (p *Pipeline) Prune() {
	for id, repo := range p.cfg.Repos {
		if err := pruneWorktrees(repo.Path); err != nil {
			log.Printf("WARNING: failed to prune worktrees for %s: %v", id, err)
		}
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
