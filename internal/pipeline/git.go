package pipeline

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// gitCallTimeout bounds any single git invocation so a wedged remote cannot
// stall a pipeline worker indefinitely.
const gitCallTimeout = 2 * time.Minute

// runGit executes git with the given args in dir, returning combined output.
func runGit(dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), gitCallTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s failed: %w (output: %s)",
			strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// branchExists reports whether the local branch is present.
func branchExists(repoPath, branch string) bool {
	_, err := runGit(repoPath, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// worktreeRegistered reports whether a worktree is already attached at path.
func worktreeRegistered(repoPath, path string) bool {
	out, err := runGit(repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimPrefix(line, "worktree ") == path && strings.HasPrefix(line, "worktree ") {
			return true
		}
	}
	return false
}

// addWorktree creates branch (from base) and attaches a worktree at path.
func addWorktree(repoPath, path, branch, base string) error {
	if _, err := runGit(repoPath, "worktree", "add", "-b", branch, path, base); err != nil {
		return err
	}
	return nil
}

// attachWorktree attaches an existing branch at path.
func attachWorktree(repoPath, path, branch string) error {
	_, err := runGit(repoPath, "worktree", "add", path, branch)
	return err
}

// removeWorktree detaches the worktree and deletes the branch, forcing on
// the retry path the way stale agent state usually requires.
func removeWorktree(repoPath, path, branch string) error {
	var problems []string

	if _, err := runGit(repoPath, "worktree", "remove", path); err != nil {
		if _, ferr := runGit(repoPath, "worktree", "remove", "--force", path); ferr != nil {
			problems = append(problems, fmt.Sprintf("worktree remove: %v", ferr))
		}
	}
	if branch != "" {
		if _, err := runGit(repoPath, "branch", "-d", branch); err != nil {
			if _, ferr := runGit(repoPath, "branch", "-D", branch); ferr != nil {
				problems = append(problems, fmt.Sprintf("branch delete: %v", ferr))
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("cleanup errors: %s", strings.Join(problems, "; "))
	}
	return nil
}

// pruneWorktrees clears stale worktree metadata left by a crashed daemon.
func pruneWorktrees(repoPath string) error {
	_, err := runGit(repoPath, "worktree", "prune")
	return err
}

// headSHA returns the commit a ref points at.
func headSHA(repoPath, ref string) (string, error) {
	out, err := runGit(repoPath, "rev-parse", ref)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// isAncestor reports whether ref is an ancestor of of.
func isAncestor(repoPath, ref, of string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), gitCallTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "merge-base", "--is-ancestor", ref, of)
	cmd.Dir = repoPath
	return cmd.Run() == nil
}
