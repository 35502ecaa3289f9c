// Package classify maps agent exits and verify failures onto a closed
// failure taxonomy. Classification is a pure function of its inputs so a
// journal replay reproduces every routing decision.
package classify

import (
	"strings"
)

// Class is one entry of the closed failure taxonomy.
type Class string

const (
	ClassTransient  Class = "transient"
	ClassCompile    Class = "compile"
	ClassLogic      Class = "logic"
	ClassEnv        Class = "env"
	ClassPermission Class = "permission"
	ClassTrunkStale Class = "trunk_stale"
	ClassTimeout    Class = "timeout"
	ClassUnknown    Class = "unknown"
)

// Input is everything the classifier may look at. No mutable state is read.
type Input struct {
	ExitCode     int
	Signal       string // last observed signal token, if any
	Trailer      string // tail of the agent log
	VerifyOutput string // output of the failed verify run, if any
	TimedOut     bool   // supervisor-level wall-clock or idle timeout
}

// pattern associates trigger keywords with a class; higher priority wins.
type pattern struct {
	keywords []string
	class    Class
	priority int
}

var patterns = []pattern{
	// Permission: never retried, routed straight to the operator.
	{[]string{"permission denied", "access denied", "forbidden"}, ClassPermission, 10},
	{[]string{"authentication failed", "invalid credentials", "unauthorized", "not authenticated"}, ClassPermission, 10},
	{[]string{"token expired", "token invalid", "401", "403"}, ClassPermission, 9},

	// Trunk staleness reported by the stack tool.
	{[]string{"trunk is ahead", "base branch is ahead", "branch is behind trunk", "needs restack onto trunk"}, ClassTrunkStale, 10},

	// Transient: network and rate limiting.
	{[]string{"rate limit", "rate-limit", "429", "too many requests"}, ClassTransient, 9},
	{[]string{"network", "dns", "connection refused", "connection reset", "timed out connecting", "temporary failure"}, ClassTransient, 8},
	{[]string{"resource temporarily unavailable", "no space left", "i/o timeout"}, ClassTransient, 7},

	// Environment: tooling missing or broken around the agent.
	{[]string{"command not found", "executable file not found", "not installed", "missing tool"}, ClassEnv, 9},
	{[]string{"nix", "flake", "devshell"}, ClassEnv, 5},
	{[]string{"version mismatch", "incompatible version"}, ClassEnv, 6},

	// Compile: the build itself is broken.
	{[]string{"build failed", "compilation failed", "cannot find package", "undefined:", "syntax error", "parse error"}, ClassCompile, 8},
	{[]string{"error[e", "mismatched types", "is not assignable", "cannot find module"}, ClassCompile, 8},

	// Logic: build fine, behavior wrong.
	{[]string{"test failed", "tests failed", "--- fail", "assertion", "expected", "panic:"}, ClassLogic, 6},
}

// Classify routes one failure observation to a class.
//
// Precedence: supervisor timeout beats content matching; then the verify
// output is scanned, then the log trailer. A missing signal token with
// nothing else to go on is unknown.
func Classify(in Input) Class {
	if in.TimedOut {
		return ClassTimeout
	}

	if c, ok := match(in.VerifyOutput); ok {
		return c
	}
	if in.VerifyOutput != "" {
		// Verify output that matches nothing specific means the configured
		// check failed on behavior: logic.
		return ClassLogic
	}

	if c, ok := match(in.Trailer); ok {
		return c
	}

	return ClassUnknown
}

func match(text string) (Class, bool) {
	if text == "" {
		return ClassUnknown, false
	}
	lower := strings.ToLower(text)

	best := ClassUnknown
	bestPriority := 0
	for _, p := range patterns {
		if p.priority <= bestPriority {
			continue
		}
		for _, kw := range p.keywords {
			if strings.Contains(lower, kw) {
				best = p.class
				bestPriority = p.priority
				break
			}
		}
	}
	return best, bestPriority > 0
}

// Retryable reports whether the class is recovered by plain respawn/backoff.
func (c Class) Retryable() bool {
	switch c {
	case ClassTransient, ClassCompile, ClassTimeout:
		return true
	}
	return false
}

// NeedsRecoveryAgent reports whether the class routes to the deep recovery role.
func (c Class) NeedsRecoveryAgent() bool {
	return c == ClassLogic || c == ClassUnknown
}

// NeedsHuman reports whether the class goes straight to the operator.
func (c Class) NeedsHuman() bool {
	return c == ClassPermission || c == ClassTrunkStale
}

// Remediation returns the exact operator instruction for classes that pause
// the task. The string is surfaced verbatim in status output.
func (c Class) Remediation() string {
	switch c {
	case ClassPermission:
		return "re-authenticate with the stack tool: run `gt auth` and verify repo access, then resume the task"
	case ClassTrunkStale:
		return "sync trunk before resubmitting: run `gt repo sync` in the repository, then resume the task"
	case ClassEnv:
		return "fix the task environment: ensure required tools are on PATH in the worktree shell, then resume the task"
	}
	return ""
}
