package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// stackCallTimeout bounds any single stack-tool invocation.
const stackCallTimeout = 3 * time.Minute

// stackCli wraps the external stacked-branch CLI (gt). All invocations for
// one repo run under the repo lease held by the caller; the circuit breaker
// keeps a flapping stack tool from burning every tick.
type stackCli struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func newStackCli() *stackCli {
	return &stackCli{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (s *stackCli) breaker(repoID string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[repoID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "stack:" + repoID,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %q: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Caller cancellation is not a stack-tool outage.
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	s.breakers[repoID] = cb
	return cb
}

// run executes the stack CLI through the repo's circuit breaker.
func (s *stackCli) run(repoID, dir string, args ...string) (string, error) {
	result, err := s.breaker(repoID).Execute(func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), stackCallTimeout)
		defer cancel()

		cmd := exec.CommandContext(ctx, "gt", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		if err != nil {
			return string(out), fmt.Errorf("gt %s failed: %w (output: %s)",
				strings.Join(args, " "), err, strings.TrimSpace(string(out)))
		}
		return string(out), nil
	})
	if err != nil {
		if out, ok := result.(string); ok {
			return out, err
		}
		return "", err
	}
	return result.(string), nil
}

// track registers the branch with the stack tool, stacked on parent.
func (s *stackCli) track(repoID, dir, branch, parent string) error {
	args := []string{"track", branch}
	if parent != "" {
		args = append(args, "--parent", parent)
	}
	_, err := s.run(repoID, dir, args...)
	return err
}

// submit pushes the branch and opens/updates its PR.
func (s *stackCli) submit(repoID, dir string) (string, error) {
	return s.run(repoID, dir, "submit", "--no-interactive")
}

// restack rebases the current stack onto moved parents.
func (s *stackCli) restack(repoID, dir string) (string, error) {
	return s.run(repoID, dir, "restack")
}
