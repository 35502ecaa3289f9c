package classify

import (
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		in   Input
		want Class
	}{
		{
			name: "timeout beats everything",
			in:   Input{TimedOut: true, Trailer: "permission denied"},
			want: ClassTimeout,
		},
		{
			name: "network error in trailer",
			in:   Input{ExitCode: 1, Trailer: "network: dns lookup failed for api.example.com"},
			want: ClassTransient,
		},
		{
			name: "rate limit",
			in:   Input{ExitCode: 1, Trailer: "429 Too Many Requests: rate limit exceeded"},
			want: ClassTransient,
		},
		{
			name: "verify build failure",
			in:   Input{VerifyOutput: "build failed: undefined: Frobnicate in pkg/frob"},
			want: ClassCompile,
		},
		{
			name: "verify test failure",
			in:   Input{Signal: "[patch_ready]", VerifyOutput: "--- FAIL: TestRetryLoop (0.02s)\ntest X failed"},
			want: ClassLogic,
		},
		{
			name: "verify fails with no recognizable pattern",
			in:   Input{VerifyOutput: "exit status 1"},
			want: ClassLogic,
		},
		{
			name: "missing tool",
			in:   Input{ExitCode: 127, Trailer: "sh: nixfmt: command not found"},
			want: ClassEnv,
		},
		{
			name: "auth failure",
			in:   Input{ExitCode: 1, Trailer: "authentication failed: invalid credentials for origin"},
			want: ClassPermission,
		},
		{
			name: "trunk stale from stack tool",
			in:   Input{ExitCode: 1, Trailer: "cannot submit: base branch is ahead of your stack"},
			want: ClassTrunkStale,
		},
		{
			name: "empty inputs fall through to unknown",
			in:   Input{ExitCode: 2},
			want: ClassUnknown,
		},
		{
			name: "permission outranks network on priority",
			in:   Input{ExitCode: 1, Trailer: "network call returned: permission denied"},
			want: ClassPermission,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.in); got != tt.want {
				t.Errorf("Classify(%+v) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

// TestClassifyIsPure feeds the same input repeatedly and expects identical
// verdicts: classification may depend on nothing but its arguments.
func TestClassifyIsPure(t *testing.T) {
	in := Input{ExitCode: 1, Trailer: "connection refused", VerifyOutput: ""}
	first := Classify(in)
	for i := 0; i < 100; i++ {
		if got := Classify(in); got != first {
			t.Fatalf("Classify not referentially transparent: got %s then %s", first, got)
		}
	}
}

func TestClassPolicies(t *testing.T) {
	if !ClassTransient.Retryable() || !ClassCompile.Retryable() || !ClassTimeout.Retryable() {
		t.Error("transient, compile and timeout must be retryable")
	}
	if ClassPermission.Retryable() {
		t.Error("permission must not be retryable")
	}
	if !ClassLogic.NeedsRecoveryAgent() || !ClassUnknown.NeedsRecoveryAgent() {
		t.Error("logic and unknown must route to the recovery agent")
	}
	if !ClassPermission.NeedsHuman() || !ClassTrunkStale.NeedsHuman() {
		t.Error("permission and trunk_stale must route to a human")
	}
	if ClassPermission.Remediation() == "" || ClassTrunkStale.Remediation() == "" {
		t.Error("human-routed classes must carry a remediation string")
	}
}
