package supervisor

import (
	"fmt"

	"github.com/google/uuid"
)

// adapterArgs builds the role-specific argv for a coder CLI. The prompt is
// passed as an argument; the agent runs non-interactively in the worktree
// and announces its outcome with a signal token.
func adapterArgs(model string, spec SpawnSpec) (executable string, args []string, err error) {
	sessionID := uuid.NewString()

	switch model {
	case "claude":
		args = []string{"-p", spec.Prompt, "--output-format", "text", "--session-id", sessionID}
		if spec.ModelVariant != "" {
			args = append(args, "--model", spec.ModelVariant)
		}
		return "claude", args, nil

	case "codex":
		args = []string{"exec", spec.Prompt}
		if spec.ModelVariant != "" {
			args = append(args, "--model", spec.ModelVariant)
		}
		return "codex", args, nil

	case "goose":
		args = []string{"run", "--text", spec.Prompt, "--name", sessionID}
		if spec.ModelVariant != "" {
			args = append(args, "--model", spec.ModelVariant)
		}
		return "goose", args, nil
	}

	return "", nil, fmt.Errorf("unknown model adapter: %s", model)
}

// BuildPrompt composes the instruction preamble sent to every agent,
// including the signal token contract and any carried failure context.
func BuildPrompt(taskID, title, role, failureContext string) string {
	prompt := fmt.Sprintf(
		"Task %s: %s\n\nRole: %s\n\nInstructions:\n"+
			"- Complete the task described above.\n"+
			"- When you are done and the code is ready, print exactly: %s\n"+
			"- If you are blocked and need human help, print exactly: %s\n",
		taskID, title, role, SignalPatchReady, SignalNeedsHuman)

	if role == "qa" {
		prompt += fmt.Sprintf(
			"- Report each check as: <!-- QA_RESULT: suite.name | PASS|FAIL | detail -->\n"+
				"- When all checks are reported, print exactly: %s\n",
			SignalQAComplete)
	}

	if failureContext != "" {
		prompt += "\nPrevious attempt failed. Context:\n" + failureContext + "\n"
	}
	return prompt
}
