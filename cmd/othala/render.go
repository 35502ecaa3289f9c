package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/0xMugen/othala/internal/task"
)

// State styles for human-readable output.
var (
	styleActive = lipgloss.NewStyle().
			Foreground(lipgloss.Color("yellow")).
			Bold(true)

	styleDone = lipgloss.NewStyle().
			Foreground(lipgloss.Color("green")).
			Bold(true)

	styleFailed = lipgloss.NewStyle().
			Foreground(lipgloss.Color("red")).
			Bold(true)

	styleBlocked = lipgloss.NewStyle().
			Foreground(lipgloss.Color("magenta")).
			Bold(true)

	styleQuiet = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	styleHeader = lipgloss.NewStyle().
			Bold(true)
)

func renderState(s task.State) string {
	switch s {
	case task.StateChatting:
		return styleActive.Render(string(s))
	case task.StateMerged:
		return styleDone.Render(string(s))
	case task.StateStopped:
		return styleFailed.Render(string(s))
	case task.StateNeedsHuman:
		return styleBlocked.Render(string(s))
	default:
		return string(s)
	}
}

func renderTaskTable(tasks []*task.Task) string {
	if len(tasks) == 0 {
		return styleQuiet.Render("no tasks") + "\n"
	}

	var b strings.Builder
	b.WriteString(styleHeader.Render(fmt.Sprintf("%-28s %-12s %-16s %-12s %-6s %s",
		"ID", "REPO", "STATE", "ROLE", "RETRY", "TITLE")))
	b.WriteByte('\n')
	for _, t := range tasks {
		b.WriteString(fmt.Sprintf("%-28s %-12s %-16s %-12s %-6d %s\n",
			t.ID, t.RepoID, renderState(t.State), t.Role, t.RetryCount, t.Title))
	}
	return b.String()
}

func renderTaskDetail(t *task.Task) string {
	var b strings.Builder
	b.WriteString(styleHeader.Render(t.ID) + "  " + renderState(t.State) + "\n")
	b.WriteString(fmt.Sprintf("repo:            %s\n", t.RepoID))
	b.WriteString(fmt.Sprintf("title:           %s\n", t.Title))
	b.WriteString(fmt.Sprintf("role:            %s\n", t.Role))
	if t.Branch != "" {
		b.WriteString(fmt.Sprintf("branch:          %s\n", t.Branch))
	}
	if t.WorktreePath != "" {
		b.WriteString(fmt.Sprintf("worktree:        %s\n", t.WorktreePath))
	}
	if len(t.DependsOn) > 0 {
		b.WriteString(fmt.Sprintf("depends on:      %s\n", strings.Join(t.DependsOn, ", ")))
	}
	if t.ParentTask != "" {
		b.WriteString(fmt.Sprintf("parent:          %s\n", t.ParentTask))
	}
	b.WriteString(fmt.Sprintf("retry count:     %d\n", t.RetryCount))
	b.WriteString(fmt.Sprintf("recovery rounds: %d\n", t.RecoveryRounds))
	if t.LastFailureClass != "" {
		b.WriteString(fmt.Sprintf("last failure:    [%s] %s\n", t.LastFailureClass, t.LastFailureReason))
	}
	if t.MergeCommit != "" {
		b.WriteString(fmt.Sprintf("merge commit:    %s\n", t.MergeCommit))
	}
	return b.String()
}
