package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskpilot/internal/scheduler"
)

// Status styles
var (
	styleStatusRunning = lipgloss.NewStyle().
				Foreground(lipgloss.Color("yellow")).
				Bold(true)

	styleStatusComplete = lipgloss.NewStyle().
				Foreground(lipgloss.Color("green")).
				Bold(true)

	styleStatusFailed = lipgloss.NewStyle().
				Foreground(lipgloss.Color("red")).
				Bold(true)

	styleStatusPending = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240"))
)

var (
	styleTitle = lipgloss.NewStyle().Bold(true)
	styleMuted = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func renderStatus(s scheduler.Status) string {
	switch s {
	case scheduler.StatusDelegated, scheduler.StatusInProgress:
		return styleStatusRunning.Render(string(s))
	case scheduler.StatusCompleted:
		return styleStatusComplete.Render(string(s))
	case scheduler.StatusFailed, scheduler.StatusCancelled:
		return styleStatusFailed.Render(string(s))
	default:
		return styleStatusPending.Render(string(s))
	}
}

// printTaskLine writes one task as a list row.
func printTaskLine(w io.Writer, t *scheduler.Task) {
	flags := ""
	if t.Blocked {
		flags = styleMuted.Render(" [blocked]")
	}
	fmt.Fprintf(w, "%s  %-11s  p%-3d %s%s\n", t.ID, renderStatus(t.Status), t.Priority, t.Title, flags)
}

// printTask writes the full task record.
func printTask(w io.Writer, t *scheduler.Task) {
	fmt.Fprintln(w, styleTitle.Render(t.Title))
	row := func(label, value string) {
		if value != "" {
			fmt.Fprintf(w, "  %-12s %s\n", label+":", value)
		}
	}
	row("id", t.ID)
	row("project", t.ProjectID)
	row("status", renderStatus(t.Status))
	row("priority", fmt.Sprint(t.Priority))
	row("blocked", fmt.Sprint(t.Blocked))
	row("parent", t.ParentTaskID)
	row("profile", t.AgentProfileHint)
	row("workspace", t.WorkspaceID)
	row("session", t.SessionID)
	row("summary", t.OutputSummary)
	row("branch", t.OutputBranch)
	row("pr", t.OutputPRURL)
	row("error", t.ErrorMessage)
	row("version", fmt.Sprint(t.Version))
	row("created", t.CreatedAt.Format("2006-01-02 15:04:05"))
	if t.StartedAt != nil {
		row("started", t.StartedAt.Format("2006-01-02 15:04:05"))
	}
	if t.CompletedAt != nil {
		row("completed", t.CompletedAt.Format("2006-01-02 15:04:05"))
	}
	if t.Description != "" {
		fmt.Fprintln(w)
		for _, line := range strings.Split(t.Description, "\n") {
			fmt.Fprintln(w, "  "+line)
		}
	}
}

func printEvent(w io.Writer, ev scheduler.StatusEvent) {
	from := string(ev.From)
	if from == "" {
		from = "-"
	}
	kind := "->"
	if ev.IsAttempt() {
		kind = "!!"
	}
	fmt.Fprintf(w, "%d  %s  %s %s %s  %s  %s\n",
		ev.ID, ev.CreatedAt.Format("2006-01-02 15:04:05"), from, kind, renderStatus(ev.To), styleMuted.Render(string(ev.Actor)), ev.Reason)
}
