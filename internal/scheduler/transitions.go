package scheduler

import "time"

// transitions is the single source of truth for legal status changes.
var transitions = map[Status][]Status{
	StatusDraft:      {StatusReady, StatusCancelled},
	StatusReady:      {StatusQueued, StatusDelegated, StatusCancelled},
	StatusQueued:     {StatusDelegated, StatusFailed, StatusCancelled},
	StatusDelegated:  {StatusInProgress, StatusFailed, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted:  {},
	StatusFailed:     {StatusReady, StatusCancelled},
	StatusCancelled:  {StatusReady},
}

// AllowedTransitions returns the statuses reachable from s in one step.
func AllowedTransitions(s Status) []Status {
	return append([]Status(nil), transitions[s]...)
}

// CanTransition reports whether from -> to is in the table.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Change carries the side data of a transition.
type Change struct {
	To           Status
	WorkspaceID  string   // Required when entering delegated
	SessionID    string   // Bound together with WorkspaceID
	Outputs      *Outputs // Recorded when entering completed
	ErrorMessage string   // Recorded when entering failed
}

// Apply moves t to c.To in place and maintains the derived fields.
// The task is left untouched when the transition is illegal.
func Apply(t *Task, c Change, now time.Time) error {
	if !CanTransition(t.Status, c.To) {
		return &TransitionError{TaskID: t.ID, From: t.Status, To: c.To}
	}
	if c.To == StatusDelegated && c.WorkspaceID == "" {
		return &TransitionError{TaskID: t.ID, From: t.Status, To: c.To}
	}

	from := t.Status
	t.Status = c.To
	t.UpdatedAt = now

	switch c.To {
	case StatusReady:
		if from == StatusFailed || from == StatusCancelled {
			// New attempt: drop the previous attempt's results.
			t.WorkspaceID = ""
			t.SessionID = ""
			t.OutputSummary = ""
			t.OutputBranch = ""
			t.OutputPRURL = ""
			t.ErrorMessage = ""
			t.CompletedAt = nil
		}
	case StatusDelegated:
		t.WorkspaceID = c.WorkspaceID
		t.SessionID = c.SessionID
	case StatusInProgress:
		if t.StartedAt == nil {
			ts := now
			t.StartedAt = &ts
		}
	case StatusCompleted:
		if c.Outputs != nil {
			t.OutputSummary = c.Outputs.Summary
			t.OutputBranch = c.Outputs.Branch
			t.OutputPRURL = c.Outputs.PRURL
		}
	case StatusFailed:
		t.ErrorMessage = c.ErrorMessage
	}

	if c.To.IsTerminal() {
		ts := now
		t.CompletedAt = &ts
	}
	return nil
}
