package backend

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aristath/taskpilot/internal/orchestrator"
)

type dirMap map[string]string

func (d dirMap) Path(workspaceID string) (string, error) {
	if p, ok := d[workspaceID]; ok {
		return p, nil
	}
	return "", errors.New("no such workspace")
}

func shProfile(script string) Profile {
	return Profile{Provider: ProviderCommand, Command: "sh", Args: []string{"-c", script}}
}

func newTestClient(t *testing.T, profiles map[string]Profile) (*CommandClient, string) {
	t.Helper()
	dir := t.TempDir()
	return NewCommandClient(ClientConfig{
		Profiles:       profiles,
		DefaultProfile: "default",
		Workspaces:     dirMap{"ws1": dir},
		Processes:      NewProcessManager(),
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}), dir
}

// collect reads signals until the channel closes.
func collect(t *testing.T, ch <-chan orchestrator.Signal) []orchestrator.Signal {
	t.Helper()
	var out []orchestrator.Signal
	timeout := time.After(5 * time.Second)
	for {
		select {
		case sig, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, sig)
		case <-timeout:
			t.Fatalf("signal channel not closed, got %+v", out)
		}
	}
}

func TestCommandClientCompletes(t *testing.T) {
	script := `cat > prompt.txt; echo "{\"summary\":\"$TASKPILOT_TASK_ID done\",\"branch\":\"task/x\"}"`
	c, dir := newTestClient(t, map[string]Profile{"default": shProfile(script)})

	id, err := c.Submit(context.Background(), "ws1", orchestrator.TaskPayload{TaskID: "t1", Title: "Fix bug", Description: "in parser"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	sigs := collect(t, c.Signals(id))
	if len(sigs) != 2 {
		t.Fatalf("expected progress and completed, got %+v", sigs)
	}
	if sigs[0].Kind != orchestrator.SignalProgress || sigs[0].SessionID != id {
		t.Errorf("unexpected first signal %+v", sigs[0])
	}
	if sigs[1].Kind != orchestrator.SignalCompleted || sigs[1].Outputs.Summary != "t1 done" || sigs[1].Outputs.Branch != "task/x" {
		t.Errorf("unexpected final signal %+v", sigs[1])
	}

	// The agent ran in the workspace and got the prompt on stdin
	prompt, err := os.ReadFile(filepath.Join(dir, "prompt.txt"))
	if err != nil {
		t.Fatalf("prompt not written in workspace: %v", err)
	}
	if string(prompt) != "Fix bug\n\nin parser" {
		t.Errorf("unexpected prompt %q", prompt)
	}
}

func TestCommandClientFailure(t *testing.T) {
	c, _ := newTestClient(t, map[string]Profile{"default": shProfile("echo 'tests failed' >&2; exit 1")})

	id, err := c.Submit(context.Background(), "ws1", orchestrator.TaskPayload{TaskID: "t1", Title: "x"})
	if err != nil {
		t.Fatal(err)
	}

	sigs := collect(t, c.Signals(id))
	last := sigs[len(sigs)-1]
	if last.Kind != orchestrator.SignalFailed || !strings.Contains(last.Reason, "tests failed") {
		t.Errorf("expected failure with stderr, got %+v", last)
	}
}

func TestCommandClientProfileHint(t *testing.T) {
	c, _ := newTestClient(t, map[string]Profile{
		"default": shProfile("echo default"),
		"fast":    shProfile("echo fast"),
	})

	id, err := c.Submit(context.Background(), "ws1", orchestrator.TaskPayload{TaskID: "t1", AgentProfileHint: "fast"})
	if err != nil {
		t.Fatal(err)
	}
	sigs := collect(t, c.Signals(id))
	if got := sigs[len(sigs)-1].Outputs.Summary; got != "fast" {
		t.Errorf("expected the hinted profile to run, got %q", got)
	}
}

func TestCommandClientSubmitErrors(t *testing.T) {
	c, _ := newTestClient(t, map[string]Profile{
		"default": shProfile("true"),
		"broken":  {Provider: ProviderCommand, Command: "/nonexistent/agent"},
	})

	tests := []struct {
		name      string
		workspace string
		hint      string
		wantErr   error
	}{
		{"unknown profile", "ws1", "nope", ErrUnknownProfile},
		{"unknown workspace", "ws-missing", "", nil},
		{"binary missing", "ws1", "broken", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Submit(context.Background(), tt.workspace, orchestrator.TaskPayload{TaskID: "t1", AgentProfileHint: tt.hint})
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			var permanent *orchestrator.PermanentError
			if !errors.As(err, &permanent) {
				t.Errorf("configuration errors must not be retried, got %T: %v", err, err)
			}
		})
	}
}

func TestCommandClientStop(t *testing.T) {
	c, _ := newTestClient(t, map[string]Profile{"default": shProfile("sleep 30 & sleep 30")})

	id, err := c.Submit(context.Background(), "ws1", orchestrator.TaskPayload{TaskID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	signals := c.Signals(id)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Stop(ctx, id); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// Only the start signal; a stopped session reports no result.
	sigs := collect(t, signals)
	if len(sigs) != 1 || sigs[0].Kind != orchestrator.SignalProgress {
		t.Errorf("expected only progress, got %+v", sigs)
	}
	if n := c.cfg.Processes.Count(); n != 0 {
		t.Errorf("expected no tracked processes, got %d", n)
	}

	// Stopping again is harmless
	if err := c.Stop(ctx, id); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}
}

func TestCommandClientUnknownSessionSignals(t *testing.T) {
	c, _ := newTestClient(t, nil)

	select {
	case _, ok := <-c.Signals("missing"):
		if ok {
			t.Error("expected a closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("signals for an unknown session must not block")
	}
}

func (c *CommandClient) sessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

func TestCommandClientForgetsFinishedSessions(t *testing.T) {
	c, _ := newTestClient(t, map[string]Profile{"default": shProfile("echo done")})

	for i := 0; i < 3; i++ {
		id, err := c.Submit(context.Background(), "ws1", orchestrator.TaskPayload{TaskID: "t1"})
		if err != nil {
			t.Fatal(err)
		}
		sigs := collect(t, c.Signals(id))
		if last := sigs[len(sigs)-1]; last.Kind != orchestrator.SignalCompleted {
			t.Fatalf("expected completion, got %+v", last)
		}
	}

	waitForNoSessions(t, c)
}

func waitForNoSessions(t *testing.T, c *CommandClient) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.sessionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected finished sessions to be dropped, %d left", c.sessionCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCommandClientSignalsAfterExit(t *testing.T) {
	c, _ := newTestClient(t, map[string]Profile{"default": shProfile("echo quick")})

	id, err := c.Submit(context.Background(), "ws1", orchestrator.TaskPayload{TaskID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	// Let the agent exit before anyone asks for its signals
	time.Sleep(200 * time.Millisecond)

	sigs := collect(t, c.Signals(id))
	if len(sigs) != 2 || sigs[1].Outputs.Summary != "quick" {
		t.Errorf("expected buffered progress and completion, got %+v", sigs)
	}
	waitForNoSessions(t, c)
}
