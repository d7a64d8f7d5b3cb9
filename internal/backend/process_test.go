package backend

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"syscall"
	"testing"
	"time"
)

// TestRunCommand_Basic verifies stdout and stderr are both captured
func TestRunCommand_Basic(t *testing.T) {
	cmd := newCommand(context.Background(), "sh", "-c", "echo error >&2; echo ok")

	stdout, stderr, err := runCommand(cmd, nil, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if strings.TrimSpace(string(stdout)) != "ok" {
		t.Errorf("Expected stdout 'ok', got: %q", stdout)
	}
	if !strings.Contains(string(stderr), "error") {
		t.Errorf("Expected stderr to contain 'error', got: %q", stderr)
	}
}

// TestRunCommand_LargeOutput verifies output beyond the pipe buffer does not deadlock
func TestRunCommand_LargeOutput(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 256KB on stdout and stderr, well above a 64KB pipe buffer
	script := `head -c 262144 /dev/zero | tr '\0' 'a'; head -c 262144 /dev/zero | tr '\0' 'b' >&2`
	cmd := newCommand(ctx, "sh", "-c", script)

	stdout, stderr, err := runCommand(cmd, nil, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(stdout) != 262144 || len(stderr) != 262144 {
		t.Errorf("Expected 256KB on each pipe, got %d and %d", len(stdout), len(stderr))
	}
}

func TestRunCommand_NonZeroExit(t *testing.T) {
	cmd := newCommand(context.Background(), "sh", "-c", "echo boom >&2; exit 3")

	_, _, err := runCommand(cmd, nil, nil)
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("Expected ExitError, got: %v", err)
	}
	if exitErr.ExitCode() != 3 {
		t.Errorf("Expected exit code 3, got %d", exitErr.ExitCode())
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("Expected stderr in error, got: %v", err)
	}
}

func TestRunCommand_StartFailure(t *testing.T) {
	started := false
	cmd := newCommand(context.Background(), "/nonexistent/agent-binary")

	_, _, err := runCommand(cmd, nil, func() { started = true })
	if err == nil {
		t.Fatal("Expected start error")
	}
	if started {
		t.Error("started callback must not run when the process fails to start")
	}
}

// TestRunCommand_ContextCancelKillsGroup verifies cancellation kills the whole tree
func TestRunCommand_ContextCancelKillsGroup(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	// The backgrounded sleep keeps the pipes open unless the group dies
	cmd := newCommand(ctx, "sh", "-c", "sleep 30 & sleep 30")

	start := time.Now()
	_, _, err := runCommand(cmd, nil, nil)
	if err == nil {
		t.Fatal("Expected error due to context cancellation, got nil")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("runCommand took %v, process group was not killed", elapsed)
	}
}

// TestProcessManager_TrackAndKillAll verifies tracked processes are terminated
func TestProcessManager_TrackAndKillAll(t *testing.T) {
	pm := NewProcessManager()

	cmd := newCommand(context.Background(), "sleep", "300")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start process: %v", err)
	}
	pm.Track(cmd)
	if pm.Count() != 1 {
		t.Errorf("Expected 1 tracked process, got %d", pm.Count())
	}

	if err := pm.KillAll(); err != nil {
		t.Fatalf("KillAll failed: %v", err)
	}

	err := cmd.Wait()
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("Expected process to be killed, got %v", err)
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && !status.Signaled() {
		t.Errorf("Expected process to be signaled, got exit status: %v", status)
	}

	pm.Untrack(cmd)
	if pm.Count() != 0 {
		t.Errorf("Expected 0 tracked processes after Untrack, got %d", pm.Count())
	}
}

func TestRunCommand_TracksWhileRunning(t *testing.T) {
	pm := NewProcessManager()
	cmd := newCommand(context.Background(), "sh", "-c", "exit 0")

	var during int
	if _, _, err := runCommand(cmd, pm, func() { during = pm.Count() }); err != nil {
		t.Fatal(err)
	}
	if during != 1 {
		t.Errorf("Expected the process tracked while running, got %d", during)
	}
	if pm.Count() != 0 {
		t.Errorf("Expected the process untracked after exit, got %d", pm.Count())
	}
}
