package workflow

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRunTool_NotFound(t *testing.T) {
	if err := RunTool(context.Background(), ToolInvocation{Bin: ""}); !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("empty bin: err = %v, want ErrToolNotFound", err)
	}
	if err := RunTool(context.Background(), ToolInvocation{Bin: "definitely-not-a-real-binary-xyz"}); !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("absent bin: err = %v, want ErrToolNotFound", err)
	}
}

func TestRunTool_Success(t *testing.T) {
	err := RunTool(context.Background(), ToolInvocation{Bin: "sh", Args: []string{"-c", "exit 0"}})
	if err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
}

func TestRunTool_NonZeroExit(t *testing.T) {
	err := RunTool(context.Background(), ToolInvocation{Bin: "sh", Args: []string{"-c", "echo boom >&2; exit 3"}})
	var toolErr *ToolExecutionError
	if !errors.As(err, &toolErr) {
		t.Fatalf("err = %v, want *ToolExecutionError", err)
	}
	if toolErr.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", toolErr.ExitCode)
	}
	if toolErr.Stderr == "" {
		t.Fatal("stderr not captured")
	}
	if toolErr.Timeout {
		t.Fatal("timeout flagged on plain failure")
	}
}

func TestRunTool_Timeout(t *testing.T) {
	err := RunTool(context.Background(), ToolInvocation{
		Bin:     "sh",
		Args:    []string{"-c", "sleep 5"},
		Timeout: 50 * time.Millisecond,
	})
	var toolErr *ToolExecutionError
	if !errors.As(err, &toolErr) {
		t.Fatalf("err = %v, want *ToolExecutionError", err)
	}
	if !toolErr.Timeout {
		t.Fatal("timeout not flagged")
	}
}
