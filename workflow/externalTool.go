package workflow

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"time"
)

// ToolInvocation describes one external tool call. Success is a zero exit
// status; everything else maps to ErrToolNotFound or *ToolExecutionError so
// callers never have to parse error-message strings.
type ToolInvocation struct {
	Bin     string
	Args    []string
	Timeout time.Duration
}

// ToolRunner lets stages substitute the real invoker in tests.
type ToolRunner func(ctx context.Context, inv ToolInvocation) error

const stderrTailLimit = 2048

// RunTool is the uniform external-tool invoker used by the image intelligence
// and format conversion stages.
func RunTool(ctx context.Context, inv ToolInvocation) error {
	if inv.Bin == "" {
		return ErrToolNotFound
	}
	if _, err := exec.LookPath(inv.Bin); err != nil {
		return ErrToolNotFound
	}

	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, inv.Bin, inv.Args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}

	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	return &ToolExecutionError{
		Tool:     filepath.Base(inv.Bin),
		ExitCode: exitCode,
		Stderr:   tailString(stderr.String(), stderrTailLimit),
		Timeout:  errors.Is(ctx.Err(), context.DeadlineExceeded),
		Err:      err,
	}
}

func tailString(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[len(s)-limit:]
}
