package workflow

import (
	"errors"
	"fmt"
)

// ConfigurationError means the template family itself is unusable (missing or
// invalid manifest). Always fatal: no part of the job can proceed.
type ConfigurationError struct {
	FamilyKey string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("template family %q not usable: %s", e.FamilyKey, e.Reason)
}

// RenderError means one template part failed to merge. Fatal only when the
// part is required; optional parts degrade to a logged warning.
type RenderError struct {
	PartName    string
	TemplateRef string
	// Missing distinguishes an absent template file from a corrupt one.
	Missing bool
	Err     error
}

func (e *RenderError) Error() string {
	kind := "corrupt template"
	if e.Missing {
		kind = "missing template"
	}
	return fmt.Sprintf("render part %q (%s): %s: %v", e.PartName, e.TemplateRef, kind, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// ErrToolNotFound reports that an external tool binary is absent from the
// environment. Expected on hosts without the optional toolchain installed.
var ErrToolNotFound = errors.New("external tool not found")

// ToolExecutionError reports a tool that was present but did not exit zero.
type ToolExecutionError struct {
	Tool     string
	ExitCode int
	Stderr   string
	Timeout  bool
	Err      error
}

func (e *ToolExecutionError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("tool %s timed out", e.Tool)
	}
	return fmt.Sprintf("tool %s failed (exit=%d): %s", e.Tool, e.ExitCode, e.Stderr)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }
