package tools

import (
	"errors"
	"fmt"
)

var (
	// ErrToolUnavailable is returned when a required external tool is not on PATH
	ErrToolUnavailable = errors.New("tool unavailable")

	// ErrExternalToolFailure matches every ToolError via errors.Is
	ErrExternalToolFailure = errors.New("external tool failed")
)

// ToolError reports a non-zero exit (or a failure to run) of an external tool.
type ToolError struct {
	Tool     string
	ExitCode int
	Output   string
	Err      error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s failed with exit code %d", e.Tool, e.ExitCode)
	if e.Output != "" {
		msg += ", output: " + e.Output
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ToolError) Unwrap() error { return e.Err }

func (e *ToolError) Is(target error) bool { return target == ErrExternalToolFailure }
