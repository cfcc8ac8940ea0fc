// Package tools runs the external programs the agent depends on (qemu-img, genisoimage,
// openssl) behind a narrow interface so callers can be tested without spawning processes.
package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/kernel/vmagent/lib/logger"
)

// Runner invokes external tools.
type Runner interface {
	// LookPath resolves tool on PATH, returning ErrToolUnavailable if it is missing.
	LookPath(tool string) (string, error)
	// Run executes tool with args and returns its combined output.
	// A non-zero exit is reported as *ToolError.
	Run(ctx context.Context, tool string, args ...string) ([]byte, error)
}

type execRunner struct {
	timeout time.Duration
}

// NewExecRunner returns a Runner backed by os/exec. Each invocation is bounded by timeout
// when it is positive.
func NewExecRunner(timeout time.Duration) Runner {
	return &execRunner{timeout: timeout}
}

func (r *execRunner) LookPath(tool string) (string, error) {
	path, err := exec.LookPath(tool)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrToolUnavailable, tool)
	}
	return path, nil
}

func (r *execRunner) Run(ctx context.Context, tool string, args ...string) ([]byte, error) {
	if _, err := r.LookPath(tool); err != nil {
		return nil, err
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	log := logger.FromContext(ctx)
	log.DebugContext(ctx, "running external tool", "tool", tool, "args", redact(tool, args))

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, tool, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if err == nil {
		return out.Bytes(), nil
	}

	toolErr := &ToolError{
		Tool:     tool,
		ExitCode: -1,
		Output:   strings.TrimSpace(out.String()),
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		toolErr.ExitCode = exitErr.ExitCode()
	} else {
		toolErr.Err = err
	}
	if ctx.Err() != nil {
		toolErr.Err = ctx.Err()
	}
	return nil, toolErr
}

// redact hides secrets passed on the command line from debug logs.
func redact(tool string, args []string) []string {
	if tool != "openssl" {
		return args
	}
	out := make([]string, len(args))
	copy(out, args)
	if len(out) > 0 {
		out[len(out)-1] = "***"
	}
	return out
}
