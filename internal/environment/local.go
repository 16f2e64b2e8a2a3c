package environment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
)

// Local executes commands directly on the host via `sh -c`. It is the
// default environment for single-machine deployments and for tests.
type Local struct{}

// NewLocal returns a host-process environment.
func NewLocal() *Local {
	return &Local{}
}

// Name identifies the environment kind.
func (l *Local) Name() string {
	return "local"
}

// UploadFile copies sourcePath to targetPath on the local filesystem.
func (l *Local) UploadFile(ctx context.Context, sourcePath, targetPath string) error {
	src, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("opening source file: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
		return fmt.Errorf("creating target directory: %w", err)
	}

	dst, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating target file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copying file: %w", err)
	}
	return nil
}

// Run executes the command with `sh -c`, honoring cmd.Timeout and the
// caller's context. A deadline hit is reported as exit code 124 with
// TimedOut set rather than as an error.
func (l *Local) Run(ctx context.Context, cmd ExecCommand) (ExecResult, error) {
	runCtx := ctx
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	proc := exec.CommandContext(runCtx, "sh", "-c", cmd.Command)
	if cmd.Dir != "" {
		proc.Dir = cmd.Dir
	}

	// Inherit current environment and add command-specific vars
	proc.Env = os.Environ()
	for k, v := range cmd.Env {
		proc.Env = append(proc.Env, fmt.Sprintf("%s=%s", k, v))
	}

	var stdout, stderr bytes.Buffer
	proc.Stdout = &stdout
	proc.Stderr = &stderr

	err := proc.Run()

	result := ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		result.ExitCode = ExitCodeTimeout
		result.TimedOut = true
		return result, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("running command: %w", err)
	}

	return result, nil
}
