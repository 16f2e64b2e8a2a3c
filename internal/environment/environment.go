// Package environment abstracts where agent commands execute and where
// credential files land. Adapters build ExecCommands; an Environment runs
// them, either directly on the host or inside a container.
package environment

import (
	"context"
	"time"
)

// ExecCommand describes a single shell invocation.
type ExecCommand struct {
	// Command is passed to `sh -c` verbatim. Callers are responsible for
	// quoting anything interpolated into it.
	Command string
	// Env holds extra environment variables for this command only.
	// Variables absent from the map are inherited from the environment.
	Env map[string]string
	// Dir is the working directory for the command.
	Dir string
	// Timeout bounds the whole invocation. Zero means no bound beyond the
	// caller's context.
	Timeout time.Duration
}

// ExecResult captures the outcome of one ExecCommand.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// Environment is an isolated place to run agent commands.
type Environment interface {
	// Name identifies the environment kind ("local", "docker").
	Name() string

	// UploadFile copies a host file into the environment at targetPath,
	// creating parent directories as needed.
	UploadFile(ctx context.Context, sourcePath, targetPath string) error

	// Run executes a single command and waits for it to finish.
	Run(ctx context.Context, cmd ExecCommand) (ExecResult, error)
}

// ExitCodeTimeout is reported when a command is cut off by its timeout,
// matching the exit status of coreutils timeout(1).
const ExitCodeTimeout = 124
