// Package adapter wraps external coding-agent CLIs behind a common
// interface. Each adapter knows how to install its tool, provision
// credentials, build the ordered command sequence for one instruction,
// and scrape usage metrics from the captured output afterwards.
package adapter

import (
	"context"
	"fmt"
	"time"

	"phobos.org.uk/wharf/internal/environment"
	"phobos.org.uk/wharf/internal/usage"
)

// Defaults shared by all adapters.
const (
	DefaultWorkDir = "/workspace"
	DefaultLogsDir = "/logs/agent"
	DefaultTimeout = 30 * time.Minute

	// setupTimeout bounds the install script run.
	setupTimeout = 10 * time.Minute

	// execBuffer pads the harness-side deadline past the in-command
	// timeout wrapper so the wrapper fires first.
	execBuffer = time.Minute
)

// Adapter is a wrapped coding-agent CLI.
type Adapter interface {
	// Name identifies the adapter kind.
	Name() string

	// Version reports the adapter version.
	Version() string

	// InstallScript returns the rendered provisioning script.
	InstallScript() (string, error)

	// Setup installs the CLI and provisions credentials in the environment.
	Setup(ctx context.Context, env environment.Environment) error

	// RunCommands builds the ordered command sequence for one instruction.
	RunCommands(instruction string) []environment.ExecCommand

	// ExtractUsage scrapes usage metrics from the captured run output.
	ExtractUsage() usage.Record
}

// runInstall executes a rendered install script inside the environment.
func runInstall(ctx context.Context, env environment.Environment, script string) error {
	result, err := env.Run(ctx, environment.ExecCommand{
		Command: script,
		Timeout: setupTimeout,
	})
	if err != nil {
		return fmt.Errorf("running install script: %w", err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("install script failed with exit code %d: %s", result.ExitCode, tail(result.Stdout, 500))
	}
	return nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
