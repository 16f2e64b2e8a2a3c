package adapter

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phobos.org.uk/wharf/internal/environment"
	"phobos.org.uk/wharf/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Output: &bytes.Buffer{}, Level: logging.LevelDebug})
}

func newTestDroid(t *testing.T, opts DroidOptions) *Droid {
	t.Helper()
	if opts.CredentialsDir == "" {
		opts.CredentialsDir = t.TempDir()
	}
	if opts.Log == nil {
		opts.Log = testLogger()
	}
	d, err := NewDroid(opts)
	require.NoError(t, err)
	return d
}

func TestNewDroid_ModelResolution(t *testing.T) {
	tests := []struct {
		name string
		opts DroidOptions
		want string
	}{
		{name: "default is sonnet", opts: DroidOptions{}, want: "claude-sonnet-4-20250514"},
		{name: "opus from model ref", opts: DroidOptions{ModelRef: "anthropic/claude-3-opus"}, want: "claude-opus-4-1-20250805"},
		{name: "haiku falls back to sonnet", opts: DroidOptions{ModelRef: "anthropic/claude-3-5-haiku"}, want: "claude-sonnet-4-20250514"},
		{name: "gpt-5 from model ref", opts: DroidOptions{ModelRef: "openai/gpt-5-mini"}, want: "gpt-5-codex"},
		{name: "short name option", opts: DroidOptions{DroidModel: "gpt-5-high"}, want: "gpt-5-codex-high"},
		{name: "unknown short name passes through", opts: DroidOptions{DroidModel: "droid-core"}, want: "droid-core"},
		{name: "model ref wins over short name", opts: DroidOptions{DroidModel: "opus", ModelRef: "anthropic/claude-sonnet-4"}, want: "claude-sonnet-4-20250514"},
		{name: "unrecognised provider keeps short name", opts: DroidOptions{DroidModel: "opus", ModelRef: "google/gemini-pro"}, want: "claude-opus-4-1-20250805"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := newTestDroid(t, tc.opts)
			assert.Equal(t, tc.want, d.Model())
		})
	}
}

func TestNewDroid_InvalidReasoningEffort(t *testing.T) {
	_, err := NewDroid(DroidOptions{ReasoningEffort: "extreme", CredentialsDir: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reasoning effort")
}

func TestDroid_RunCommands(t *testing.T) {
	d := newTestDroid(t, DroidOptions{
		ModelRef: "anthropic/claude-sonnet-4",
		WorkDir:  "/workspace",
		LogsDir:  "/logs/agent",
		Environ: map[string]string{
			"FACTORY_API_KEY":    "fk-1",
			"ANTHROPIC_API_KEY":  "sk-ant",
			"FACTORY_AUTH_TOKEN": "tok-1",
			"UNRELATED_VAR":      "nope",
		},
	})

	cmds := d.RunCommands("list all files")
	require.Len(t, cmds, 4)

	assert.Equal(t, "mkdir -p /logs/agent/droid_session", cmds[0].Command)
	assert.Contains(t, cmds[1].Command, "auth.json")

	main := cmds[2]
	assert.Contains(t, main.Command, "timeout 1800 droid exec -m claude-sonnet-4-20250514")
	assert.Contains(t, main.Command, "-r medium")
	assert.Contains(t, main.Command, "--auto medium")
	assert.Contains(t, main.Command, "tee /logs/agent/droid_output.log")
	assert.Equal(t, 31*time.Minute, main.Timeout)
	assert.Equal(t, "/workspace", main.Dir)

	// Only recognised keys are forwarded.
	assert.Equal(t, "fk-1", main.Env["FACTORY_API_KEY"])
	assert.Equal(t, "sk-ant", main.Env["ANTHROPIC_API_KEY"])
	assert.Equal(t, "tok-1", main.Env["FACTORY_AUTH_TOKEN"])
	assert.NotContains(t, main.Env, "UNRELATED_VAR")

	assert.Contains(t, cmds[3].Command, "Factory Droid Session Complete")

	// The preceding commands carry no harness-side deadline.
	assert.Zero(t, cmds[0].Timeout)
	assert.Zero(t, cmds[1].Timeout)
}

func TestDroid_RunCommands_ReasoningOff(t *testing.T) {
	d := newTestDroid(t, DroidOptions{ReasoningEffort: "off"})

	cmds := d.RunCommands("task")
	main := cmds[2].Command
	assert.NotContains(t, main, "-r ")
	assert.Contains(t, main, "--auto high")
}

func TestDroid_InstructionQuotingSurvivesShell(t *testing.T) {
	workDir := t.TempDir()
	logsDir := t.TempDir()
	binDir := t.TempDir()

	// Stand-in droid binary that echoes each argument on its own line.
	fake := "#!/bin/sh\nfor a in \"$@\"; do printf '%s\\n' \"$a\"; done\n"
	require.NoError(t, os.WriteFile(filepath.Join(binDir, "droid"), []byte(fake), 0755))

	d := newTestDroid(t, DroidOptions{WorkDir: workDir, LogsDir: logsDir, Timeout: time.Minute})

	instruction := `fix the "bug" in $HOME; then run ` + "`date`" + ` and don't stop`
	cmds := d.RunCommands(instruction)

	main := cmds[2]
	main.Env["PATH"] = binDir + ":" + os.Getenv("PATH")

	result, err := environment.NewLocal().Run(context.Background(), main)
	require.NoError(t, err)
	require.Equal(t, 0, result.ExitCode, "stdout: %s", result.Stdout)

	// The instruction must reach the CLI verbatim, no expansion or splitting.
	assert.Contains(t, result.Stdout, instruction)

	logged, err := os.ReadFile(filepath.Join(logsDir, "droid_output.log"))
	require.NoError(t, err)
	assert.Contains(t, string(logged), instruction)
}

func TestDroid_ExtractUsage(t *testing.T) {
	logsDir := t.TempDir()
	d := newTestDroid(t, DroidOptions{LogsDir: logsDir})

	content := strings.Repeat("output text ", 100) + "\nError: transient hiccup\n=== Factory Droid Session Complete ===\n"
	require.NoError(t, os.WriteFile(filepath.Join(logsDir, "droid_output.log"), []byte(content), 0644))

	d.RunCommands("write a parser for the config format")
	rec := d.ExtractUsage()

	assert.True(t, rec.Success)
	assert.Equal(t, len(content)/4, rec.OutputTokens)
	assert.Greater(t, rec.InputTokens, 0)
	assert.Greater(t, rec.CostUSD, 0.0)
	assert.Equal(t, "claude-sonnet-4-20250514", rec.Metadata["droid_model"])

	errs, ok := rec.Metadata["errors"].([]string)
	require.True(t, ok)
	assert.Len(t, errs, 1)
}

func TestDroid_ExtractUsage_MissingLog(t *testing.T) {
	logsDir := t.TempDir()
	d := newTestDroid(t, DroidOptions{LogsDir: logsDir})

	// A stray per-command capture is sampled for diagnosis.
	cmdDir := filepath.Join(logsDir, "command-1")
	require.NoError(t, os.MkdirAll(cmdDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(cmdDir, "stdout.txt"), []byte("droid: command not found"), 0644))

	rec := d.ExtractUsage()
	assert.False(t, rec.Success)
	assert.Equal(t, 0, rec.TotalTokens())
	assert.Equal(t, "no output file found", rec.Metadata["error"])
	assert.Contains(t, rec.Metadata["command_output_sample"], "not found")
}
