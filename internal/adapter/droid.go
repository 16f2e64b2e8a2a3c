package adapter

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"

	"phobos.org.uk/wharf/internal/api"
	"phobos.org.uk/wharf/internal/credentials"
	"phobos.org.uk/wharf/internal/environment"
	"phobos.org.uk/wharf/internal/install"
	"phobos.org.uk/wharf/internal/logging"
	"phobos.org.uk/wharf/internal/usage"
)

// droidModelIDs maps short model names to Factory model IDs. Haiku falls
// back to sonnet; Factory has no haiku deployment.
var droidModelIDs = map[string]string{
	"sonnet":      "claude-sonnet-4-20250514",
	"opus":        "claude-opus-4-1-20250805",
	"haiku":       "claude-sonnet-4-20250514",
	"gpt-5":       "gpt-5-codex",
	"gpt-5-codex": "gpt-5-codex",
	"gpt-5-high":  "gpt-5-codex-high",
}

var reasoningEfforts = map[string]bool{
	"off":    true,
	"low":    true,
	"medium": true,
	"high":   true,
}

// droidCredentialTarget is where the Droid CLI reads its credentials
// inside the environment.
const droidCredentialTarget = "/root/.factory"

// droidAuthCheck reports whether credentials landed before the main run.
const droidAuthCheck = "echo 'Checking Factory Droid authentication...' && " +
	"if [ -f ~/.factory/auth.json ]; then " +
	"echo 'Auth file found'; " +
	"else " +
	"echo 'WARNING: No auth file found. Factory Droid may fail.'; " +
	"echo 'To authenticate: run droid on host machine first, or set FACTORY_AUTH_TOKEN'; " +
	"fi"

// DroidOptions configures a Factory Droid adapter.
type DroidOptions struct {
	// ModelRef is a "provider/model" reference used to pick a Factory
	// model when DroidModel is not set.
	ModelRef string

	// DroidModel is an explicit short name (sonnet, opus, gpt-5, ...) or
	// Factory model ID.
	DroidModel string

	// ReasoningEffort is off, low, medium or high. Defaults to medium.
	ReasoningEffort string

	Timeout time.Duration
	WorkDir string
	LogsDir string

	// CredentialsDir is the host directory holding auth.json and friends.
	// Defaults to ~/.factory.
	CredentialsDir string

	// Environ is the host environment snapshot consulted for API keys.
	Environ map[string]string

	Log *logging.Logger
}

// Droid wraps the Factory AI Droid CLI. Droid requires browser
// authentication on first run, which containers cannot do, so Setup
// uploads the host's credential files instead.
type Droid struct {
	model           string
	reasoningEffort string
	timeout         time.Duration
	workDir         string
	logsDir         string
	credentialsDir  string
	authToken       string
	environ         map[string]string
	log             *logging.Logger

	mu              sync.Mutex
	lastInstruction string
}

// NewDroid builds a Droid adapter, resolving the model reference to a
// Factory model ID.
func NewDroid(opts DroidOptions) (*Droid, error) {
	effort := opts.ReasoningEffort
	if effort == "" {
		effort = "medium"
	}
	if !reasoningEfforts[effort] {
		return nil, fmt.Errorf("invalid reasoning effort %q (want off, low, medium or high)", opts.ReasoningEffort)
	}

	short := opts.DroidModel
	if short == "" {
		short = "sonnet"
	}
	if provider, model, ok := strings.Cut(opts.ModelRef, "/"); ok {
		lower := strings.ToLower(model)
		switch provider {
		case "anthropic":
			switch {
			case strings.Contains(lower, "haiku"):
				short = "haiku"
			case strings.Contains(lower, "opus"):
				short = "opus"
			case strings.Contains(lower, "sonnet"):
				short = "sonnet"
			}
		case "openai":
			if strings.Contains(lower, "gpt-5") {
				short = "gpt-5"
			}
		}
	}
	model, ok := droidModelIDs[short]
	if !ok {
		model = short
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	workDir := opts.WorkDir
	if workDir == "" {
		workDir = DefaultWorkDir
	}
	logsDir := opts.LogsDir
	if logsDir == "" {
		logsDir = DefaultLogsDir
	}
	credentialsDir := opts.CredentialsDir
	if credentialsDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		credentialsDir = filepath.Join(home, ".factory")
	}
	log := opts.Log
	if log == nil {
		log = logging.New(logging.Config{Component: api.AdapterKindDroid})
	}

	return &Droid{
		model:           model,
		reasoningEffort: effort,
		timeout:         timeout,
		workDir:         workDir,
		logsDir:         logsDir,
		credentialsDir:  credentialsDir,
		authToken:       opts.Environ["FACTORY_AUTH_TOKEN"],
		environ:         opts.Environ,
		log:             log,
	}, nil
}

func (d *Droid) Name() string {
	return api.AdapterKindDroid
}

func (d *Droid) Version() string {
	return "1.0.0"
}

// Model returns the resolved Factory model ID.
func (d *Droid) Model() string {
	return d.model
}

func (d *Droid) InstallScript() (string, error) {
	return install.Render(install.ScriptDroid, nil)
}

// Setup installs the Droid CLI and uploads the host's Factory credential
// files so the session is pre-authenticated. Missing credentials are a
// warning, not a failure.
func (d *Droid) Setup(ctx context.Context, env environment.Environment) error {
	script, err := d.InstallScript()
	if err != nil {
		return err
	}
	if err := runInstall(ctx, env, script); err != nil {
		return err
	}

	uploader := &credentials.Uploader{
		SourceDir: d.credentialsDir,
		TargetDir: droidCredentialTarget,
		Environ:   d.environ,
		Log:       d.log,
	}
	uploaded := uploader.Upload(ctx, env)
	d.log.Info("droid setup complete", map[string]any{"credential_files": uploaded})
	return nil
}

// RunCommands builds the four-command run sequence: session directory,
// auth preflight, the droid exec invocation, and a post-run inspection.
func (d *Droid) RunCommands(instruction string) []environment.ExecCommand {
	d.mu.Lock()
	d.lastInstruction = instruction
	d.mu.Unlock()

	env := d.env()
	outputLog := path.Join(d.logsDir, "droid_output.log")

	args := []string{"droid", "exec", "-m", d.model}
	if d.reasoningEffort != "off" {
		args = append(args, "-r", d.reasoningEffort)
	}
	// Auto-approval level follows the reasoning effort; non-interactive
	// execution needs at least high when reasoning is off.
	autoLevel := d.reasoningEffort
	if autoLevel == "off" {
		autoLevel = "high"
	}
	args = append(args, "--auto", autoLevel, instruction)

	main := fmt.Sprintf("timeout %d %s 2>&1 | tee %s || echo 'Factory Droid failed - likely due to authentication requirements'",
		int(d.timeout.Seconds()), shellquote.Join(args...), outputLog)

	return []environment.ExecCommand{
		{
			Command: "mkdir -p " + path.Join(d.logsDir, "droid_session"),
			Env:     env,
			Dir:     d.workDir,
		},
		{
			Command: droidAuthCheck,
			Env:     env,
			Dir:     d.workDir,
		},
		{
			Command: main,
			Env:     env,
			Dir:     d.workDir,
			Timeout: d.timeout + execBuffer,
		},
		{
			// The marker is appended to the output log so usage extraction
			// can tell a completed sequence from a truncated one.
			Command: fmt.Sprintf("echo '=== Factory Droid Session Complete ===' | tee -a %s && ls -la %s && git status 2>/dev/null || true", outputLog, d.workDir),
			Env:     env,
			Dir:     d.workDir,
		},
	}
}

// ExtractUsage estimates token usage from the droid output log. The Droid
// CLI prints no metrics, so this is always heuristic.
func (d *Droid) ExtractUsage() usage.Record {
	d.mu.Lock()
	instruction := d.lastInstruction
	d.mu.Unlock()

	return usage.EstimateLog(filepath.Join(d.logsDir, "droid_output.log"), usage.EstimateOptions{
		Model:           d.model,
		ReasoningEffort: d.reasoningEffort,
		Instruction:     instruction,
		LogsDir:         d.logsDir,
	})
}

func (d *Droid) env() map[string]string {
	env := map[string]string{}
	for _, key := range []string{"FACTORY_API_KEY", "ANTHROPIC_API_KEY", "OPENAI_API_KEY"} {
		if v := d.environ[key]; v != "" {
			env[key] = v
		}
	}
	if d.authToken != "" {
		env["FACTORY_AUTH_TOKEN"] = d.authToken
	}
	return env
}
