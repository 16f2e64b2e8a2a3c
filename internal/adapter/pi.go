package adapter

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"phobos.org.uk/wharf/internal/api"
	"phobos.org.uk/wharf/internal/environment"
	"phobos.org.uk/wharf/internal/install"
	"phobos.org.uk/wharf/internal/logging"
	"phobos.org.uk/wharf/internal/usage"
)

// piBundleTarget is where a prebuilt bundle lands so the install script
// can extract it instead of running npm.
const piBundleTarget = "/tmp/pi-bundle.tgz"

// PiOptions configures a pi-coding-agent adapter.
type PiOptions struct {
	// ModelRef is a "provider/model" reference. Required unless Provider
	// is set, in which case it may be a bare model name or empty.
	ModelRef string

	// Provider overrides the provider part of ModelRef.
	Provider string

	// PiModel is an explicit pi model ID, skipping inference from ModelRef.
	PiModel string

	// OutputMode is json or text. Defaults to json.
	OutputMode string

	// NoSession runs the CLI in ephemeral mode.
	NoSession bool

	Timeout time.Duration
	WorkDir string
	LogsDir string

	// BundlePath points at an optional prebuilt pi bundle on the host,
	// uploaded before install to skip the npm step.
	BundlePath string

	// Environ is the host environment snapshot consulted for API keys.
	Environ map[string]string

	Log *logging.Logger
}

// Pi wraps the pi-coding-agent CLI, a multi-model coding agent that
// streams newline-delimited JSON events in json mode.
type Pi struct {
	provider   Provider
	model      string
	outputMode string
	noSession  bool
	timeout    time.Duration
	workDir    string
	logsDir    string
	bundlePath string
	environ    map[string]string
	log        *logging.Logger
}

// NewPi builds a Pi adapter, resolving the provider against the allow-list
// and the model name to a pi model ID.
func NewPi(opts PiOptions) (*Pi, error) {
	log := opts.Log
	if log == nil {
		log = logging.New(logging.Config{Component: api.AdapterKindPi})
	}

	var provider Provider
	var model string
	if opts.Provider == "" {
		if !strings.Contains(opts.ModelRef, "/") {
			return nil, fmt.Errorf(`pi adapter expects a model reference like "provider/model"`)
		}
		p, m, err := SplitModelRef(opts.ModelRef)
		if err != nil {
			return nil, err
		}
		provider, model = p, m
	} else {
		p, err := ParseProvider(opts.Provider)
		if err != nil {
			return nil, err
		}
		provider = p
		model = opts.ModelRef
		if _, m, ok := strings.Cut(opts.ModelRef, "/"); ok {
			model = m
		}
	}

	piModel := opts.PiModel
	if piModel == "" {
		piModel = inferPiModel(model, log)
	}
	piModel = NormalizeModelID(provider, piModel)

	outputMode := opts.OutputMode
	if outputMode == "" {
		outputMode = "json"
	}
	if outputMode != "json" && outputMode != "text" {
		return nil, fmt.Errorf("invalid output mode %q (want json or text)", opts.OutputMode)
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

	return &Pi{
		provider:   provider,
		model:      piModel,
		outputMode: outputMode,
		noSession:  opts.NoSession,
		timeout:    timeout,
		workDir:    workDir,
		logsDir:    logsDir,
		bundlePath: opts.BundlePath,
		environ:    opts.Environ,
		log:        log,
	}, nil
}

// inferPiModel maps a generic model name onto the pi CLI's model IDs.
// An empty result means the CLI's provider default should be used.
func inferPiModel(model string, log *logging.Logger) string {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "claude"):
		switch {
		case strings.Contains(lower, "haiku"):
			return "claude-3-5-haiku-latest"
		case strings.Contains(lower, "opus"):
			return "claude-3-opus-latest"
		case strings.Contains(lower, "sonnet"):
			return "claude-3-5-sonnet-latest"
		}
		return ""
	case strings.Contains(lower, "gpt"):
		switch {
		case strings.Contains(lower, "5.1-codex-mini"):
			return "gpt-5.1-codex-mini"
		case strings.Contains(lower, "5.1-codex"):
			return "gpt-5.1-codex"
		case strings.Contains(lower, "5.1"):
			return "gpt-5.1"
		case strings.Contains(lower, "4o"):
			return "gpt-4o"
		case strings.Contains(lower, "4-turbo"), strings.Contains(lower, "4turbo"):
			return "gpt-4-turbo"
		case strings.Contains(lower, "o1"):
			return "o1-preview"
		case strings.Contains(lower, "3.5"):
			return "gpt-3.5-turbo"
		}
		log.Warn("unknown GPT model, defaulting to gpt-4o", map[string]any{"model": model})
		return "gpt-4o"
	case strings.Contains(lower, "gemini"):
		return "gemini-2.0-flash-exp"
	}
	return model
}

func (p *Pi) Name() string {
	return api.AdapterKindPi
}

func (p *Pi) Version() string {
	return "1.0.0"
}

// Provider returns the resolved provider name.
func (p *Pi) Provider() string {
	return string(p.provider)
}

// Model returns the resolved pi model ID. Empty means the CLI's provider
// default.
func (p *Pi) Model() string {
	return p.model
}

func (p *Pi) InstallScript() (string, error) {
	return install.Render(install.ScriptPi, map[string]string{
		"Provider": string(p.provider),
		"Model":    p.model,
	})
}

// Setup uploads the prebuilt bundle when one is configured and present,
// then runs the install script.
func (p *Pi) Setup(ctx context.Context, env environment.Environment) error {
	if p.bundlePath != "" {
		if _, err := os.Stat(p.bundlePath); err == nil {
			p.log.Debug("uploading prebuilt pi bundle", map[string]any{"path": p.bundlePath})
			if err := env.UploadFile(ctx, p.bundlePath, piBundleTarget); err != nil {
				return fmt.Errorf("uploading pi bundle: %w", err)
			}
		}
	}

	script, err := p.InstallScript()
	if err != nil {
		return err
	}
	return runInstall(ctx, env, script)
}

// RunCommands builds the run sequence: session directory, the pi
// invocation, a JSON result extraction in json mode, and a post-run
// inspection.
func (p *Pi) RunCommands(instruction string) []environment.ExecCommand {
	env := providerEnv(p.provider, p.environ)
	outputLog := path.Join(p.logsDir, "pi_output.log")

	args := []string{"pi", "--provider", string(p.provider)}
	if p.model != "" {
		args = append(args, "--model", p.model)
	}
	args = append(args, "--mode", p.outputMode)
	if p.noSession {
		args = append(args, "--no-session")
	}
	args = append(args, instruction)

	main := fmt.Sprintf("cd %s && timeout %d %s 2>&1 | tee %s",
		p.workDir, int(p.timeout.Seconds()), shellquote.Join(args...), outputLog)

	cmds := []environment.ExecCommand{
		{
			Command: "mkdir -p " + path.Join(p.logsDir, "pi_session"),
			Env:     env,
			Dir:     p.workDir,
		},
		{
			Command: main,
			Env:     env,
			Dir:     p.workDir,
			Timeout: p.timeout + execBuffer,
		},
	}

	if p.outputMode == "json" {
		resultsPath := path.Join(p.logsDir, "results.json")
		extract := fmt.Sprintf(
			"if [ -f %[1]s ]; then "+
				"echo '=== Extracting JSON results ===' && "+
				"json_line=$(grep '^{' %[1]s | tail -n 1); "+
				"if [ -n \"$json_line\" ]; then "+
				"printf '%%s\\n' \"$json_line\" > %[2]s && echo 'Results saved to results.json'; "+
				"else echo 'Could not parse JSON output'; fi; "+
				"fi",
			outputLog, resultsPath)
		cmds = append(cmds, environment.ExecCommand{
			Command: extract,
			Env:     env,
			Dir:     p.workDir,
		})
	}

	cmds = append(cmds, environment.ExecCommand{
		Command: fmt.Sprintf("echo '=== Pi-Mono Session Complete ===' && ls -la %s && git status 2>/dev/null || true", p.workDir),
		Env:     env,
		Dir:     p.workDir,
	})
	return cmds
}

// ExtractUsage parses the streaming JSON log for accumulated usage
// events, falling back to heuristic estimation when none are present.
func (p *Pi) ExtractUsage() usage.Record {
	logPath := filepath.Join(p.logsDir, "pi_output.log")
	if _, err := os.Stat(logPath); err != nil {
		alt := filepath.Join(p.logsDir, "command-1", "pi_output.log")
		if _, err := os.Stat(alt); err == nil {
			logPath = alt
		}
	}

	return usage.ExtractTranscript(logPath, usage.TranscriptOptions{
		Provider:     string(p.provider),
		Model:        p.model,
		OutputMode:   p.outputMode,
		SessionSaved: !p.noSession,
	})
}
