package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"phobos.org.uk/wharf/internal/adapter"
	"phobos.org.uk/wharf/internal/api"
	"phobos.org.uk/wharf/internal/environment"
	"phobos.org.uk/wharf/internal/tlsutil"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "exec":
		execCmd(os.Args[2:])
	case "run":
		runCmd(os.Args[2:])
	case "status":
		statusCmd(os.Args[2:])
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`wharf-run - run one instruction through a coding-agent CLI

Usage:
  wharf-run <command> [flags]

Commands:
  exec     Run an instruction directly through an adapter (no daemon)
  run      Submit an instruction to a wharf agent daemon and wait
  status   Get status of a wharf agent daemon
  version  Show version
  help     Show this help

Run 'wharf-run <command> -h' for command-specific help.`)
}

// execCmd builds an adapter and drives it through an environment in-process.
func execCmd(args []string) {
	fs := flag.NewFlagSet("exec", flag.ExitOnError)
	adapterKind := fs.String("adapter", api.AdapterKindPi, "Adapter (factory-droid, pi-mono)")
	model := fs.String("model", "", "provider/model reference")
	provider := fs.String("provider", "", "Provider override (pi-mono)")
	effort := fs.String("effort", "", "Reasoning effort (factory-droid: off, low, medium, high)")
	outputMode := fs.String("output-mode", "", "Output mode (pi-mono: json, text)")
	noSession := fs.Bool("no-session", false, "Ephemeral session (pi-mono)")
	timeout := fs.Duration("timeout", 30*time.Minute, "CLI timeout")
	workDir := fs.String("workdir", "", "Workspace directory inside the environment")
	logsDir := fs.String("logsdir", "", "Log directory inside the environment")
	container := fs.String("container", "", "Docker container (default: run locally)")
	setup := fs.Bool("setup", false, "Install the CLI before running")
	fs.Parse(args)

	remaining := fs.Args()
	if len(remaining) == 0 {
		fmt.Fprintf(os.Stderr, "Usage: wharf-run exec [flags] <instruction>\n")
		fs.PrintDefaults()
		os.Exit(1)
	}
	instruction := remaining[0]

	environ := map[string]string{}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			environ[k] = v
		}
	}

	var ad adapter.Adapter
	var err error
	switch *adapterKind {
	case api.AdapterKindDroid:
		ad, err = adapter.NewDroid(adapter.DroidOptions{
			ModelRef:        *model,
			ReasoningEffort: *effort,
			Timeout:         *timeout,
			WorkDir:         *workDir,
			LogsDir:         *logsDir,
			Environ:         environ,
		})
	case api.AdapterKindPi:
		ad, err = adapter.NewPi(adapter.PiOptions{
			ModelRef:   *model,
			Provider:   *provider,
			OutputMode: *outputMode,
			NoSession:  *noSession,
			Timeout:    *timeout,
			WorkDir:    *workDir,
			LogsDir:    *logsDir,
			Environ:    environ,
		})
	default:
		err = fmt.Errorf("unknown adapter %q", *adapterKind)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var env environment.Environment
	if *container != "" {
		env, err = environment.NewDocker(*container)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	} else {
		env = environment.NewLocal()
	}

	ctx := context.Background()

	if *setup {
		fmt.Fprintf(os.Stderr, "Setting up %s...\n", ad.Name())
		if err := ad.Setup(ctx, env); err != nil {
			fmt.Fprintf(os.Stderr, "Error setting up adapter: %v\n", err)
			os.Exit(1)
		}
	}

	exitCode := 0
	for _, cmd := range ad.RunCommands(instruction) {
		result, err := env.Run(ctx, cmd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprint(os.Stderr, result.Stdout)
		if result.Stderr != "" {
			fmt.Fprint(os.Stderr, result.Stderr)
		}
		if cmd.Timeout > 0 {
			exitCode = result.ExitCode
		}
	}

	// Usage record on stdout so callers can pipe it
	rec := ad.ExtractUsage()
	output, _ := json.MarshalIndent(rec, "", "  ")
	fmt.Println(string(output))

	os.Exit(exitCode)
}

// runCmd submits an instruction to a running agent daemon and polls until
// the run reaches a terminal state.
func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	agentURL := fs.String("agent", "http://localhost:9100", "Agent URL")
	token := fs.String("token", "", "Bearer token (if the agent requires auth)")
	timeout := fs.Duration("timeout", 30*time.Minute, "Run timeout")
	fs.Parse(args)

	remaining := fs.Args()
	if len(remaining) == 0 {
		fmt.Fprintf(os.Stderr, "Usage: wharf-run run [flags] <instruction>\n")
		fs.PrintDefaults()
		os.Exit(1)
	}
	instruction := remaining[0]

	client := tlsutil.NewHTTPClient(5 * time.Minute)

	runReq := map[string]interface{}{
		"instruction":     instruction,
		"timeout_seconds": int(timeout.Seconds()),
	}
	body, _ := json.Marshal(runReq)

	req, _ := http.NewRequest(http.MethodPost, *agentURL+"/run", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if *token != "" {
		req.Header.Set("Authorization", "Bearer "+*token)
	}

	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error submitting run: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "Error: %s\n", respBody)
		os.Exit(1)
	}

	var runResp struct {
		RunID string `json:"run_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&runResp); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing response: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "Run submitted: %s\n", runResp.RunID)

	result := pollForCompletion(client, *agentURL, *token, runResp.RunID, *timeout+5*time.Minute)

	fmt.Printf("\n=== Run %s ===\n", result.RunID)
	fmt.Printf("State: %s\n", result.State)
	fmt.Printf("Duration: %.2fs\n", result.DurationSeconds)

	if result.ExitCode != nil {
		fmt.Printf("Exit code: %d\n", *result.ExitCode)
	}

	if result.Error != nil {
		fmt.Printf("Error: [%s] %s\n", result.Error["type"], result.Error["message"])
	}

	if result.Usage != nil {
		usageJSON, _ := json.MarshalIndent(result.Usage, "", "  ")
		fmt.Printf("\n--- Usage ---\n%s\n", usageJSON)
	}

	if result.Output != "" {
		fmt.Printf("\n--- Output ---\n%s\n", result.Output)
	}

	if result.ExitCode != nil && *result.ExitCode != 0 {
		os.Exit(*result.ExitCode)
	}
}

type runStatus struct {
	RunID           string                 `json:"run_id"`
	State           string                 `json:"state"`
	ExitCode        *int                   `json:"exit_code"`
	Output          string                 `json:"output"`
	Error           map[string]interface{} `json:"error"`
	Usage           map[string]interface{} `json:"usage"`
	DurationSeconds float64                `json:"duration_seconds"`
}

func pollForCompletion(client *http.Client, agentURL, token, runID string, timeout time.Duration) *runStatus {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	deadline := time.After(timeout)

	for {
		select {
		case <-deadline:
			fmt.Fprintf(os.Stderr, "\nPolling timeout\n")
			os.Exit(1)
		case <-ticker.C:
			req, _ := http.NewRequest(http.MethodGet, agentURL+"/run/"+runID, nil)
			if token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}
			resp, err := client.Do(req)
			if err != nil {
				fmt.Fprintf(os.Stderr, "\nError polling: %v\n", err)
				os.Exit(1)
			}

			var status runStatus
			if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
				resp.Body.Close()
				fmt.Fprintf(os.Stderr, "\nError parsing status: %v\n", err)
				os.Exit(1)
			}
			resp.Body.Close()

			switch status.State {
			case "completed", "failed", "cancelled":
				fmt.Fprintf(os.Stderr, "\n")
				return &status
			case "working", "queued":
				fmt.Fprintf(os.Stderr, ".")
			default:
				fmt.Fprintf(os.Stderr, "\nUnknown state: %s\n", status.State)
				os.Exit(1)
			}
		}
	}
}

// statusCmd handles the 'status' subcommand
func statusCmd(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	url := fs.String("url", "http://localhost:9100", "Agent URL")
	fs.Parse(args)

	// Allow URL as positional arg
	if remaining := fs.Args(); len(remaining) > 0 {
		*url = remaining[0]
	}

	client := tlsutil.NewHTTPClient(5 * time.Second)
	resp, err := client.Get(*url + "/status")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var status map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing status: %v\n", err)
		os.Exit(1)
	}

	output, _ := json.MarshalIndent(status, "", "  ")
	fmt.Println(string(output))
}
