package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"phobos.org.uk/wharf/internal/adapter"
	"phobos.org.uk/wharf/internal/agentd"
	"phobos.org.uk/wharf/internal/config"
	"phobos.org.uk/wharf/internal/environment"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to config file")
	port := flag.Int("port", 0, "Port to listen on (overrides config)")
	skipSetup := flag.Bool("skip-setup", false, "Skip CLI installation and credential upload")
	hashToken := flag.String("hash-token", "", "Print the argon2id hash of a token and exit")
	showVersion := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if *hashToken != "" {
		hash, err := agentd.HashToken(*hashToken)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		os.Exit(0)
	}

	// Load config
	var cfg *config.Config
	var err error

	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
	} else {
		cfg = config.Default()
	}

	if *port > 0 {
		cfg.Port = *port
	}

	environ, err := cfg.Environ()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// The configured model may be a provider/model reference or a short
	// Factory name like sonnet or gpt-5.
	var modelRef, droidModel string
	if strings.Contains(cfg.Droid.Model, "/") {
		modelRef = cfg.Droid.Model
	} else {
		droidModel = cfg.Droid.Model
	}

	droid, err := adapter.NewDroid(adapter.DroidOptions{
		ModelRef:        modelRef,
		DroidModel:      droidModel,
		ReasoningEffort: cfg.Droid.ReasoningEffort,
		Timeout:         cfg.Droid.Timeout,
		WorkDir:         cfg.WorkDir,
		LogsDir:         cfg.LogsDir,
		CredentialsDir:  cfg.Droid.CredentialsDir,
		Environ:         environ,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	env, err := buildEnvironment(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	a := agentd.New(cfg, droid, env, version)

	if !*skipSetup {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
		err := a.Setup(ctx)
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error setting up adapter: %v\n", err)
			os.Exit(1)
		}
	}

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Fprintf(os.Stderr, "\nShutting down...\n")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		a.Shutdown(ctx)
		os.Exit(0)
	}()

	if err := a.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func buildEnvironment(cfg *config.Config) (environment.Environment, error) {
	switch cfg.Environment.Kind {
	case config.EnvKindDocker:
		return environment.NewDocker(cfg.Environment.Container)
	default:
		return environment.NewLocal(), nil
	}
}
