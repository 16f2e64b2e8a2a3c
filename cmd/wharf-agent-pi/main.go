package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
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
	model := flag.String("model", "", "provider/model reference (overrides config)")
	skipSetup := flag.Bool("skip-setup", false, "Skip CLI installation")
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
	if *model != "" {
		cfg.Pi.Model = *model
	}

	environ, err := cfg.Environ()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	pi, err := adapter.NewPi(adapter.PiOptions{
		ModelRef:   cfg.Pi.Model,
		Provider:   cfg.Pi.Provider,
		OutputMode: cfg.Pi.OutputMode,
		NoSession:  cfg.Pi.NoSession,
		Timeout:    cfg.Pi.Timeout,
		WorkDir:    cfg.WorkDir,
		LogsDir:    cfg.LogsDir,
		BundlePath: cfg.Pi.BundlePath,
		Environ:    environ,
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

	a := agentd.New(cfg, pi, env, version)

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
