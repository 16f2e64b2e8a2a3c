package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"phobos.org.uk/wharf/internal/api"
)

// Config represents the agent daemon configuration
type Config struct {
	Port          int    `yaml:"port"`
	Name          string `yaml:"name"` // Agent name (used for history directory)
	LogLevel      string `yaml:"log_level"`
	AdapterKind   string `yaml:"adapter_kind"`    // factory-droid, pi-mono
	HistoryDir    string `yaml:"history_dir"`     // Directory for run history storage
	WorkDir       string `yaml:"work_dir"`        // Agent workspace inside the environment
	LogsDir       string `yaml:"logs_dir"`        // Agent log directory inside the environment
	EnvFile       string `yaml:"env_file"`        // Optional dotenv file overlaid on the process env
	AuthTokenHash string `yaml:"auth_token_hash"` // Argon2id hash of the API bearer token; empty disables auth

	TLS         TLSConfig         `yaml:"tls"`
	Environment EnvironmentConfig `yaml:"environment"`
	Droid       DroidConfig       `yaml:"droid"`
	Pi          PiConfig          `yaml:"pi"`
}

// EnvironmentConfig selects where agent commands execute.
type EnvironmentConfig struct {
	Kind      string `yaml:"kind"`      // local, docker
	Container string `yaml:"container"` // container ID or name for docker
}

// TLSConfig holds HTTPS settings for the daemon listener.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// DroidConfig holds Factory Droid CLI settings.
type DroidConfig struct {
	Model           string        `yaml:"model"` // provider/model reference or short name
	ReasoningEffort string        `yaml:"reasoning_effort"`
	Timeout         time.Duration `yaml:"timeout"`
	CredentialsDir  string        `yaml:"credentials_dir"` // host dir with auth.json etc.
}

// PiConfig holds pi-coding-agent CLI settings.
type PiConfig struct {
	Model      string        `yaml:"model"`    // provider/model reference
	Provider   string        `yaml:"provider"` // overrides the provider part of model
	OutputMode string        `yaml:"output_mode"`
	NoSession  bool          `yaml:"no_session"`
	Timeout    time.Duration `yaml:"timeout"`
	BundlePath string        `yaml:"bundle_path"` // optional prebuilt pi bundle
}

// Environment kinds.
const (
	EnvKindLocal  = "local"
	EnvKindDocker = "docker"
)

// Defaults
const (
	DefaultPort        = 9100
	DefaultName        = "agent"
	DefaultLogLevel    = "info"
	DefaultAdapterKind = api.AdapterKindDroid
	DefaultEnvKind     = EnvKindLocal
	DefaultHistoryDir  = "" // Derived from WHARF_ROOT or ~/.wharf/history/<name>
)

// Parse parses YAML config data
func Parse(data []byte) (*Config, error) {
	cfg := &Config{
		Port:        DefaultPort,
		Name:        DefaultName,
		LogLevel:    DefaultLogLevel,
		AdapterKind: DefaultAdapterKind,
		Environment: EnvironmentConfig{Kind: DefaultEnvKind},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Derive HistoryDir if not set
	if cfg.HistoryDir == "" {
		cfg.HistoryDir = DefaultHistoryPath(cfg.Name)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Load loads config from a file path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Validate checks config validity
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}

	switch c.AdapterKind {
	case api.AdapterKindDroid, api.AdapterKindPi:
	default:
		return fmt.Errorf("adapter_kind must be %s or %s, got %q", api.AdapterKindDroid, api.AdapterKindPi, c.AdapterKind)
	}

	switch c.Environment.Kind {
	case EnvKindLocal:
	case EnvKindDocker:
		if c.Environment.Container == "" {
			return fmt.Errorf("environment.container is required for docker environments")
		}
	default:
		return fmt.Errorf("environment.kind must be local or docker, got %q", c.Environment.Kind)
	}

	if c.Droid.Timeout != 0 && c.Droid.Timeout < time.Second {
		return fmt.Errorf("droid timeout must be at least 1 second, got %v", c.Droid.Timeout)
	}
	if c.Pi.Timeout != 0 && c.Pi.Timeout < time.Second {
		return fmt.Errorf("pi timeout must be at least 1 second, got %v", c.Pi.Timeout)
	}

	if c.TLS.Enabled && (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("tls cert_file and key_file must be set together")
	}

	return nil
}

// Default returns a config with default values
func Default() *Config {
	return &Config{
		Port:        DefaultPort,
		Name:        DefaultName,
		LogLevel:    DefaultLogLevel,
		AdapterKind: DefaultAdapterKind,
		HistoryDir:  DefaultHistoryPath(DefaultName),
		Environment: EnvironmentConfig{Kind: DefaultEnvKind},
	}
}

// Environ returns the process environment as a map, overlaid with the
// config's env file when one is set. Adapters take this snapshot instead
// of reading the process environment themselves.
func (c *Config) Environ() (map[string]string, error) {
	env := map[string]string{}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		env[k] = v
	}

	if c.EnvFile != "" {
		fileEnv, err := godotenv.Read(c.EnvFile)
		if err != nil {
			return nil, fmt.Errorf("loading env file %s: %w", c.EnvFile, err)
		}
		for k, v := range fileEnv {
			env[k] = v
		}
	}

	return env, nil
}

// DefaultHistoryPath returns the default history directory path for an agent.
// Uses WHARF_ROOT env var if set, otherwise ~/.wharf/history/<name>
func DefaultHistoryPath(name string) string {
	root := os.Getenv("WHARF_ROOT")
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "/tmp"
		}
		root = filepath.Join(home, ".wharf")
	}
	return filepath.Join(root, "history", name)
}
