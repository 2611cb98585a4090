package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sameehj/nova/pkg/env"
	"github.com/sameehj/nova/pkg/workspace"
	"github.com/sameehj/nova/pkg/wrapper"
	"gopkg.in/yaml.v3"
)

const (
	DefaultTimeout  = 60 * time.Second
	DefaultCPULimit = 60
	DefaultSettle   = 300 * time.Millisecond
)

// Config defines runtime settings for nova.
type Config struct {
	BaseDir   string        `yaml:"baseDir"`
	LogLevel  string        `yaml:"logLevel"`
	LogFormat string        `yaml:"logFormat"`
	Exec      ExecConfig    `yaml:"exec"`
	Wrapper   WrapperConfig `yaml:"wrapper"`
	Scan      ScanConfig    `yaml:"scan"`
	Watch     WatchConfig   `yaml:"watch"`
	Trust     TrustConfig   `yaml:"trust"`

	// Path is the config file Load looked for, whether or not it existed.
	Path string `yaml:"-"`
}

type ExecConfig struct {
	Timeout  string `yaml:"timeout"`
	CPULimit int    `yaml:"cpuLimit"`
}

type WrapperConfig struct {
	// Naming is "stem" or "path-hash".
	Naming string `yaml:"naming"`
}

type ScanConfig struct {
	Ignore []string `yaml:"ignore"`
}

type WatchConfig struct {
	Roots  []string `yaml:"roots"`
	Settle string   `yaml:"settle"`
}

type TrustConfig struct {
	AutoApprove bool     `yaml:"autoApprove"`
	Quarantine  []string `yaml:"quarantine"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		BaseDir:   workspace.Resolve(),
		LogLevel:  "info",
		LogFormat: "text",
		Exec: ExecConfig{
			Timeout:  DefaultTimeout.String(),
			CPULimit: DefaultCPULimit,
		},
		Wrapper: WrapperConfig{Naming: wrapper.NamingStem},
		Watch:   WatchConfig{Settle: DefaultSettle.String()},
		Trust:   TrustConfig{AutoApprove: true},
	}
}

// LoadConfig loads configuration from a YAML file and environment overrides.
// An empty path means DefaultConfigPath, which may be absent.
func LoadConfig(path string) (*Config, error) {
	return Load(path, "")
}

// Load is LoadConfig with a base directory override that wins over NOVA_BASE
// and the file's baseDir. The .env file is read from the base directory that
// is finally in effect.
func Load(path, base string) (*Config, error) {
	cfg := Default()
	if base != "" {
		cfg.BaseDir = base
	}

	dotenvDir := cfg.BaseDir
	if err := env.LoadFromDir(dotenvDir); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if fromEnv := os.Getenv("NOVA_BASE"); fromEnv != "" && base == "" {
		cfg.BaseDir = fromEnv
	}

	explicit := path != ""
	switch {
	case explicit:
	case base != "" && os.Getenv("NOVA_CONFIG") == "":
		path = filepath.Join(base, workspace.ConfigFile)
	default:
		path = DefaultConfigPath()
	}
	cfg.Path = path
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case explicit || !os.IsNotExist(err):
		return nil, fmt.Errorf("read config file: %w", err)
	}

	applyEnv(cfg, base)
	if cfg.BaseDir != dotenvDir {
		if err := env.LoadFromDir(cfg.BaseDir); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
		applyEnv(cfg, base)
	}
	cfg.Wrapper.Naming = strings.ToLower(strings.TrimSpace(cfg.Wrapper.Naming))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, base string) {
	switch {
	case base != "":
		cfg.BaseDir = base
	case os.Getenv("NOVA_BASE") != "":
		cfg.BaseDir = os.Getenv("NOVA_BASE")
	}
	if level := os.Getenv("NOVA_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if format := os.Getenv("NOVA_LOG_FORMAT"); format != "" {
		cfg.LogFormat = format
	}
	if timeout := os.Getenv("NOVA_TIMEOUT"); timeout != "" {
		cfg.Exec.Timeout = timeout
	}
	if roots := os.Getenv("NOVA_WATCH_ROOTS"); roots != "" {
		cfg.Watch.Roots = filepath.SplitList(roots)
	}
}

// Validate checks values that cannot be defaulted silently.
func (c *Config) Validate() error {
	if c.BaseDir == "" {
		return fmt.Errorf("baseDir is required")
	}
	if _, err := parseDuration(c.Exec.Timeout); err != nil {
		return fmt.Errorf("exec.timeout: %w", err)
	}
	if _, err := parseDuration(c.Watch.Settle); err != nil {
		return fmt.Errorf("watch.settle: %w", err)
	}
	switch c.Wrapper.Naming {
	case "", wrapper.NamingStem, wrapper.NamingPathHash:
	default:
		return fmt.Errorf("wrapper.naming: unknown scheme %q", c.Wrapper.Naming)
	}
	if c.Exec.CPULimit < 0 {
		return fmt.Errorf("exec.cpuLimit must not be negative")
	}
	return nil
}

// Layout returns the directory layout under BaseDir.
func (c *Config) Layout() workspace.Layout {
	return workspace.NewLayout(c.BaseDir)
}

// ExecTimeout is the wall-clock budget for one run.
func (c *Config) ExecTimeout() time.Duration {
	d, err := parseDuration(c.Exec.Timeout)
	if err != nil || d <= 0 {
		return DefaultTimeout
	}
	return d
}

// CPULimit is the ulimit -t value written into wrappers.
func (c *Config) CPULimit() int {
	if c.Exec.CPULimit <= 0 {
		return DefaultCPULimit
	}
	return c.Exec.CPULimit
}

// WatchSettle is how long a created file must stay quiet before the watcher
// registers it. Zero registers immediately.
func (c *Config) WatchSettle() time.Duration {
	d, err := parseDuration(c.Watch.Settle)
	if err != nil || d < 0 {
		return DefaultSettle
	}
	return d
}

// WatchRoots returns the configured roots, defaulting to the home directory.
func (c *Config) WatchRoots() []string {
	if len(c.Watch.Roots) > 0 {
		return c.Watch.Roots
	}
	home, _ := os.UserHomeDir()
	return []string{home}
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// DefaultConfigPath returns the default location for the config file.
func DefaultConfigPath() string {
	if path := os.Getenv("NOVA_CONFIG"); path != "" {
		return path
	}
	return filepath.Join(workspace.Resolve(), workspace.ConfigFile)
}
