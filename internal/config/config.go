package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

// adapterKinds is the closed set of source adapter kinds.
var adapterKinds = map[string]bool{
	"wikipedia": true,
	"rss":       true,
	"matchdb":   true,
}

type Config struct {
	Sources  []Source `yaml:"sources"`
	Workers  Workers  `yaml:"workers"`
	Retry    Retry    `yaml:"retry"`
	API      API      `yaml:"api"`
	Verifier Verifier `yaml:"verifier"`
	Status   Status   `yaml:"status"`
	Output   Output   `yaml:"output"`
}

// Source defines one external data origin. Rate-limit and breaker policy
// are fixed for the length of a run.
type Source struct {
	Name    string  `yaml:"name"`
	Kind    string  `yaml:"kind"`
	Enabled bool    `yaml:"enabled"`
	URL     string  `yaml:"url"`
	Limits  Limits  `yaml:"rate_limits"`
	Breaker Breaker `yaml:"circuit_breaker"`

	// FetchContent makes the rss adapter fetch full article text.
	FetchContent bool `yaml:"fetch_content"`
}

type Limits struct {
	PerMinute int `yaml:"per_minute"`
	PerHour   int `yaml:"per_hour"`
}

type Breaker struct {
	FailureThreshold int `yaml:"failure_threshold"`
	OpenSeconds      int `yaml:"open_seconds"`
}

type Workers struct {
	MaxConcurrentSources int `yaml:"max_concurrent_sources"`
	PublishWorkers       int `yaml:"publish_workers"`
	SourceTimeoutSeconds int `yaml:"source_timeout_seconds"`
}

type Retry struct {
	// DelaySeconds is the schedule of waits between publish attempts.
	// A task exhausting the schedule moves to dead-letter status.
	DelaySeconds []int `yaml:"delay_seconds"`
}

type API struct {
	BaseURL  string `yaml:"base_url"`
	TokenEnv string `yaml:"token_env"`
}

type Verifier struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
}

type Status struct {
	Port int `yaml:"port"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

// ConfigDir returns the XDG config directory for wrestlebot.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "wrestlebot")
}

// DataDir returns the XDG data directory for wrestlebot.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "wrestlebot")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/wrestlebot/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'wrestlebot init' to create a default config",
		xdgConfig,
	)
}

// Load reads, parses, and validates a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// parse parses YAML bytes into a Config, applying defaults and validating.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Workers: Workers{
			MaxConcurrentSources: 5,
			PublishWorkers:       2,
			SourceTimeoutSeconds: 300,
		},
		Retry: Retry{
			DelaySeconds: []int{60, 300, 900, 3600},
		},
		API: API{
			BaseURL:  "http://localhost:8000/api/wrestlebot",
			TokenEnv: "WRESTLEBOT_API_TOKEN",
		},
		Status: Status{Port: 8090},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	seen := make(map[string]bool)
	for i, s := range c.Sources {
		if s.Name == "" {
			return fmt.Errorf("source %d: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("source %q: duplicate name", s.Name)
		}
		seen[s.Name] = true
		if !adapterKinds[s.Kind] {
			return fmt.Errorf("source %q: unknown kind %q", s.Name, s.Kind)
		}
		if s.Limits.PerMinute < 0 || s.Limits.PerHour < 0 {
			return fmt.Errorf("source %q: rate limits must not be negative", s.Name)
		}
	}
	if c.Workers.MaxConcurrentSources <= 0 {
		return fmt.Errorf("workers.max_concurrent_sources must be positive")
	}
	if c.Workers.PublishWorkers <= 0 {
		return fmt.Errorf("workers.publish_workers must be positive")
	}
	if len(c.Retry.DelaySeconds) == 0 {
		return fmt.Errorf("retry.delay_seconds must not be empty")
	}
	for _, d := range c.Retry.DelaySeconds {
		if d <= 0 {
			return fmt.Errorf("retry.delay_seconds entries must be positive")
		}
	}
	return nil
}

// EnabledSources returns the sources with enabled: true.
func (c *Config) EnabledSources() []Source {
	var out []Source
	for _, s := range c.Sources {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

// SourceTimeout returns the per-source cycle deadline.
func (c *Config) SourceTimeout() time.Duration {
	return time.Duration(c.Workers.SourceTimeoutSeconds) * time.Second
}

// RetrySchedule returns the retry delay schedule as durations.
func (c *Config) RetrySchedule() []time.Duration {
	out := make([]time.Duration, len(c.Retry.DelaySeconds))
	for i, d := range c.Retry.DelaySeconds {
		out[i] = time.Duration(d) * time.Second
	}
	return out
}

// APIToken reads the collaborator token from the configured env var.
func (c *Config) APIToken() string {
	return os.Getenv(c.API.TokenEnv)
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
