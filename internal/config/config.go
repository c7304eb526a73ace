// Package config provides the humanbrowse configuration layer.
// Settings are read from a YAML file, defaulted, and then overridden from
// the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the variable that points at the config file.
const EnvConfigPath = "HUMANBROWSE_CONFIG"

// DefaultConfigPath is used when neither a flag nor EnvConfigPath is set.
const DefaultConfigPath = "config.yaml"

// Config holds all humanbrowse settings.
type Config struct {
	// CDP connection
	CDPPort      int    `yaml:"cdp_port" json:"cdp_port"`
	CDPAllowNAT  bool   `yaml:"cdp_allow_nat" json:"cdp_allow_nat"`
	CDPTimeoutMs int    `yaml:"cdp_timeout_ms" json:"cdp_timeout_ms"`
	SlowMoMs     int    `yaml:"slow_mo_ms" json:"slow_mo_ms"`
	CDPLaunch    bool   `yaml:"cdp_launch" json:"cdp_launch"`
	ChromeBin    string `yaml:"chrome_bin,omitempty" json:"chrome_bin,omitempty"`
	Headless     bool   `yaml:"headless" json:"headless"`

	// Page driver
	ActionTimeoutMs int `yaml:"action_timeout_ms" json:"action_timeout_ms"`
	ViewportWidth   int `yaml:"viewport_width" json:"viewport_width"`
	ViewportHeight  int `yaml:"viewport_height" json:"viewport_height"`

	// Run budgets
	MaxStepsPerRun           int  `yaml:"max_steps_per_run" json:"max_steps_per_run"`
	MaxTotalRuntimeS         int  `yaml:"max_total_runtime_s" json:"max_total_runtime_s"`
	MinDelayMsBetweenActions int  `yaml:"min_delay_ms_between_actions" json:"min_delay_ms_between_actions"`
	MaxExtractChars          int  `yaml:"max_extract_chars" json:"max_extract_chars"`
	CaptureHTMLSnapshot      bool `yaml:"capture_html_snapshot" json:"capture_html_snapshot"`

	RunsDir   string `yaml:"runs_dir" json:"runs_dir"`
	SessionDB string `yaml:"session_db,omitempty" json:"session_db,omitempty"`

	Policy  PolicyConfig  `yaml:"policy" json:"policy"`
	Server  ServerConfig  `yaml:"server" json:"server"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// PolicyConfig configures the domain policy.
type PolicyConfig struct {
	Mode    string   `yaml:"mode" json:"mode"` // allowlist, denylist; anything else allows all
	Domains []string `yaml:"domains" json:"domains"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr" json:"addr"`
	// PublicURL is the base used for run_url in responses. Defaults to http://<addr>.
	PublicURL string `yaml:"public_url,omitempty" json:"public_url,omitempty"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"` // json or console
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		CDPPort:                  9222,
		CDPTimeoutMs:             5000,
		Headless:                 true,
		ActionTimeoutMs:          30000,
		ViewportWidth:            1280,
		ViewportHeight:           720,
		MaxStepsPerRun:           50,
		MaxTotalRuntimeS:         120,
		MinDelayMsBetweenActions: 250,
		MaxExtractChars:          20000,
		RunsDir:                  "runs",
		Policy: PolicyConfig{
			Mode:    "denylist",
			Domains: []string{},
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:7500",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// ResolvePath picks the config file: the explicit flag value, then
// HUMANBROWSE_CONFIG, then DefaultConfigPath.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return DefaultConfigPath
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Missing file means defaults
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if cfg.Policy.Domains == nil {
		cfg.Policy.Domains = []string{}
	}
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("HUMANBROWSE_CDP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid HUMANBROWSE_CDP_PORT %q: %w", v, err)
		}
		c.CDPPort = port
	}
	if v := os.Getenv("HUMANBROWSE_CDP_ALLOW_NAT"); v != "" {
		allow, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid HUMANBROWSE_CDP_ALLOW_NAT %q: %w", v, err)
		}
		c.CDPAllowNAT = allow
	}
	if v := os.Getenv("HUMANBROWSE_RUNS_DIR"); v != "" {
		c.RunsDir = v
	}
	if v := os.Getenv("HUMANBROWSE_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("HUMANBROWSE_POLICY_MODE"); v != "" {
		c.Policy.Mode = v
	}
	if v := os.Getenv("HUMANBROWSE_SESSION_DB"); v != "" {
		c.SessionDB = v
	}
	return nil
}

// CDPTimeout returns the endpoint probe timeout.
func (c *Config) CDPTimeout() time.Duration {
	if c.CDPTimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.CDPTimeoutMs) * time.Millisecond
}

// SlowMo returns the delay inserted by the driver before each input action.
func (c *Config) SlowMo() time.Duration {
	return time.Duration(c.SlowMoMs) * time.Millisecond
}

// ActionTimeout bounds every individual driver call.
func (c *Config) ActionTimeout() time.Duration {
	if c.ActionTimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.ActionTimeoutMs) * time.Millisecond
}

// MaxTotalRuntime returns the run wall-clock budget. Zero disables it.
func (c *Config) MaxTotalRuntime() time.Duration {
	return time.Duration(c.MaxTotalRuntimeS) * time.Second
}

// MinDelay returns the pause between consecutive steps.
func (c *Config) MinDelay() time.Duration {
	return time.Duration(c.MinDelayMsBetweenActions) * time.Millisecond
}

// BaseURL returns the externally visible API base URL.
func (c *Config) BaseURL() string {
	if c.Server.PublicURL != "" {
		return strings.TrimRight(c.Server.PublicURL, "/")
	}
	return "http://" + c.Server.Addr
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.CDPPort <= 0 || c.CDPPort > 65535 {
		errs = append(errs, fmt.Errorf("cdp_port out of range: %d", c.CDPPort))
	}
	if c.CDPTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("cdp_timeout_ms must be >= 0, got %d", c.CDPTimeoutMs))
	}
	if c.SlowMoMs < 0 {
		errs = append(errs, fmt.Errorf("slow_mo_ms must be >= 0, got %d", c.SlowMoMs))
	}
	if c.ActionTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("action_timeout_ms must be >= 0, got %d", c.ActionTimeoutMs))
	}
	if c.ViewportWidth < 0 || c.ViewportHeight < 0 {
		errs = append(errs, fmt.Errorf("viewport must be non-negative, got %dx%d", c.ViewportWidth, c.ViewportHeight))
	}
	if c.MaxStepsPerRun < 0 {
		errs = append(errs, fmt.Errorf("max_steps_per_run must be >= 0, got %d", c.MaxStepsPerRun))
	}
	if c.MaxTotalRuntimeS < 0 {
		errs = append(errs, fmt.Errorf("max_total_runtime_s must be >= 0, got %d", c.MaxTotalRuntimeS))
	}
	if c.MinDelayMsBetweenActions < 0 {
		errs = append(errs, fmt.Errorf("min_delay_ms_between_actions must be >= 0, got %d", c.MinDelayMsBetweenActions))
	}
	if c.MaxExtractChars < 0 {
		errs = append(errs, fmt.Errorf("max_extract_chars must be >= 0, got %d", c.MaxExtractChars))
	}
	if strings.TrimSpace(c.RunsDir) == "" {
		errs = append(errs, errors.New("runs_dir is required"))
	}
	return errors.Join(errs...)
}
