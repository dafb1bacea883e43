// ABOUTME: Configuration loading and parsing for imagesmith
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when the corresponding fields are unset.
const (
	DefaultStrategy        = "LEAST_BUSY"
	DefaultWeight          = 1
	DefaultConnectTimeout  = 10 * time.Second
	DefaultDispatchTimeout = 2 * time.Minute
	DefaultIdleTimeout     = 15 * time.Minute
)

// Config represents the complete imagesmith configuration
type Config struct {
	ComfyUI ComfyUIConfig `yaml:"comfyui"`
	Logging LoggingConfig `yaml:"logging"`
	Errors  ErrorsConfig  `yaml:"errors"`
}

// ComfyUIConfig holds the backend instance set and dispatch timing
type ComfyUIConfig struct {
	Instances    []InstanceConfig   `yaml:"instances"`
	LoadBalancer LoadBalancerConfig `yaml:"load_balancer"`

	ConnectTimeout  time.Duration `yaml:"-"`
	DispatchTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ConnectTimeoutRaw  string `yaml:"connect_timeout"`
	DispatchTimeoutRaw string `yaml:"dispatch_timeout"`
}

// InstanceConfig describes one backend engine endpoint
type InstanceConfig struct {
	URL    string `yaml:"url"`
	Weight int    `yaml:"weight"`

	// Idle window after which an unused instance is timed out; <= 0 disables
	IdleTimeout time.Duration `yaml:"-"`
	TimeoutRaw  string        `yaml:"timeout"`

	// Auth: api_key takes precedence over username/password
	APIKey   string `yaml:"api_key"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// TLS policy
	SSLVerify *bool  `yaml:"ssl_verify"` // nil means true
	SSLCert   string `yaml:"ssl_cert"`   // optional CA bundle path
}

// LoadBalancerConfig selects the balancing strategy
type LoadBalancerConfig struct {
	Strategy string `yaml:"strategy"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ErrorsConfig controls how much internal error detail reaches callers
type ErrorsConfig struct {
	// Verbose passes raw error text through in terminal Failed events
	Verbose bool `yaml:"verbose"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data)
}

// Parse parses raw YAML configuration bytes, applying env expansion,
// duration parsing, defaults and validation.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in unset fields with their defaults.
func (c *Config) applyDefaults() {
	if c.ComfyUI.LoadBalancer.Strategy == "" {
		c.ComfyUI.LoadBalancer.Strategy = DefaultStrategy
	}
	if c.ComfyUI.ConnectTimeout == 0 {
		c.ComfyUI.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ComfyUI.DispatchTimeout == 0 {
		c.ComfyUI.DispatchTimeout = DefaultDispatchTimeout
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	for i := range c.ComfyUI.Instances {
		inst := &c.ComfyUI.Instances[i]
		if inst.Weight == 0 {
			inst.Weight = DefaultWeight
		}
		if inst.TimeoutRaw == "" {
			inst.IdleTimeout = DefaultIdleTimeout
		}
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if len(c.ComfyUI.Instances) == 0 {
		return fmt.Errorf("comfyui.instances requires at least one instance")
	}

	for i, inst := range c.ComfyUI.Instances {
		if inst.URL == "" {
			return fmt.Errorf("comfyui.instances[%d].url is required", i)
		}
		if inst.Weight < 0 {
			return fmt.Errorf("comfyui.instances[%d].weight must be positive", i)
		}
		if inst.Username != "" && inst.Password == "" {
			return fmt.Errorf("comfyui.instances[%d].password is required when username is set", i)
		}
	}

	switch c.ComfyUI.LoadBalancer.Strategy {
	case "LEAST_BUSY", "ROUND_ROBIN", "RANDOM":
	default:
		return fmt.Errorf("comfyui.load_balancer.strategy must be LEAST_BUSY, ROUND_ROBIN or RANDOM, got %q",
			c.ComfyUI.LoadBalancer.Strategy)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.ComfyUI.ConnectTimeoutRaw != "" {
		cfg.ComfyUI.ConnectTimeout, err = time.ParseDuration(cfg.ComfyUI.ConnectTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing connect_timeout %q: %w", cfg.ComfyUI.ConnectTimeoutRaw, err)
		}
	}

	if cfg.ComfyUI.DispatchTimeoutRaw != "" {
		cfg.ComfyUI.DispatchTimeout, err = time.ParseDuration(cfg.ComfyUI.DispatchTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing dispatch_timeout %q: %w", cfg.ComfyUI.DispatchTimeoutRaw, err)
		}
	}

	for i := range cfg.ComfyUI.Instances {
		inst := &cfg.ComfyUI.Instances[i]
		if inst.TimeoutRaw == "" {
			continue
		}
		inst.IdleTimeout, err = time.ParseDuration(inst.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing instances[%d].timeout %q: %w", i, inst.TimeoutRaw, err)
		}
	}

	return nil
}

// SSLVerifyEnabled reports whether TLS certificate verification is on for the
// instance. Unset means verify.
func (ic *InstanceConfig) SSLVerifyEnabled() bool {
	return ic.SSLVerify == nil || *ic.SSLVerify
}
