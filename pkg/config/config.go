// Package config provides configuration structures and loading logic for the relay.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-relay/pkg/domain"
)

// Default values applied before the configuration file and environment are read.
const (
	DefaultListenAddress   = ":8000"
	DefaultUpstreamTimeout = 10 * time.Second
	DefaultMaxBodyBytes    = 32 << 20
	DefaultServiceName     = "polis-relay"
	DefaultMetricsPath     = "/metrics"

	DefaultImagePattern = `^https://hi77-overseas\.mangafuna\.xyz/`
	DefaultAPIPattern   = `^https://api\.(copymanga|mangacopy)\.[a-z]+/api/`
)

// Config holds the global configuration for the relay.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Policy    PolicyConfig    `yaml:"policy"`
	Relay     RelayConfig     `yaml:"relay"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds configuration for the inbound HTTP server.
type ServerConfig struct {
	ListenAddress string        `yaml:"listen_address"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
}

// PolicyConfig holds the shared secret(s) and the allow pattern per resource class.
type PolicyConfig struct {
	// Secrets lists every accepted token. More than one allows rotation.
	Secrets []string `yaml:"secrets"`
	// Patterns maps a resource class name (image, api) to its allow pattern.
	Patterns map[string]string `yaml:"patterns"`
	// RegoFile optionally points at a Rego module that further restricts targets.
	RegoFile string `yaml:"rego_file"`
	// RegoQuery is the decision evaluated in RegoFile.
	RegoQuery string `yaml:"rego_query"`
}

// RelayConfig holds configuration for the outbound fetch.
type RelayConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	Environment  string `yaml:"environment"`
}

// MetricsConfig holds configuration for the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns a configuration populated with every default except the
// secret, which has none.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress: DefaultListenAddress,
			ReadTimeout:   30 * time.Second,
			WriteTimeout:  30 * time.Second,
			IdleTimeout:   120 * time.Second,
		},
		Policy: PolicyConfig{
			Patterns: map[string]string{
				string(domain.ClassImage): DefaultImagePattern,
				string(domain.ClassAPI):   DefaultAPIPattern,
			},
		},
		Relay: RelayConfig{
			Timeout:      DefaultUpstreamTimeout,
			MaxBodyBytes: DefaultMaxBodyBytes,
		},
		Telemetry: TelemetryConfig{
			ServiceName: DefaultServiceName,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    DefaultMetricsPath,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a file (optional) and applies environment
// variable overrides. The result is validated; a missing secret or a pattern
// that does not compile is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		// Patterns are decoded on their own so a file key that differs from a
		// default only in case is not reported as a repeated class.
		defaults := cfg.Policy.Patterns
		cfg.Policy.Patterns = nil
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		for name, pattern := range defaults {
			class := domain.ResourceClass(name)
			if len(patternKeys(cfg.Policy.Patterns, class)) == 0 {
				setPattern(cfg, class, pattern)
			}
		}
	}

	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

type lookupFunc func(key string) (string, bool)

func applyEnvOverrides(cfg *Config, lookup lookupFunc) error {
	env := func(key string) string {
		val, _ := lookup(key)
		return strings.TrimSpace(val)
	}

	if val := env("SECRET_TOKEN"); val != "" {
		cfg.Policy.Secrets = splitList(val)
	}
	if val := env("IMAGE_HOST_PATTERN"); val != "" {
		setPattern(cfg, domain.ClassImage, val)
	}
	if val := env("API_HOST_PATTERN"); val != "" {
		setPattern(cfg, domain.ClassAPI, val)
	}
	if val := env("POLICY_REGO_FILE"); val != "" {
		cfg.Policy.RegoFile = val
	}
	if val := env("POLICY_REGO_QUERY"); val != "" {
		cfg.Policy.RegoQuery = val
	}

	if val := env("RELAY_LISTEN_ADDR"); val != "" {
		cfg.Server.ListenAddress = val
	}
	if val := env("RELAY_UPSTREAM_TIMEOUT"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("RELAY_UPSTREAM_TIMEOUT: %w", err)
		}
		cfg.Relay.Timeout = d
	}
	if val := env("RELAY_MAX_BODY_BYTES"); val != "" {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return fmt.Errorf("RELAY_MAX_BODY_BYTES: %w", err)
		}
		cfg.Relay.MaxBodyBytes = n
	}

	if val := env("RELAY_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := env("RELAY_LOG_PRETTY"); val == "true" {
		cfg.Logging.Pretty = true
	}

	if val := env("RELAY_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := env("RELAY_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	switch env("RELAY_METRICS_ENABLED") {
	case "true":
		cfg.Metrics.Enabled = true
	case "false":
		cfg.Metrics.Enabled = false
	}

	return nil
}

// setPattern replaces every key naming class, whatever its case.
func setPattern(cfg *Config, class domain.ResourceClass, pattern string) {
	if cfg.Policy.Patterns == nil {
		cfg.Policy.Patterns = make(map[string]string)
	}
	for _, key := range patternKeys(cfg.Policy.Patterns, class) {
		delete(cfg.Policy.Patterns, key)
	}
	cfg.Policy.Patterns[string(class)] = pattern
}

func patternKeys(patterns map[string]string, class domain.ResourceClass) []string {
	var keys []string
	for key := range patterns {
		if parsed, err := domain.ParseResourceClass(key); err == nil && parsed == class {
			keys = append(keys, key)
		}
	}
	return keys
}

func splitList(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate performs comprehensive validation of the entire configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}

	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("policy configuration: %w", err)
	}

	if err := c.Relay.Validate(); err != nil {
		return fmt.Errorf("relay configuration: %w", err)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry configuration: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics configuration: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}

	return nil
}

// Validate performs validation of server configuration
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = DefaultListenAddress
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.IdleTimeout < 0 {
		return fmt.Errorf("%w: server timeouts must not be negative", domain.ErrConfigInvalid)
	}
	return nil
}

// Validate checks that at least one secret is present and that every pattern
// names a known class once and compiles. Class names are matched
// case-insensitively, so "image" and "Image" are the same class.
func (c *PolicyConfig) Validate() error {
	c.Secrets = splitList(strings.Join(c.Secrets, ","))
	if len(c.Secrets) == 0 {
		return fmt.Errorf("%w: %w (set SECRET_TOKEN)", domain.ErrConfigInvalid, domain.ErrSecretMissing)
	}

	seen := make(map[domain.ResourceClass]string, len(c.Patterns))
	for name, pattern := range c.Patterns {
		class, err := domain.ParseResourceClass(name)
		if err != nil {
			return fmt.Errorf("%w: %w", domain.ErrConfigInvalid, err)
		}
		if _, dup := seen[class]; dup {
			return fmt.Errorf("%w: resource class %q configured more than once", domain.ErrConfigInvalid, class)
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("%w: pattern for %q: %w", domain.ErrConfigInvalid, name, err)
		}
		seen[class] = pattern
	}

	for _, class := range domain.ResourceClasses() {
		if strings.TrimSpace(seen[class]) == "" {
			return fmt.Errorf("%w: no allow pattern for resource class %q", domain.ErrConfigInvalid, class)
		}
	}

	return nil
}

// Validate performs validation of relay configuration
func (c *RelayConfig) Validate() error {
	if c.Timeout == 0 {
		c.Timeout = DefaultUpstreamTimeout
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%w: relay timeout must be positive, got %s", domain.ErrConfigInvalid, c.Timeout)
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("%w: max_body_bytes must be positive, got %d", domain.ErrConfigInvalid, c.MaxBodyBytes)
	}
	return nil
}

// Validate performs validation of telemetry configuration
func (c *TelemetryConfig) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		c.ServiceName = DefaultServiceName
	}
	return nil
}

// Validate performs validation of metrics configuration
func (c *MetricsConfig) Validate() error {
	if strings.TrimSpace(c.Path) == "" {
		c.Path = DefaultMetricsPath
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("%w: metrics path %q must start with /", domain.ErrConfigInvalid, c.Path)
	}
	switch c.Path {
	case "/", "/healthz", "/img", "/api":
		return fmt.Errorf("%w: metrics path %q collides with a relay route", domain.ErrConfigInvalid, c.Path)
	}
	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	// Set default log level if not provided
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level // Normalize to lowercase
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}
