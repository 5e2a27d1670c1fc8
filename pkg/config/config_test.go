package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/polisai/polis-relay/pkg/domain"
)

// clearEnv blanks every variable Load consults so the host environment cannot leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"SECRET_TOKEN", "IMAGE_HOST_PATTERN", "API_HOST_PATTERN",
		"POLICY_REGO_FILE", "POLICY_REGO_QUERY",
		"RELAY_LISTEN_ADDR", "RELAY_UPSTREAM_TIMEOUT", "RELAY_MAX_BODY_BYTES",
		"RELAY_LOG_LEVEL", "RELAY_LOG_PRETTY",
		"RELAY_OTLP_ENDPOINT", "RELAY_OTLP_INSECURE", "RELAY_METRICS_ENABLED",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadFromFile(t *testing.T) {
	clearEnv(t)

	configContent := `
server:
  listen_address: ":9000"
  read_timeout: 5s

policy:
  secrets:
    - "file-secret"
  patterns:
    image: "^https://cdn\\.example\\.com/"
  rego_file: "/etc/relay/policy.rego"

relay:
  timeout: 3s
  max_body_bytes: 1024

telemetry:
  otlp_endpoint: "localhost:4317"
  insecure: true

metrics:
  enabled: false

logging:
  level: "DEBUG"
  pretty: true
`

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "relay.yaml")
	if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.ListenAddress != ":9000" {
		t.Errorf("Expected listen_address ':9000', got %q", cfg.Server.ListenAddress)
	}
	if cfg.Server.ReadTimeout != 5*time.Second {
		t.Errorf("Expected read_timeout 5s, got %s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.IdleTimeout != 120*time.Second {
		t.Errorf("Expected default idle_timeout to survive, got %s", cfg.Server.IdleTimeout)
	}
	if len(cfg.Policy.Secrets) != 1 || cfg.Policy.Secrets[0] != "file-secret" {
		t.Errorf("Expected secrets [file-secret], got %v", cfg.Policy.Secrets)
	}
	if got := cfg.Policy.Patterns["image"]; got != `^https://cdn\.example\.com/` {
		t.Errorf("Expected image pattern from file, got %q", got)
	}
	if got := cfg.Policy.Patterns["api"]; got != DefaultAPIPattern {
		t.Errorf("Expected default api pattern to be kept, got %q", got)
	}
	if cfg.Policy.RegoFile != "/etc/relay/policy.rego" {
		t.Errorf("Expected rego_file, got %q", cfg.Policy.RegoFile)
	}
	if cfg.Relay.Timeout != 3*time.Second {
		t.Errorf("Expected relay timeout 3s, got %s", cfg.Relay.Timeout)
	}
	if cfg.Relay.MaxBodyBytes != 1024 {
		t.Errorf("Expected max_body_bytes 1024, got %d", cfg.Relay.MaxBodyBytes)
	}
	if !cfg.Telemetry.Insecure || cfg.Telemetry.OTLPEndpoint != "localhost:4317" {
		t.Errorf("Unexpected telemetry config: %+v", cfg.Telemetry)
	}
	if cfg.Telemetry.ServiceName != DefaultServiceName {
		t.Errorf("Expected default service name, got %q", cfg.Telemetry.ServiceName)
	}
	if cfg.Metrics.Enabled {
		t.Error("Expected metrics to be disabled")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected log level normalized to 'debug', got %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Pretty {
		t.Error("Expected pretty logging")
	}
}

func TestLoadWithoutFileUsesDefaultsAndEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("SECRET_TOKEN", "Aa147258")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.ListenAddress != DefaultListenAddress {
		t.Errorf("Expected default listen address, got %q", cfg.Server.ListenAddress)
	}
	if cfg.Relay.Timeout != DefaultUpstreamTimeout {
		t.Errorf("Expected default timeout, got %s", cfg.Relay.Timeout)
	}
	if cfg.Relay.MaxBodyBytes != DefaultMaxBodyBytes {
		t.Errorf("Expected default body limit, got %d", cfg.Relay.MaxBodyBytes)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != DefaultMetricsPath {
		t.Errorf("Expected metrics enabled at default path, got %+v", cfg.Metrics)
	}
	if cfg.Policy.Patterns["image"] != DefaultImagePattern || cfg.Policy.Patterns["api"] != DefaultAPIPattern {
		t.Errorf("Expected default patterns, got %v", cfg.Policy.Patterns)
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	clearEnv(t)

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "relay.yaml")
	content := "policy:\n  secrets: [\"from-file\"]\nrelay:\n  timeout: 2s\n"
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	t.Setenv("SECRET_TOKEN", "one, two ,,three")
	t.Setenv("IMAGE_HOST_PATTERN", `^https://img\.example\.org/`)
	t.Setenv("API_HOST_PATTERN", `^https://api\.example\.org/api/`)
	t.Setenv("RELAY_UPSTREAM_TIMEOUT", "750ms")
	t.Setenv("RELAY_MAX_BODY_BYTES", "2048")
	t.Setenv("RELAY_LISTEN_ADDR", ":7000")
	t.Setenv("RELAY_LOG_LEVEL", "warn")
	t.Setenv("RELAY_METRICS_ENABLED", "false")
	t.Setenv("RELAY_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("RELAY_OTLP_INSECURE", "true")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	want := []string{"one", "two", "three"}
	if strings.Join(cfg.Policy.Secrets, "|") != strings.Join(want, "|") {
		t.Errorf("Expected secrets %v, got %v", want, cfg.Policy.Secrets)
	}
	if cfg.Policy.Patterns["image"] != `^https://img\.example\.org/` {
		t.Errorf("Expected image pattern from env, got %q", cfg.Policy.Patterns["image"])
	}
	if cfg.Policy.Patterns["api"] != `^https://api\.example\.org/api/` {
		t.Errorf("Expected api pattern from env, got %q", cfg.Policy.Patterns["api"])
	}
	if cfg.Relay.Timeout != 750*time.Millisecond {
		t.Errorf("Expected timeout 750ms, got %s", cfg.Relay.Timeout)
	}
	if cfg.Relay.MaxBodyBytes != 2048 {
		t.Errorf("Expected body limit 2048, got %d", cfg.Relay.MaxBodyBytes)
	}
	if cfg.Server.ListenAddress != ":7000" {
		t.Errorf("Expected listen address ':7000', got %q", cfg.Server.ListenAddress)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Expected log level warn, got %q", cfg.Logging.Level)
	}
	if cfg.Metrics.Enabled {
		t.Error("Expected metrics disabled by env")
	}
	if cfg.Telemetry.OTLPEndpoint != "collector:4317" || !cfg.Telemetry.Insecure {
		t.Errorf("Unexpected telemetry config: %+v", cfg.Telemetry)
	}
}

func TestLoadPatternClassNames(t *testing.T) {
	write := func(t *testing.T, content string) string {
		t.Helper()
		path := filepath.Join(t.TempDir(), "relay.yaml")
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("Failed to write config file: %v", err)
		}
		return path
	}

	t.Run("repeated class is rejected", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("SECRET_TOKEN", "s")

		_, err := Load(write(t, `
policy:
  patterns:
    image: "^https://cdn\\.example\\.com/"
    Image: "^https://evil\\.com/"
`))
		if !errors.Is(err, domain.ErrConfigInvalid) {
			t.Fatalf("Expected ErrConfigInvalid, got %v", err)
		}
		if !strings.Contains(err.Error(), "configured more than once") {
			t.Errorf("Expected repeated class error, got %v", err)
		}
	})

	t.Run("differently cased key replaces default", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("SECRET_TOKEN", "s")

		cfg, err := Load(write(t, `
policy:
  patterns:
    Image: "^https://cdn\\.example\\.com/"
`))
		if err != nil {
			t.Fatalf("Failed to load config: %v", err)
		}
		if _, ok := cfg.Policy.Patterns["image"]; ok {
			t.Errorf("Expected default image pattern to be replaced, got %v", cfg.Policy.Patterns)
		}
		if cfg.Policy.Patterns["api"] != DefaultAPIPattern {
			t.Errorf("Expected default api pattern, got %v", cfg.Policy.Patterns)
		}
	})

	t.Run("env override replaces file key in any case", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("SECRET_TOKEN", "s")
		t.Setenv("IMAGE_HOST_PATTERN", `^https://img\.example\.org/`)

		cfg, err := Load(write(t, `
policy:
  patterns:
    IMAGE: "^https://cdn\\.example\\.com/"
`))
		if err != nil {
			t.Fatalf("Failed to load config: %v", err)
		}
		if len(cfg.Policy.Patterns) != 2 || cfg.Policy.Patterns["image"] != `^https://img\.example\.org/` {
			t.Errorf("Expected env image pattern only, got %v", cfg.Policy.Patterns)
		}
	})
}

func TestLoadFailsFast(t *testing.T) {
	tests := []struct {
		name         string
		env          map[string]string
		wantSentinel error
		expectedErr  string
	}{
		{
			name:         "missing secret",
			env:          map[string]string{},
			wantSentinel: domain.ErrSecretMissing,
			expectedErr:  "SECRET_TOKEN",
		},
		{
			name:         "blank secret list",
			env:          map[string]string{"SECRET_TOKEN": " , ,"},
			wantSentinel: domain.ErrSecretMissing,
		},
		{
			name:         "malformed image pattern",
			env:          map[string]string{"SECRET_TOKEN": "s", "IMAGE_HOST_PATTERN": "^https://(unclosed"},
			wantSentinel: domain.ErrConfigInvalid,
			expectedErr:  `pattern for "image"`,
		},
		{
			name:         "malformed api pattern",
			env:          map[string]string{"SECRET_TOKEN": "s", "API_HOST_PATTERN": "[z-a]"},
			wantSentinel: domain.ErrConfigInvalid,
			expectedErr:  `pattern for "api"`,
		},
		{
			name:        "bad timeout",
			env:         map[string]string{"SECRET_TOKEN": "s", "RELAY_UPSTREAM_TIMEOUT": "soon"},
			expectedErr: "RELAY_UPSTREAM_TIMEOUT",
		},
		{
			name:        "bad body limit",
			env:         map[string]string{"SECRET_TOKEN": "s", "RELAY_MAX_BODY_BYTES": "lots"},
			expectedErr: "RELAY_MAX_BODY_BYTES",
		},
		{
			name:        "bad log level",
			env:         map[string]string{"SECRET_TOKEN": "s", "RELAY_LOG_LEVEL": "loud"},
			expectedErr: "invalid log level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load("")
			if err == nil {
				t.Fatal("Expected Load to fail")
			}
			if tt.wantSentinel != nil && !errors.Is(err, tt.wantSentinel) {
				t.Errorf("Expected error wrapping %v, got %v", tt.wantSentinel, err)
			}
			if tt.expectedErr != "" && !strings.Contains(err.Error(), tt.expectedErr) {
				t.Errorf("Expected error containing %q, got %q", tt.expectedErr, err.Error())
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("SECRET_TOKEN", "s")

	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Expected error for missing config file")
	}
}

func TestConfigValidation(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Policy.Secrets = []string{"secret"}
		return cfg
	}

	tests := []struct {
		name        string
		mutate      func(*Config)
		wantErr     bool
		expectedErr string
	}{
		{
			name:    "defaults with secret",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name: "unknown resource class",
			mutate: func(c *Config) {
				c.Policy.Patterns["video"] = "^https://"
			},
			wantErr:     true,
			expectedErr: "unknown resource class",
		},
		{
			name: "class repeated after normalization",
			mutate: func(c *Config) {
				c.Policy.Patterns["Image"] = `^https://evil\.com/`
			},
			wantErr:     true,
			expectedErr: `resource class "image" configured more than once`,
		},
		{
			name: "class name is case-insensitive",
			mutate: func(c *Config) {
				c.Policy.Patterns[" API "] = c.Policy.Patterns["api"]
				delete(c.Policy.Patterns, "api")
			},
			wantErr: false,
		},
		{
			name: "missing api pattern",
			mutate: func(c *Config) {
				delete(c.Policy.Patterns, "api")
			},
			wantErr:     true,
			expectedErr: `no allow pattern for resource class "api"`,
		},
		{
			name: "negative relay timeout",
			mutate: func(c *Config) {
				c.Relay.Timeout = -time.Second
			},
			wantErr:     true,
			expectedErr: "relay timeout must be positive",
		},
		{
			name: "zero relay timeout falls back to default",
			mutate: func(c *Config) {
				c.Relay.Timeout = 0
			},
			wantErr: false,
		},
		{
			name: "metrics path collides with route",
			mutate: func(c *Config) {
				c.Metrics.Path = "/img"
			},
			wantErr:     true,
			expectedErr: "collides with a relay route",
		},
		{
			name: "metrics path must be absolute",
			mutate: func(c *Config) {
				c.Metrics.Path = "metrics"
			},
			wantErr:     true,
			expectedErr: "must start with /",
		},
		{
			name: "negative server timeout",
			mutate: func(c *Config) {
				c.Server.WriteTimeout = -1
			},
			wantErr:     true,
			expectedErr: "server timeouts must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected validation error but got none")
				} else if tt.expectedErr != "" && !strings.Contains(err.Error(), tt.expectedErr) {
					t.Errorf("Expected error containing %q, got %q", tt.expectedErr, err.Error())
				}
			} else if err != nil {
				t.Errorf("Expected no validation error but got: %v", err)
			}
		})
	}
}
