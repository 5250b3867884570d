// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers defaults, YAML loading, env var expansion and overrides, durations, validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8000", cfg.Server.Addr())
	assert.Equal(t, []string{"http://localhost:4200"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, "http://localhost:8000/api/receive_message", cfg.Forwarding.Endpoint)
	assert.Equal(t, "default_client", cfg.Forwarding.ClientID)
	assert.Equal(t, 10*time.Second, cfg.Forwarding.Timeout)
	assert.Equal(t, 64, cfg.Realtime.BufferSize)
	assert.Equal(t, 54*time.Second, cfg.Realtime.PingPeriod)
	assert.Equal(t, 60*time.Second, cfg.Realtime.PongWait)
	assert.Equal(t, 10*time.Minute, cfg.Dedupe.TTL)
	assert.Equal(t, "prompts", cfg.Prompts.Dir)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  host: "127.0.0.1"
  port: 9090
  read_header_timeout: "5s"

cors:
  allowed_origins:
    - "https://chat.example.com"
  allow_credentials: false

forwarding:
  endpoint: "https://backend.example.com/api/receive_message"
  client_id: "relay-1"
  timeout: "3s"

realtime:
  buffer_size: 128
  ping_period: "20s"
  pong_wait: "30s"
  write_wait: "5s"

dedupe:
  ttl: "1m"
  max_size: 500

rate_limit:
  rps: 10
  burst: 5

prompts:
  dir: "/var/lib/coven/prompts"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Addr())
	assert.Equal(t, 5*time.Second, cfg.Server.ReadHeaderTimeout)
	assert.Equal(t, []string{"https://chat.example.com"}, cfg.CORS.AllowedOrigins)
	assert.False(t, cfg.CORS.AllowCredentials)
	// Sections not in the file keep defaults
	assert.Contains(t, cfg.CORS.AllowedMethods, "POST")
	assert.Equal(t, "relay-1", cfg.Forwarding.ClientID)
	assert.Equal(t, 3*time.Second, cfg.Forwarding.Timeout)
	assert.Equal(t, 128, cfg.Realtime.BufferSize)
	assert.Equal(t, 5*time.Second, cfg.Realtime.WriteWait)
	assert.Equal(t, time.Minute, cfg.Dedupe.TTL)
	assert.Equal(t, 500, cfg.Dedupe.MaxSize)
	assert.InDelta(t, 10.0, cfg.RateLimit.RPS, 0.001)
	assert.Equal(t, "/var/lib/coven/prompts", cfg.Prompts.Dir)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_RELAY_CLIENT", "expanded-client")

	path := writeConfig(t, `
forwarding:
  client_id: "${TEST_RELAY_CLIENT}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "expanded-client", cfg.Forwarding.ClientID)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("BACKEND_HOST", "10.0.0.5")
	t.Setenv("BACKEND_PORT", "8123")
	t.Setenv("ALLOWED_ORIGINS", "http://a.test,http://b.test")
	t.Setenv("LLM_NOTIFICATION_ENDPOINT", "http://llm.test/notify")
	t.Setenv("LLM_NOTIFICATION_TIMEOUT", "2.5")
	t.Setenv("CLIENT_ID", "from-env")
	t.Setenv("PROMPTS_DIR", "/tmp/prompts")
	t.Setenv("LOG_LEVEL", "warn")

	path := writeConfig(t, `
server:
  host: "127.0.0.1"
  port: 9090
forwarding:
  client_id: "from-file"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5:8123", cfg.Server.Addr())
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, "http://llm.test/notify", cfg.Forwarding.Endpoint)
	assert.Equal(t, 2500*time.Millisecond, cfg.Forwarding.Timeout)
	assert.Equal(t, "from-env", cfg.Forwarding.ClientID)
	assert.Equal(t, "/tmp/prompts", cfg.Prompts.Dir)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_DotEnvFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("CLIENT_ID=dotenv-client\n"), 0o644))
	t.Chdir(dir)
	// Registers cleanup so the variable godotenv sets does not leak into other tests
	t.Setenv("CLIENT_ID", "")
	require.NoError(t, os.Unsetenv("CLIENT_ID"))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "dotenv-client", cfg.Forwarding.ClientID)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [not: valid")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `
forwarding:
  timeout: "soon"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "forwarding.timeout")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"port ignored with tailscale", func(c *Config) {
			c.Server.Port = 0
			c.Tailscale.Enabled = true
		}, ""},
		{"tailscale needs hostname", func(c *Config) {
			c.Tailscale.Enabled = true
			c.Tailscale.Hostname = ""
		}, "tailscale.hostname"},
		{"endpoint not a url", func(c *Config) { c.Forwarding.Endpoint = "localhost:8000" }, "forwarding.endpoint"},
		{"forwarding disabled", func(c *Config) {
			c.Forwarding.Endpoint = ""
			c.Forwarding.Timeout = 0
		}, ""},
		{"zero timeout", func(c *Config) { c.Forwarding.Timeout = 0 }, "forwarding.timeout"},
		{"zero buffer", func(c *Config) { c.Realtime.BufferSize = 0 }, "realtime.buffer_size"},
		{"ping after pong", func(c *Config) { c.Realtime.PingPeriod = 2 * c.Realtime.PongWait }, "realtime.ping_period"},
		{"negative rps", func(c *Config) { c.RateLimit.RPS = -1 }, "rate_limit.rps"},
		{"rps without burst", func(c *Config) {
			c.RateLimit.RPS = 5
			c.RateLimit.Burst = 0
		}, "rate_limit.burst"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"bad metrics path", func(c *Config) { c.Metrics.Path = "metrics" }, "metrics.path"},
		{"no prompts dir", func(c *Config) { c.Prompts.Dir = "" }, "prompts.dir"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			require.NoError(t, parseDurations(cfg))
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.wantErr), "error %q should mention %q", err, tt.wantErr)
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("RELAY_A", "alpha")

	assert.Equal(t, "x alpha y", expandEnvVars("x ${RELAY_A} y"))
	assert.Equal(t, "x  y", expandEnvVars("x ${RELAY_UNSET_VAR} y"))
	assert.Equal(t, "no vars", expandEnvVars("no vars"))
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("COVEN_RELAY_CONFIG", "/etc/coven/custom.yaml")
	assert.Equal(t, "/etc/coven/custom.yaml", DefaultPath())

	t.Setenv("COVEN_RELAY_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, filepath.Join("/xdg", "coven", "relay.yaml"), DefaultPath())
}

func TestParseDuration_BareSeconds(t *testing.T) {
	d, err := parseDuration("30")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)

	d, err = parseDuration("1m30s")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)
}
