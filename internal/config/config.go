// ABOUTME: Configuration loading and parsing for coven-relay
// ABOUTME: YAML file with ${VAR} expansion, then .env and environment overrides, then durations

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-relay configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	CORS       CORSConfig       `yaml:"cors"`
	Forwarding ForwardingConfig `yaml:"forwarding"`
	Realtime   RealtimeConfig   `yaml:"realtime"`
	Dedupe     DedupeConfig     `yaml:"dedupe"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Prompts    PromptsConfig    `yaml:"prompts"`
	Tailscale  TailscaleConfig  `yaml:"tailscale"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	Host string `yaml:"host" env:"BACKEND_HOST"`
	Port int    `yaml:"port" env:"BACKEND_PORT"`

	ReadHeaderTimeout    time.Duration `yaml:"-"`
	ReadHeaderTimeoutRaw string        `yaml:"read_header_timeout"`
}

// Addr returns host:port for net.Listen
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// CORSConfig controls which browser origins may call the API
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	AllowedMethods   []string `yaml:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
}

// ForwardingConfig holds the processing backend endpoint.
// An empty endpoint disables forwarding.
type ForwardingConfig struct {
	Endpoint string `yaml:"endpoint" env:"LLM_NOTIFICATION_ENDPOINT"`
	ClientID string `yaml:"client_id" env:"CLIENT_ID"`

	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout" env:"LLM_NOTIFICATION_TIMEOUT"`
}

// RealtimeConfig tunes the WebSocket subscriber connections
type RealtimeConfig struct {
	BufferSize      int   `yaml:"buffer_size"`
	MaxMessageBytes int64 `yaml:"max_message_bytes"`

	PingPeriod time.Duration `yaml:"-"`
	PongWait   time.Duration `yaml:"-"`
	WriteWait  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	PingPeriodRaw string `yaml:"ping_period"`
	PongWaitRaw   string `yaml:"pong_wait"`
	WriteWaitRaw  string `yaml:"write_wait"`
}

// DedupeConfig sizes the backend callback_id cache
type DedupeConfig struct {
	MaxSize int `yaml:"max_size"`

	TTL    time.Duration `yaml:"-"`
	TTLRaw string        `yaml:"ttl"`
}

// RateLimitConfig limits ingress requests per client IP. RPS 0 disables it.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// PromptsConfig points at the prompt text assets
type PromptsConfig struct {
	Dir string `yaml:"dir" env:"PROMPTS_DIR"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key" env:"TS_AUTHKEY"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`  // serve TLS with the tailnet certificate
	Funnel    bool   `yaml:"funnel"` // expose publicly through Funnel (implies HTTPS)
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                 "0.0.0.0",
			Port:                 8000,
			ReadHeaderTimeoutRaw: "10s",
		},
		CORS: CORSConfig{
			AllowedOrigins:   []string{"http://localhost:4200"},
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Requested-With"},
			AllowCredentials: true,
		},
		Forwarding: ForwardingConfig{
			Endpoint:   "http://localhost:8000/api/receive_message",
			ClientID:   "default_client",
			TimeoutRaw: "10s",
		},
		Realtime: RealtimeConfig{
			BufferSize:      64,
			MaxMessageBytes: 4096,
			PingPeriodRaw:   "54s",
			PongWaitRaw:     "60s",
			WriteWaitRaw:    "10s",
		},
		Dedupe: DedupeConfig{
			MaxSize: 10000,
			TTLRaw:  "10m",
		},
		RateLimit: RateLimitConfig{
			RPS:   0,
			Burst: 20,
		},
		Prompts: PromptsConfig{
			Dir: "prompts",
		},
		Tailscale: TailscaleConfig{
			Hostname: "coven-relay",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// DefaultPath returns the config file location:
// $COVEN_RELAY_CONFIG, then $XDG_CONFIG_HOME/coven/relay.yaml, then ~/.config/coven/relay.yaml.
func DefaultPath() string {
	if p := os.Getenv("COVEN_RELAY_CONFIG"); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "coven", "relay.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "relay.yaml"
	}
	return filepath.Join(home, ".config", "coven", "relay.yaml")
}

// Load builds the configuration. Layers, later wins:
//
//  1. Default()
//  2. the YAML file at path, with ${VAR_NAME} expanded (skipped when path is "")
//  3. a .env file in the working directory, if present
//  4. environment variables (BACKEND_HOST, BACKEND_PORT, ALLOWED_ORIGINS, ...)
//
// Duration strings are parsed last, then the result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		expandedData := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// loadDotEnv exports the file's variables without overriding ones already set.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks that all configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled {
		if c.Server.Port < 1 || c.Server.Port > 65535 {
			return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Forwarding.Endpoint != "" {
		u, err := url.Parse(c.Forwarding.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("forwarding.endpoint must be an http(s) URL, got %q", c.Forwarding.Endpoint)
		}
		if c.Forwarding.Timeout <= 0 {
			return errors.New("forwarding.timeout must be positive")
		}
	}

	if c.Realtime.BufferSize < 1 {
		return errors.New("realtime.buffer_size must be at least 1")
	}
	if c.Realtime.PingPeriod >= c.Realtime.PongWait {
		return fmt.Errorf("realtime.ping_period (%s) must be shorter than realtime.pong_wait (%s)",
			c.Realtime.PingPeriod, c.Realtime.PongWait)
	}

	if c.Dedupe.MaxSize < 1 {
		return errors.New("dedupe.max_size must be at least 1")
	}

	if c.RateLimit.RPS < 0 {
		return errors.New("rate_limit.rps must not be negative")
	}
	if c.RateLimit.RPS > 0 && c.RateLimit.Burst < 1 {
		return errors.New("rate_limit.burst must be at least 1 when rate limiting is enabled")
	}

	if c.Prompts.Dir == "" {
		return errors.New("prompts.dir is required")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not text or json", c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.read_header_timeout", cfg.Server.ReadHeaderTimeoutRaw, &cfg.Server.ReadHeaderTimeout},
		{"forwarding.timeout", cfg.Forwarding.TimeoutRaw, &cfg.Forwarding.Timeout},
		{"realtime.ping_period", cfg.Realtime.PingPeriodRaw, &cfg.Realtime.PingPeriod},
		{"realtime.pong_wait", cfg.Realtime.PongWaitRaw, &cfg.Realtime.PongWait},
		{"realtime.write_wait", cfg.Realtime.WriteWaitRaw, &cfg.Realtime.WriteWait},
		{"dedupe.ttl", cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := parseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// parseDuration accepts Go duration syntax, or a bare number of seconds
// (LLM_NOTIFICATION_TIMEOUT has historically been given that way).
func parseDuration(s string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}
