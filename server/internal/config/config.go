package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the coordinator's full configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Records     RecordsConfig     `yaml:"records"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Stub        StubConfig        `yaml:"stub"`
}

type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	// SessionIdleTimeout closes API sessions nobody has touched for this long.
	// Zero keeps sessions until they are deleted.
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`
}

// Addr returns host:port for the HTTP listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// PipelineConfig points at the classification service.
type PipelineConfig struct {
	BaseURL string `yaml:"base_url"`
	// WSURL defaults to BaseURL with a ws scheme and /ws/process_case path.
	WSURL             string        `yaml:"ws_url"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxStreamDuration time.Duration `yaml:"max_stream_duration"`
}

// StreamURL returns the websocket endpoint for the streaming phase.
func (p PipelineConfig) StreamURL() string {
	if p.WSURL != "" {
		return p.WSURL
	}
	base := strings.TrimRight(p.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws/process_case"
}

// RecordsConfig points at the case record service.
type RecordsConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Token          string        `yaml:"token"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type PersistenceConfig struct {
	// MaxAttempts bounds save attempts per case. 1 means no automatic retry.
	MaxAttempts  int           `yaml:"max_attempts"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	Ledger       LedgerConfig  `yaml:"ledger"`
	Outbox       OutboxConfig  `yaml:"outbox"`
}

// LedgerConfig selects where "already persisted" claims live: memory | redis.
type LedgerConfig struct {
	Driver        string        `yaml:"driver"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	TTL           time.Duration `yaml:"ttl"`
}

// OutboxConfig selects where failed saves are parked: none | sqlite | postgres.
type OutboxConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// StubConfig drives the local pipeline simulator.
type StubConfig struct {
	Addr      string        `yaml:"addr"`
	FollowUps int           `yaml:"follow_ups"`
	StepDelay time.Duration `yaml:"step_delay"`
}

// Default returns a configuration that works against a local stub.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:        15 * time.Second,
			WriteTimeout:       15 * time.Second,
			SessionIdleTimeout: 30 * time.Minute,
		},
		Pipeline: PipelineConfig{
			BaseURL:           "http://127.0.0.1:8000",
			RequestTimeout:    30 * time.Second,
			HandshakeTimeout:  15 * time.Second,
			IdleTimeout:       2 * time.Minute,
			MaxStreamDuration: 10 * time.Minute,
		},
		Records: RecordsConfig{
			BaseURL:        "http://127.0.0.1:8000",
			RequestTimeout: 10 * time.Second,
		},
		Persistence: PersistenceConfig{
			MaxAttempts:  1,
			RetryBackoff: 2 * time.Second,
			Ledger:       LedgerConfig{Driver: "memory", TTL: 7 * 24 * time.Hour},
			Outbox:       OutboxConfig{Driver: "none"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Telemetry: TelemetryConfig{ServiceName: "rural-triage"},
		Stub: StubConfig{
			Addr:      "127.0.0.1:8000",
			FollowUps: 2,
		},
	}
}

// Load reads a YAML file over the defaults, then applies environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to Default when path is empty.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		cfg.ApplyEnv()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("validate config: %w", err)
		}
		return cfg, nil
	}
	return Load(path)
}

// ApplyEnv overrides endpoints and secrets from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("TRIAGE_PIPELINE_URL"); v != "" {
		c.Pipeline.BaseURL = v
	}
	if v := os.Getenv("TRIAGE_PIPELINE_WS_URL"); v != "" {
		c.Pipeline.WSURL = v
	}
	if v := os.Getenv("TRIAGE_RECORDS_URL"); v != "" {
		c.Records.BaseURL = v
	}
	// The bearer token is never expected in the file.
	if v := os.Getenv("TRIAGE_RECORDS_TOKEN"); v != "" {
		c.Records.Token = v
	}
	if v := os.Getenv("TRIAGE_REDIS_ADDR"); v != "" {
		c.Persistence.Ledger.Driver = "redis"
		c.Persistence.Ledger.RedisAddr = v
	}
	if v := os.Getenv("TRIAGE_REDIS_PASSWORD"); v != "" {
		c.Persistence.Ledger.RedisPassword = v
	}
	if v := os.Getenv("TRIAGE_OUTBOX_DSN"); v != "" {
		c.Persistence.Outbox.DSN = v
	}
	if v := os.Getenv("TRIAGE_OUTBOX_DRIVER"); v != "" {
		c.Persistence.Outbox.Driver = v
	}
	if v := os.Getenv("TRIAGE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("TRIAGE_SESSION_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Server.SessionIdleTimeout = d
		}
	}
	if v := os.Getenv("TRIAGE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
}

// Validate checks required values.
func (c *Config) Validate() error {
	if c.Pipeline.BaseURL == "" {
		return errors.New("pipeline.base_url is required (set TRIAGE_PIPELINE_URL or config)")
	}
	if c.Pipeline.RequestTimeout <= 0 {
		return errors.New("pipeline.request_timeout must be positive")
	}
	if c.Pipeline.IdleTimeout <= 0 {
		return errors.New("pipeline.idle_timeout must be positive")
	}
	if c.Server.SessionIdleTimeout < 0 {
		return errors.New("server.session_idle_timeout must not be negative")
	}
	if c.Persistence.MaxAttempts < 1 {
		return errors.New("persistence.max_attempts must be at least 1")
	}
	switch c.Persistence.Ledger.Driver {
	case "", "memory":
	case "redis":
		if c.Persistence.Ledger.RedisAddr == "" {
			return errors.New("persistence.ledger.redis_addr is required for the redis ledger")
		}
	default:
		return fmt.Errorf("unsupported ledger driver %q", c.Persistence.Ledger.Driver)
	}
	switch c.Persistence.Outbox.Driver {
	case "", "none":
	case "sqlite", "postgres":
		if c.Persistence.Outbox.DSN == "" {
			return fmt.Errorf("persistence.outbox.dsn is required for the %s outbox", c.Persistence.Outbox.Driver)
		}
	default:
		return fmt.Errorf("unsupported outbox driver %q", c.Persistence.Outbox.Driver)
	}
	return nil
}

// Summary lists the key settings for the startup log.
func (c *Config) Summary() map[string]interface{} {
	return map[string]interface{}{
		"server":         c.Server.Addr(),
		"pipeline":       c.Pipeline.BaseURL,
		"stream":         c.Pipeline.StreamURL(),
		"records":        c.Records.BaseURL,
		"records_token":  c.Records.Token != "",
		"max_attempts":   c.Persistence.MaxAttempts,
		"ledger":         c.Persistence.Ledger.Driver,
		"outbox":         c.Persistence.Outbox.Driver,
		"telemetry":      c.Telemetry.Enabled,
		"log_level":      c.Logging.Level,
		"idle_timeout":   c.Pipeline.IdleTimeout.String(),
		"stream_timeout": c.Pipeline.MaxStreamDuration.String(),
		"session_idle":   c.Server.SessionIdleTimeout.String(),
	}
}
