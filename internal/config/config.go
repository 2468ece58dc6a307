// Package config loads process configuration from the environment, in the
// same env-struct-tag style the most mature teacher iteration uses.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every environment-driven setting for the gateway process.
// Tags:
//
//	env: environment variable name
//	envDefault: value used when the variable is unset
type Config struct {
	// Process basics
	Addr        string `env:"GATEWAY_ADDR" envDefault:":8080"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Admin
	AdminToken string `env:"ADMIN_TOKEN,required"`

	// Upstream (Vayu/Vortex broker)
	UpstreamApplicationID string `env:"UPSTREAM_APPLICATION_ID,required"`
	UpstreamAPIKey        string `env:"UPSTREAM_API_KEY,required"`
	UpstreamAPISecret     string `env:"UPSTREAM_API_SECRET" envDefault:""`
	UpstreamBaseURL       string `env:"UPSTREAM_BASE_URL" envDefault:"https://api.vayu.example.com"`
	UpstreamWSHost        string `env:"UPSTREAM_WS_HOST" envDefault:"ws.vayu.example.com"`

	// Shared KV / pub-sub (C1)
	NATSURL         string        `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	KVConnTimeout   time.Duration `env:"KV_CONN_TIMEOUT" envDefault:"5s"`
	KVDegradedLocal bool          `env:"KV_ALLOW_DEGRADED" envDefault:"true"`

	// Relational store (C2)
	PostgresDSN string `env:"POSTGRES_DSN,required"`

	// CORS / protocol
	CORSOrigin      string `env:"CORS_ORIGIN" envDefault:"*"`
	ProtocolVersion string `env:"PROTOCOL_VERSION" envDefault:"1.0"`

	// Capacity / resource guard
	MaxConnections     int     `env:"MAX_CONNECTIONS" envDefault:"20000"`
	MaxGoroutines      int     `env:"MAX_GOROUTINES" envDefault:"50000"`
	MemoryLimitBytes   int64   `env:"MEMORY_LIMIT_BYTES" envDefault:"2147483648"`
	CPURejectThreshold float64 `env:"CPU_REJECT_THRESHOLD" envDefault:"75.0"`
	CPUPauseThreshold  float64 `env:"CPU_PAUSE_THRESHOLD" envDefault:"85.0"`
	MetricsInterval    time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Connection-rate limiting (DoS protection)
	ConnIPBurst     int     `env:"CONN_IP_BURST" envDefault:"10"`
	ConnIPRate      float64 `env:"CONN_IP_RATE" envDefault:"1.0"`
	ConnGlobalBurst int     `env:"CONN_GLOBAL_BURST" envDefault:"500"`
	ConnGlobalRate  float64 `env:"CONN_GLOBAL_RATE" envDefault:"100.0"`

	// Per-event WS rate defaults (overridable per API key, §6 Environment)
	WSSubscribeRPS   float64 `env:"WS_SUBSCRIBE_RPS" envDefault:"10"`
	WSUnsubscribeRPS float64 `env:"WS_UNSUBSCRIBE_RPS" envDefault:"10"`
	WSModeRPS        float64 `env:"WS_MODE_RPS" envDefault:"5"`

	// Multiplexer / batcher windows
	MultiplexerTickMs int `env:"MULTIPLEXER_TICK_MS" envDefault:"500"`
	MultiplexerQueueHighWater int `env:"MULTIPLEXER_QUEUE_HIGH_WATER" envDefault:"256"`
	SnapshotBatchWindowMs int `env:"SNAPSHOT_BATCH_WINDOW_MS" envDefault:"100"`

	// Fan-out backpressure
	MaxOutboundBufferBytes int64         `env:"MAX_OUTBOUND_BUFFER_BYTES" envDefault:"16777216"`
	SlowClientGrace        time.Duration `env:"SLOW_CLIENT_GRACE" envDefault:"10s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads .env (best effort, never fatal) then environment variables,
// validates, and returns the Config.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks range and logical constraints not expressible via struct tags.
func (c *Config) Validate() error {
	if c.MaxConnections < 1 {
		return fmt.Errorf("MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.CPUPauseThreshold < c.CPURejectThreshold {
		return fmt.Errorf("CPU_PAUSE_THRESHOLD (%.1f) must be >= CPU_REJECT_THRESHOLD (%.1f)",
			c.CPUPauseThreshold, c.CPURejectThreshold)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug,info,warn,error (got %s)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true, "text": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of json,pretty,text (got %s)", c.LogFormat)
	}
	return nil
}

// LogConfig emits the loaded configuration as a structured log line
// (secrets such as UpstreamAPISecret are intentionally omitted).
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("upstream_base_url", c.UpstreamBaseURL).
		Str("upstream_ws_host", c.UpstreamWSHost).
		Str("nats_url", c.NATSURL).
		Int("max_connections", c.MaxConnections).
		Int("max_goroutines", c.MaxGoroutines).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Float64("cpu_pause_threshold", c.CPUPauseThreshold).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
