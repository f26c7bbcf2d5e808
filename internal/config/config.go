package config

import (
	"encoding/json"
	"net"
	"os"
	"strconv"
	"time"
)

// ServerConfig holds relay listener settings
type ServerConfig struct {
	Bind                string `json:"bind"`
	Port                int    `json:"port"`
	QueueEnabled        bool   `json:"queue_enabled"`
	QueueCapacity       int    `json:"queue_capacity"`
	MetricsAddr         string `json:"metrics_addr"`
	FirstFrameTimeoutMS int64  `json:"first_frame_timeout_ms"`
}

// HeartbeatConfig holds liveness probe settings
type HeartbeatConfig struct {
	IntervalMS    int64 `json:"interval_ms"`
	MaxMissed     int   `json:"max_missed"`
	ReloadGraceMS int64 `json:"reload_grace_ms"`
}

// RequestConfig holds command dispatch settings
type RequestConfig struct {
	DefaultTimeoutMS int64 `json:"default_timeout_ms"`
}

// CacheConfig holds idempotency cache settings
type CacheConfig struct {
	TTLMS int64 `json:"ttl_ms"`
}

// LoggingConfig holds log output settings
type LoggingConfig struct {
	Level          string `json:"level"`
	Format         string `json:"format"`
	RequestLogPath string `json:"request_log_path"`
}

// TracingConfig holds OpenTelemetry exporter settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Endpoint    string  `json:"endpoint"`
	ServiceName string  `json:"service_name"`
	SampleRate  float64 `json:"sample_rate"`
}

// Config is the central configuration struct for the relay daemon
type Config struct {
	Server    ServerConfig    `json:"server"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Request   RequestConfig   `json:"request"`
	Cache     CacheConfig     `json:"cache"`
	Logging   LoggingConfig   `json:"logging"`
	Tracing   TracingConfig   `json:"tracing"`
}

// DefaultConfig returns a Config with the protocol defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Bind:                "127.0.0.1",
			Port:                6500,
			QueueEnabled:        false,
			QueueCapacity:       10,
			MetricsAddr:         "",
			FirstFrameTimeoutMS: 10000,
		},
		Heartbeat: HeartbeatConfig{
			IntervalMS:    5000,
			MaxMissed:     3,
			ReloadGraceMS: 30000,
		},
		Request: RequestConfig{
			DefaultTimeoutMS: 30000,
		},
		Cache: CacheConfig{
			TTLMS: 60000,
		},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "text",
			RequestLogPath: "",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4318",
			ServiceName: "pulsar-relay",
			SampleRate:  1.0,
		},
	}
}

// LoadFromFile loads configuration from a JSON file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("PULSAR_BIND"); v != "" {
		cfg.Server.Bind = v
	}
	if v := os.Getenv("PULSAR_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("PULSAR_QUEUE_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Server.QueueEnabled = enabled
		}
	}
	if v := os.Getenv("PULSAR_QUEUE_CAPACITY"); v != "" {
		if capacity, err := strconv.Atoi(v); err == nil {
			cfg.Server.QueueCapacity = capacity
		}
	}
	if v := os.Getenv("PULSAR_METRICS_ADDR"); v != "" {
		cfg.Server.MetricsAddr = v
	}
	if v := os.Getenv("PULSAR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PULSAR_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("PULSAR_REQUEST_LOG"); v != "" {
		cfg.Logging.RequestLogPath = v
	}
	if v := os.Getenv("PULSAR_TRACING_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Tracing.Enabled = enabled
		}
	}
	if v := os.Getenv("PULSAR_TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
}

// ListenAddr returns the bind address in host:port form.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Server.Bind, strconv.Itoa(c.Server.Port))
}

// HeartbeatInterval returns the probe interval as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat.IntervalMS) * time.Millisecond
}

// ReloadGrace returns the RELOADING grace window as a duration.
func (c *Config) ReloadGrace() time.Duration {
	return time.Duration(c.Heartbeat.ReloadGraceMS) * time.Millisecond
}

// DefaultTimeout returns the per-request deadline used when a REQUEST does
// not carry its own timeout_ms.
func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.Request.DefaultTimeoutMS) * time.Millisecond
}

// CacheTTL returns the idempotency window as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLMS) * time.Millisecond
}

// FirstFrameTimeout returns how long a fresh connection may stay silent
// before the relay closes it.
func (c *Config) FirstFrameTimeout() time.Duration {
	return time.Duration(c.Server.FirstFrameTimeoutMS) * time.Millisecond
}
