package config

import (
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	str2duration "github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPort           = 10000
	DefaultQueueLimit     = 100
	DefaultStreamInterval = 100 * time.Millisecond
	DefaultUploadMaxBytes = 8 << 20
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Relay  RelayConfig  `yaml:"relay"`
	Stream StreamConfig `yaml:"stream"`
	Log    LogConfig    `yaml:"log"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`

	// AllowedOrigins restricts browser WebSocket origins; "*" allows any.
	// Empty means same host and loopback only.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// MaxConnections caps concurrent WebSocket sessions; 0 is unlimited.
	MaxConnections int `yaml:"max_connections"`

	RateLimit      float64 `yaml:"rate_limit"`
	RateBurst      int     `yaml:"rate_burst"`
	UploadMaxBytes int64   `yaml:"upload_max_bytes"`
}

type RelayConfig struct {
	// QueueLimit caps queued commands per device; 0 keeps every command.
	QueueLimit int `yaml:"queue_limit"`

	// QueueMaxAge drops queued commands older than this at drain time; 0 disables.
	QueueMaxAge time.Duration `yaml:"queue_max_age"`

	SendBuffer int `yaml:"send_buffer"`
}

type StreamConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           DefaultPort,
			Host:           "0.0.0.0",
			AllowedOrigins: []string{"*"},
			RateLimit:      20,
			RateBurst:      20,
			UploadMaxBytes: DefaultUploadMaxBytes,
		},
		Relay: RelayConfig{
			QueueLimit: DefaultQueueLimit,
			SendBuffer: 64,
		},
		Stream: StreamConfig{
			Interval: DefaultStreamInterval,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", path)
	}

	return cfg, nil
}

// LoadOrDefault loads path, falling back to defaults when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return nil, err
}

// ApplyEnv overrides fields from environment variables. lookup is normally os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "PORT=%q", v)
		}
		c.Server.Port = port
	}
	if v, ok := lookup("RELAY_HOST"); ok && v != "" {
		c.Server.Host = v
	}
	if v, ok := lookup("RELAY_LOG_LEVEL"); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok := lookup("RELAY_QUEUE_LIMIT"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "RELAY_QUEUE_LIMIT=%q", v)
		}
		c.Relay.QueueLimit = n
	}
	if v, ok := lookup("RELAY_QUEUE_MAX_AGE"); ok && v != "" {
		d, err := str2duration.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(err, "RELAY_QUEUE_MAX_AGE=%q", v)
		}
		c.Relay.QueueMaxAge = d
	}
	if v, ok := lookup("RELAY_STREAM_INTERVAL"); ok && v != "" {
		d, err := str2duration.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(err, "RELAY_STREAM_INTERVAL=%q", v)
		}
		c.Stream.Interval = d
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Newf("server.port %d out of range", c.Server.Port)
	}
	if c.Relay.QueueLimit < 0 {
		return errors.Newf("relay.queue_limit must be >= 0, got %d", c.Relay.QueueLimit)
	}
	if c.Relay.SendBuffer <= 0 {
		return errors.Newf("relay.send_buffer must be > 0, got %d", c.Relay.SendBuffer)
	}
	if c.Stream.Interval <= 0 {
		return errors.Newf("stream.interval must be > 0, got %s", c.Stream.Interval)
	}
	if c.Server.UploadMaxBytes <= 0 {
		return errors.Newf("server.upload_max_bytes must be > 0, got %d", c.Server.UploadMaxBytes)
	}
	return nil
}
