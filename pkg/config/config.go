package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/bledive/internal/download"
	"github.com/srg/bledive/internal/session"
	"github.com/srg/bledive/internal/transport"
)

// Config holds application configuration
type Config struct {
	LogLevel  string          `yaml:"log_level" default:"info"`
	Radio     RadioConfig     `yaml:"radio"`
	Transport TransportConfig `yaml:"transport"`
	Download  DownloadConfig  `yaml:"download"`
	Output    OutputConfig    `yaml:"output"`
}

// RadioConfig selects the BLE backend.
type RadioConfig struct {
	Backend        string        `yaml:"backend" default:"goble"` // goble, tinyble, sim
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"20s"`
	ScanTimeout    time.Duration `yaml:"scan_timeout" default:"10s"`
}

// TransportConfig tunes the BLE stream.
type TransportConfig struct {
	// ReadTimeout is the per-read timeout the engine applies to the stream.
	ReadTimeout     time.Duration `yaml:"read_timeout" default:"3s"`
	WriteAckTimeout time.Duration `yaml:"write_ack_timeout" default:"5s"`
	QueueCapacity   int           `yaml:"queue_capacity" default:"1024"`
	TraceBytes      int           `yaml:"trace_bytes" default:"512"`
	WriteChunkDelay time.Duration `yaml:"write_chunk_delay"`
}

// DownloadConfig controls persisted state and the event stream.
type DownloadConfig struct {
	DataDir     string        `yaml:"data_dir"`
	EventBuffer uint32        `yaml:"event_buffer" default:"256"`
	CancelGrace time.Duration `yaml:"cancel_grace" default:"2s"`
}

// OutputConfig controls CLI rendering.
type OutputConfig struct {
	Format string `yaml:"format" default:"table"` // table, json
	Color  bool   `yaml:"color" default:"true"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "bledive")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultDataDir returns where fingerprints and access codes are kept.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "bledive")
	}
	return filepath.Join(home, ".local", "share", "bledive")
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.Download.DataDir = DefaultDataDir()
	return cfg
}

// Load reads and parses a YAML config file. Missing fields keep their
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.Download.DataDir = expandTilde(cfg.Download.DataDir)

	return cfg, nil
}

// LoadOrDefault loads path, falling back to defaults when the file does not
// exist and was not explicitly requested.
func LoadOrDefault(path string, explicit bool) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	switch c.Radio.Backend {
	case "goble", "tinyble", "sim":
	default:
		return fmt.Errorf("radio.backend must be \"goble\", \"tinyble\" or \"sim\", got %q", c.Radio.Backend)
	}
	if c.Radio.ConnectTimeout <= 0 {
		return fmt.Errorf("radio.connect_timeout must be > 0")
	}
	if c.Radio.ScanTimeout <= 0 {
		return fmt.Errorf("radio.scan_timeout must be > 0")
	}

	if c.Transport.ReadTimeout <= 0 {
		return fmt.Errorf("transport.read_timeout must be > 0")
	}
	if c.Transport.WriteAckTimeout <= 0 {
		return fmt.Errorf("transport.write_ack_timeout must be > 0")
	}
	if c.Transport.QueueCapacity <= 0 {
		return fmt.Errorf("transport.queue_capacity must be > 0")
	}
	if c.Transport.TraceBytes <= 0 {
		return fmt.Errorf("transport.trace_bytes must be > 0")
	}
	if c.Transport.WriteChunkDelay < 0 {
		return fmt.Errorf("transport.write_chunk_delay must be >= 0")
	}

	if c.Download.DataDir == "" {
		return fmt.Errorf("download.data_dir must not be empty")
	}
	if c.Download.EventBuffer == 0 {
		return fmt.Errorf("download.event_buffer must be > 0")
	}

	switch c.Output.Format {
	case "table", "json":
	default:
		return fmt.Errorf("output.format must be \"table\" or \"json\", got %q", c.Output.Format)
	}

	return nil
}

// Level returns the parsed log level, info when invalid.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// FingerprintDir is the fingerprint store directory.
func (c *Config) FingerprintDir() string {
	return filepath.Join(c.Download.DataDir, "fingerprints")
}

// AccessCodeDir is the access code store directory.
func (c *Config) AccessCodeDir() string {
	return filepath.Join(c.Download.DataDir, "accesscodes")
}

// TransportOptions maps the transport section onto stream options.
func (c *Config) TransportOptions() transport.Options {
	return transport.Options{
		WriteAckTimeout: c.Transport.WriteAckTimeout,
		QueueCapacity:   c.Transport.QueueCapacity,
		TraceBytes:      c.Transport.TraceBytes,
		ChunkDelay:      c.Transport.WriteChunkDelay,
	}
}

// SessionOptions maps the config onto session controller options.
func (c *Config) SessionOptions() *session.Options {
	return &session.Options{
		ConnectTimeout: c.Radio.ConnectTimeout,
		CancelGrace:    c.Download.CancelGrace,
		Transport:      c.TransportOptions(),
		Download:       download.Options{EventBuffer: c.Download.EventBuffer},
	}
}

// Save writes the config as YAML, creating the directory when missing.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
