// Package config loads and validates the engine's YAML configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/harwell/tidemark/internal/engine"
)

// StreamConfig names the websocket endpoints.
type StreamConfig struct {
	PublicURL  string `yaml:"publicUrl"`
	PrivateURL string `yaml:"privateUrl"`
}

// MarketConfig selects the instruments and stream parameters.
type MarketConfig struct {
	Symbols    []string `yaml:"symbols"`
	Intervals  []string `yaml:"intervals"`
	Depth      int      `yaml:"depth"`
	KlineCap   int      `yaml:"klineCap"`
	StrictBook bool     `yaml:"strictBook"`
}

// ConnectionConfig tunes the reconnection controller.
type ConnectionConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	BackoffBase       time.Duration `yaml:"backoffBase"`
	BackoffMultiplier float64       `yaml:"backoffMultiplier"`
	MaxAttempts       int           `yaml:"maxAttempts"`
}

// CredentialsConfig carries the private-channel API credentials. Values are
// normally supplied through the environment, not the file.
type CredentialsConfig struct {
	APIKey    string `yaml:"apiKey"`
	APISecret string `yaml:"apiSecret"`
}

// BusConfig sets event bus buffer sizing.
type BusConfig struct {
	BufferSize int `yaml:"bufferSize"`
}

// SnapshotConfig controls the snapshot collector.
type SnapshotConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
}

// TelemetryConfig configures the OTLP metrics exporter.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	OTLPInsecure bool   `yaml:"otlpInsecure"`
	ServiceName  string `yaml:"serviceName"`
}

// LogConfig selects the logger profile.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Config is the unified application configuration.
type Config struct {
	Stream      StreamConfig      `yaml:"stream"`
	Market      MarketConfig      `yaml:"market"`
	Connection  ConnectionConfig  `yaml:"connection"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Bus         BusConfig         `yaml:"bus"`
	Snapshot    SnapshotConfig    `yaml:"snapshot"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Log         LogConfig         `yaml:"log"`
}

// Default returns the configuration used when a field is absent from the file.
func Default() Config {
	return Config{
		Stream: StreamConfig{
			PublicURL:  "wss://stream.bybit.com/v5/public/linear",
			PrivateURL: "wss://stream.bybit.com/v5/private",
		},
		Market: MarketConfig{
			Intervals: []string{"1", "5"},
			Depth:     50,
			KlineCap:  200,
		},
		Connection: ConnectionConfig{
			HeartbeatInterval: 20 * time.Second,
			BackoffBase:       5 * time.Second,
			BackoffMultiplier: 1.5,
			MaxAttempts:       10,
		},
		Bus:      BusConfig{BufferSize: 64},
		Snapshot: SnapshotConfig{Enabled: true, TTL: 0},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4318",
			ServiceName:  "tidemark",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv lets deployment environments inject credentials and endpoints
// without touching the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("TIDEMARK_API_KEY"); v != "" {
		c.Credentials.APIKey = v
	}
	if v := os.Getenv("TIDEMARK_API_SECRET"); v != "" {
		c.Credentials.APISecret = v
	}
	if v := os.Getenv("TIDEMARK_PUBLIC_URL"); v != "" {
		c.Stream.PublicURL = v
	}
	if v := os.Getenv("TIDEMARK_PRIVATE_URL"); v != "" {
		c.Stream.PrivateURL = v
	}
}

func (c *Config) normalise() {
	c.Stream.PublicURL = strings.TrimSpace(c.Stream.PublicURL)
	c.Stream.PrivateURL = strings.TrimSpace(c.Stream.PrivateURL)
	c.Credentials.APIKey = strings.TrimSpace(c.Credentials.APIKey)
	c.Credentials.APISecret = strings.TrimSpace(c.Credentials.APISecret)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	for i, symbol := range c.Market.Symbols {
		c.Market.Symbols[i] = strings.ToUpper(strings.TrimSpace(symbol))
	}
	for i, interval := range c.Market.Intervals {
		c.Market.Intervals[i] = strings.TrimSpace(interval)
	}
}

// Validate performs semantic validation on the configuration.
func (c Config) Validate() error {
	if c.Stream.PublicURL == "" {
		return fmt.Errorf("stream publicUrl required")
	}
	if len(c.Market.Symbols) == 0 {
		return fmt.Errorf("market symbols must name at least one instrument")
	}
	for _, symbol := range c.Market.Symbols {
		if symbol == "" {
			return fmt.Errorf("market symbols must not contain empty entries")
		}
	}
	for _, interval := range c.Market.Intervals {
		if interval == "" {
			return fmt.Errorf("market intervals must not contain empty entries")
		}
	}
	if c.Market.Depth <= 0 {
		return fmt.Errorf("market depth must be >0")
	}
	if c.Market.KlineCap < 0 {
		return fmt.Errorf("market klineCap must be >=0")
	}
	if c.Connection.BackoffMultiplier != 0 && c.Connection.BackoffMultiplier <= 1 {
		return fmt.Errorf("connection backoffMultiplier must be >1")
	}
	if c.Connection.MaxAttempts < 0 {
		return fmt.Errorf("connection maxAttempts must be >=0")
	}
	if c.Bus.BufferSize <= 0 {
		return fmt.Errorf("bus bufferSize must be >0")
	}
	if (c.Credentials.APIKey == "") != (c.Credentials.APISecret == "") {
		return fmt.Errorf("credentials apiKey and apiSecret must be set together")
	}
	if c.Credentials.APIKey != "" && c.Stream.PrivateURL == "" {
		return fmt.Errorf("stream privateUrl required when credentials are set")
	}
	if c.Telemetry.Enabled && c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required when enabled")
	}
	return nil
}

// Engine maps the file configuration onto the engine's runtime config.
func (c Config) Engine() engine.Config {
	return engine.Config{
		PublicURL:         c.Stream.PublicURL,
		PrivateURL:        c.Stream.PrivateURL,
		Symbols:           c.Market.Symbols,
		Intervals:         c.Market.Intervals,
		Depth:             c.Market.Depth,
		KlineCap:          c.Market.KlineCap,
		StrictBook:        c.Market.StrictBook,
		APIKey:            c.Credentials.APIKey,
		APISecret:         c.Credentials.APISecret,
		HeartbeatInterval: c.Connection.HeartbeatInterval,
		BackoffBase:       c.Connection.BackoffBase,
		BackoffMultiplier: c.Connection.BackoffMultiplier,
		MaxAttempts:       c.Connection.MaxAttempts,
		BusBufferSize:     c.Bus.BufferSize,
	}
}
