package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"sharemarket/observability/logging"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText implements encoding.TextUnmarshaler for the TOML decoder.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for marketd.
type Config struct {
	ListenAddress   string          `yaml:"listen" toml:"listen"`
	Environment     string          `yaml:"env" toml:"env"`
	GenesisPath     string          `yaml:"genesis" toml:"genesis"`
	DatabasePath    string          `yaml:"database" toml:"database"`
	ShutdownTimeout Duration        `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	Log             LogConfig       `yaml:"log" toml:"log"`
	Auth            AuthConfig      `yaml:"auth" toml:"auth"`
	RateLimit       RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Stream          StreamConfig    `yaml:"stream" toml:"stream"`
	Telemetry       TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
}

// LogConfig tunes the structured logger.
type LogConfig struct {
	Level string              `yaml:"level" toml:"level"`
	File  *logging.FileConfig `yaml:"file" toml:"file"`
}

// AuthConfig configures bearer token verification. Tokens carry the caller's
// marketplace address in the subject claim and their permissions as scopes.
type AuthConfig struct {
	HMACSecret string   `yaml:"hmac_secret" toml:"hmac_secret"`
	Issuer     string   `yaml:"issuer" toml:"issuer"`
	Audience   string   `yaml:"audience" toml:"audience"`
	ScopeClaim string   `yaml:"scope_claim" toml:"scope_claim"`
	ClockSkew  Duration `yaml:"clock_skew" toml:"clock_skew"`
}

// RateLimitConfig bounds per-client request rates on the public API.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// StreamConfig tunes the websocket event stream. Origins lists the accepted
// websocket origin patterns besides the host itself.
type StreamConfig struct {
	Buffer       int      `yaml:"buffer" toml:"buffer"`
	WriteTimeout Duration `yaml:"write_timeout" toml:"write_timeout"`
	Origins      []string `yaml:"origins" toml:"origins"`
}

// TelemetryConfig configures the OTLP exporters.
type TelemetryConfig struct {
	Endpoint    string            `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool              `yaml:"insecure" toml:"insecure"`
	Headers     map[string]string `yaml:"headers" toml:"headers"`
	SampleRatio float64           `yaml:"sample_ratio" toml:"sample_ratio"`
}

// Load reads configuration from the supplied path. Files ending in .toml are
// decoded as TOML, everything else as YAML.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		meta, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return cfg, fmt.Errorf("decode config: unknown key %q", undecoded[0].String())
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "/var/data/marketd.sqlite"
	}
	if cfg.ShutdownTimeout.Duration == 0 {
		cfg.ShutdownTimeout.Duration = 5 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Auth.ScopeClaim == "" {
		cfg.Auth.ScopeClaim = "scope"
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 600
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 50
	}
	if cfg.Stream.Buffer == 0 {
		cfg.Stream.Buffer = 256
	}
	if cfg.Stream.WriteTimeout.Duration == 0 {
		cfg.Stream.WriteTimeout.Duration = 10 * time.Second
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.GenesisPath) == "" {
		return fmt.Errorf("genesis path must be configured")
	}
	if strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth.hmac_secret must be configured")
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}
	if cfg.Telemetry.SampleRatio < 0 {
		return fmt.Errorf("telemetry.sample_ratio must not be negative")
	}
	return nil
}
