package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Bridge  BridgeConfig  `yaml:"bridge"`
	Dev     DevConfig     `yaml:"dev"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig holds listener and host server settings.
type ServerConfig struct {
	Address string    `yaml:"address"`
	Port    int       `yaml:"port"`
	Host    string    `yaml:"host"` // "nethttp" or "fasthttp"
	H2C     bool      `yaml:"h2c"`
	TLS     TLSConfig `yaml:"tls"`

	ReadTimeout        Duration  `yaml:"read_timeout"`
	WriteTimeout       Duration  `yaml:"write_timeout"`
	IdleTimeout        Duration  `yaml:"idle_timeout"`
	MaxRequestBodySize SizeBytes `yaml:"max_request_body_size"`
	// StreamRequestBody hands request bodies to handlers without buffering
	// them first. fasthttp only.
	StreamRequestBody bool   `yaml:"stream_request_body"`
	StaticDir         string `yaml:"static_dir"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// TLSConfig holds TLS certificate configuration.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// RateLimitConfig is a per client IP token bucket. RPS <= 0 disables it.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// BridgeConfig tunes response framing.
type BridgeConfig struct {
	MaxBufferSize   SizeBytes `yaml:"max_buffer_size"`
	BufferableTypes []string  `yaml:"bufferable_types"`
	StreamingTypes  []string  `yaml:"streaming_types"`
	HandlerTimeout  Duration  `yaml:"handler_timeout"`
}

// DevConfig holds development server settings.
type DevConfig struct {
	Base               string            `yaml:"base"`
	Exclude            []string          `yaml:"exclude"`
	InjectClientScript bool              `yaml:"inject_client_script"`
	ClientScript       string            `yaml:"client_script"`
	Env                map[string]string `yaml:"env"`
	// ForwardErrors hands application failures to the host fallback
	// instead of answering 500/504.
	ForwardErrors bool `yaml:"forward_errors"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// MetricsConfig controls the prometheus endpoint. Enabled defaults to true.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// On reports whether metrics are enabled.
func (m MetricsConfig) On() bool { return m.Enabled == nil || *m.Enabled }

// SizeBytes represents a number of bytes, unmarshaled from human-friendly strings like "64MB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	v, err := ParseSizeBytes(node.Value)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSizeBytes parses "1MB", "512KiB" or a plain byte count.
func ParseSizeBytes(raw string) (SizeBytes, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		return SizeBytes(v), nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return SizeBytes(i), nil
	}
	return 0, fmt.Errorf("invalid size value: %q", raw)
}

func (s SizeBytes) Int64() int64 { return int64(s) }

func (s SizeBytes) String() string { return humanize.IBytes(uint64(s)) }

// Duration is a wrapper around time.Duration that supports YAML parsing from strings like "100ms" or plain numbers (interpreted as seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = 0
		return nil
	}
	v, err := ParseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// ParseDuration parses a Go duration string or a number of seconds.
func ParseDuration(raw string) (Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		return Duration(td), nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return Duration(time.Duration(f * float64(time.Second))), nil
	}
	return 0, fmt.Errorf("invalid duration value: %q", raw)
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }
