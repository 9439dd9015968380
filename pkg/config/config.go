package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	HostNetHTTP  = "nethttp"
	HostFastHTTP = "fasthttp"
)

const (
	defaultAddress            = "0.0.0.0"
	defaultPort               = 8080
	defaultReadTimeout        = 10 * time.Second
	defaultIdleTimeout        = 60 * time.Second
	defaultMaxRequestBodySize = 4 * 1024 * 1024  // 4 MiB
	defaultMaxBufferSize      = 16 * 1024 * 1024 // 16 MiB
	defaultRateBurst          = 100
	defaultMetricsPath        = "/metrics"
	defaultClientScript       = "/@vite/client"
)

// Addr returns the listen address as host:port.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = defaultAddress
	}
	port := c.Server.Port
	if port == 0 {
		port = defaultPort
	}
	return fmt.Sprintf("%s:%d", addr, port)
}

// LoadConfigFile reads and parses a config file.
func LoadConfigFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// ValidateConfig applies defaults and validates values in the config. It
// mutates the receiver to fill in missing defaults.
func (c *Config) ValidateConfig() error {
	s := &c.Server
	if s.Host == "" {
		s.Host = HostNetHTTP
	}
	if s.Host != HostNetHTTP && s.Host != HostFastHTTP {
		return fmt.Errorf("invalid server.host %q: want %s or %s", s.Host, HostNetHTTP, HostFastHTTP)
	}
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", s.Port)
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = Duration(defaultReadTimeout)
	}
	// WriteTimeout stays 0 by default: streams may run as long as the client stays
	if s.IdleTimeout == 0 {
		s.IdleTimeout = Duration(defaultIdleTimeout)
	}
	if s.MaxRequestBodySize == 0 {
		s.MaxRequestBodySize = SizeBytes(defaultMaxRequestBodySize)
	}
	if s.RateLimit.RPS > 0 && s.RateLimit.Burst <= 0 {
		s.RateLimit.Burst = defaultRateBurst
	}
	if s.H2C && s.Host == HostFastHTTP {
		return fmt.Errorf("server.h2c requires server.host %s", HostNetHTTP)
	}
	if s.StreamRequestBody && s.Host != HostFastHTTP {
		return fmt.Errorf("server.stream_request_body requires server.host %s", HostFastHTTP)
	}

	cert, key := s.TLS.CertFile, s.TLS.KeyFile
	if (cert != "" && key == "") || (cert == "" && key != "") {
		return fmt.Errorf("incomplete TLS configuration: both server.tls.cert_file and server.tls.key_file must be set")
	}
	if cert != "" {
		if s.Host == HostFastHTTP {
			return fmt.Errorf("server.tls requires server.host %s", HostNetHTTP)
		}
		if _, err := os.Stat(cert); err != nil {
			return fmt.Errorf("tls cert file not accessible: %w", err)
		}
		if _, err := os.Stat(key); err != nil {
			return fmt.Errorf("tls key file not accessible: %w", err)
		}
	}

	if c.Bridge.MaxBufferSize == 0 {
		c.Bridge.MaxBufferSize = SizeBytes(defaultMaxBufferSize)
	}
	if c.Bridge.MaxBufferSize < 0 {
		return fmt.Errorf("invalid bridge.max_buffer_size %d", c.Bridge.MaxBufferSize)
	}
	if c.Bridge.HandlerTimeout < 0 {
		return fmt.Errorf("invalid bridge.handler_timeout %s", c.Bridge.HandlerTimeout.Duration())
	}

	if c.Dev.InjectClientScript && c.Dev.ClientScript == "" {
		c.Dev.ClientScript = defaultClientScript
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = defaultMetricsPath
	}
	if c.Metrics.Path[0] != '/' {
		return fmt.Errorf("metrics.path must start with /: %q", c.Metrics.Path)
	}
	return nil
}

// ResolveConfigPath returns the config file path, preferring flag, then env.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("FETCHBRIDGE_CONFIG"); p != "" {
		return p
	}
	return flagPath
}
