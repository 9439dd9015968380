package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
)

// Flags holds command-line values and which of them were set explicitly.
type Flags struct {
	Addr   string
	Config string
	Host   string
	Set    map[string]bool
}

// EnvResult reports what ParseConfigEnvs found.
type EnvResult struct {
	EnvUsed bool
	// Invalid lists variables whose values could not be parsed.
	Invalid []string
}

// EffectiveConfigResult is the config the process runs with.
type EffectiveConfigResult struct {
	Config *Config
	Addr   string
	Source string // "flags", "config" or "env"
}

// ParseConfigFile loads the config file named by flags or the environment.
// A missing file is not an error unless it was asked for explicitly.
func ParseConfigFile(flags Flags) (*Config, bool, error) {
	path := ResolveConfigPath(flags.Config, flags.Set["config"])
	if path == "" {
		return &Config{}, false, nil
	}
	cfg, err := LoadConfigFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Config{}, false, nil
		}
		return nil, false, err
	}
	return cfg, true, nil
}

var envKeys = []string{
	"ADDR",
	"SERVER_ADDRESS",
	"SERVER_PORT",
	"SERVER_HOST",
	"SERVER_H2C",
	"TLS_CERT",
	"TLS_KEY",
	"READ_TIMEOUT",
	"WRITE_TIMEOUT",
	"IDLE_TIMEOUT",
	"MAX_REQUEST_BODY_SIZE",
	"STREAM_REQUEST_BODY",
	"STATIC_DIR",
	"RATE_RPS",
	"RATE_BURST",
	"MAX_BUFFER_SIZE",
	"BUFFERABLE_TYPES",
	"STREAMING_TYPES",
	"HANDLER_TIMEOUT",
	"DEV_BASE",
	"DEV_EXCLUDE",
	"DEV_INJECT_CLIENT_SCRIPT",
	"DEV_CLIENT_SCRIPT",
	"DEV_FORWARD_ERRORS",
	"LOG_LEVEL",
	"METRICS_ENABLED",
	"METRICS_PATH",
}

// ParseConfigEnvs loads FETCHBRIDGE_* variables into a new Config.
func ParseConfigEnvs() (*Config, EnvResult) {
	envs := make(map[string]string, len(envKeys))
	var res EnvResult
	for _, k := range envKeys {
		if v := strings.TrimSpace(os.Getenv("FETCHBRIDGE_" + k)); v != "" {
			envs[k] = v
			res.EnvUsed = true
		}
	}
	cfg := &Config{}
	bad := func(k string) { res.Invalid = append(res.Invalid, "FETCHBRIDGE_"+k) }

	if v := envs["ADDR"]; v != "" {
		if h, p, err := net.SplitHostPort(v); err == nil {
			cfg.Server.Address = h
			cfg.Server.Port = parsePort(p)
		} else {
			cfg.Server.Address = v
		}
	} else {
		cfg.Server.Address = envs["SERVER_ADDRESS"]
		if v := envs["SERVER_PORT"]; v != "" {
			if cfg.Server.Port = parsePort(v); cfg.Server.Port == 0 {
				bad("SERVER_PORT")
			}
		}
	}
	cfg.Server.Host = strings.ToLower(envs["SERVER_HOST"])
	cfg.Server.H2C = parseBool(envs["SERVER_H2C"])
	cfg.Server.TLS.CertFile = envs["TLS_CERT"]
	cfg.Server.TLS.KeyFile = envs["TLS_KEY"]
	cfg.Server.StreamRequestBody = parseBool(envs["STREAM_REQUEST_BODY"])
	cfg.Server.StaticDir = envs["STATIC_DIR"]

	durations := map[string]*Duration{
		"READ_TIMEOUT":    &cfg.Server.ReadTimeout,
		"WRITE_TIMEOUT":   &cfg.Server.WriteTimeout,
		"IDLE_TIMEOUT":    &cfg.Server.IdleTimeout,
		"HANDLER_TIMEOUT": &cfg.Bridge.HandlerTimeout,
	}
	for k, dst := range durations {
		if v := envs[k]; v != "" {
			d, err := ParseDuration(v)
			if err != nil {
				bad(k)
				continue
			}
			*dst = d
		}
	}
	sizes := map[string]*SizeBytes{
		"MAX_REQUEST_BODY_SIZE": &cfg.Server.MaxRequestBodySize,
		"MAX_BUFFER_SIZE":       &cfg.Bridge.MaxBufferSize,
	}
	for k, dst := range sizes {
		if v := envs[k]; v != "" {
			s, err := ParseSizeBytes(v)
			if err != nil {
				bad(k)
				continue
			}
			*dst = s
		}
	}

	if v := envs["RATE_RPS"]; v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Server.RateLimit.RPS = f
		} else {
			bad("RATE_RPS")
		}
	}
	if v := envs["RATE_BURST"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.RateLimit.Burst = n
		} else {
			bad("RATE_BURST")
		}
	}

	cfg.Bridge.BufferableTypes = parseList(envs["BUFFERABLE_TYPES"])
	cfg.Bridge.StreamingTypes = parseList(envs["STREAMING_TYPES"])

	cfg.Dev.Base = envs["DEV_BASE"]
	cfg.Dev.Exclude = parseList(envs["DEV_EXCLUDE"])
	cfg.Dev.InjectClientScript = parseBool(envs["DEV_INJECT_CLIENT_SCRIPT"])
	cfg.Dev.ClientScript = envs["DEV_CLIENT_SCRIPT"]
	cfg.Dev.ForwardErrors = parseBool(envs["DEV_FORWARD_ERRORS"])

	cfg.Logging.Level = envs["LOG_LEVEL"]
	if v := envs["METRICS_ENABLED"]; v != "" {
		on := parseBool(v)
		cfg.Metrics.Enabled = &on
	}
	cfg.Metrics.Path = envs["METRICS_PATH"]

	return cfg, res
}

// LoadEffectiveConfig picks the config source: an explicitly requested file
// wins, then a file found on disk, then the environment. Explicit --addr and
// --host flags are applied on top of whichever source won.
func LoadEffectiveConfig(flags Flags, fileCfg *Config, fileExists bool, envCfg *Config, envRes EnvResult) (EffectiveConfigResult, error) {
	var res EffectiveConfigResult

	switch {
	case flags.Set["config"] && !fileExists:
		return res, fmt.Errorf("config file %s not found", flags.Config)
	case fileExists:
		res.Config = fileCfg
		res.Source = "config"
	default:
		if len(envRes.Invalid) > 0 {
			return res, fmt.Errorf("invalid environment values: %s", strings.Join(envRes.Invalid, ", "))
		}
		res.Config = envCfg
		res.Source = "env"
	}

	if flags.Set["addr"] {
		h, p, err := net.SplitHostPort(flags.Addr)
		if err != nil {
			return res, fmt.Errorf("invalid --addr %q: %w", flags.Addr, err)
		}
		res.Config.Server.Address = h
		res.Config.Server.Port = parsePort(p)
		res.Source = "flags"
	}
	if flags.Set["host"] {
		res.Config.Server.Host = strings.ToLower(flags.Host)
		res.Source = "flags"
	}
	res.Addr = res.Config.Addr()
	return res, nil
}

func parseList(v string) []string {
	if v == "" {
		return nil
	}
	var parts []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			parts = append(parts, s)
		}
	}
	return parts
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

func parsePort(p string) int {
	n, err := strconv.Atoi(strings.TrimSpace(p))
	if err != nil || n < 0 || n > 65535 {
		return 0
	}
	return n
}
