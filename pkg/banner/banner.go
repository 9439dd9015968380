package banner

import (
	"fmt"
	"io"
	"strings"

	"fetchbridge/pkg/config"
)

const banner = `
 ___    _       _    _          _    _
| __|__| |_ __ | |_ | |__  _ _ (_)__| |__ _ ___
| _/ -_)  _/ _|| ' \| '_ \| '_|| / _' / _' / -_)
|_|\___|\__\__||_||_|_.__/|_|  |_\__,_\__, \___|
                                      |___/
`

// Print writes the banner and a summary of the effective config to w.
func Print(w io.Writer, eff config.EffectiveConfigResult, version string) {
	cfg := eff.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	addr := eff.Addr
	if addr == "" {
		addr = cfg.Addr()
	}
	src := eff.Source
	if src == "" {
		src = "flags"
	}
	scheme := "http"
	if cfg.Server.TLS.CertFile != "" {
		scheme = "https"
	}

	fmt.Fprint(w, banner)
	fmt.Fprintln(w, "== Config =====================================================")
	fmt.Fprintf(w, "Listen:   %s://%s\n", scheme, addr)
	fmt.Fprintf(w, "Host:     %s\n", cfg.Server.Host)
	if version != "" {
		fmt.Fprintf(w, "Version:  %s\n", version)
	}
	fmt.Fprintf(w, "Config:   %s\n", src)

	fmt.Fprintln(w, "\n== Bridge =====================================================")
	fmt.Fprintf(w, "- Max buffer: %s\n", cfg.Bridge.MaxBufferSize)
	fmt.Fprintf(w, "- Bufferable types: %s\n", listOrDefault(cfg.Bridge.BufferableTypes))
	fmt.Fprintf(w, "- Streaming types: %s\n", listOrDefault(cfg.Bridge.StreamingTypes))
	if t := cfg.Bridge.HandlerTimeout.Duration(); t > 0 {
		fmt.Fprintf(w, "- Handler timeout: %s\n", t)
	} else {
		fmt.Fprintln(w, "- Handler timeout: none")
	}

	fmt.Fprintln(w, "\n== Host =======================================================")
	if cfg.Server.H2C {
		fmt.Fprintln(w, "- h2c: enabled")
	}
	if cfg.Server.RateLimit.RPS > 0 {
		fmt.Fprintf(w, "- Rate limit: %.0f rps (burst %d)\n", cfg.Server.RateLimit.RPS, cfg.Server.RateLimit.Burst)
	} else {
		fmt.Fprintln(w, "- Rate limit: disabled")
	}
	if cfg.Server.StaticDir != "" {
		fmt.Fprintf(w, "- Static fallback: %s\n", cfg.Server.StaticDir)
	} else {
		fmt.Fprintln(w, "- Static fallback: none (404)")
	}
	if cfg.Metrics.On() {
		fmt.Fprintf(w, "- Metrics: %s\n", cfg.Metrics.Path)
	} else {
		fmt.Fprintln(w, "- Metrics: disabled")
	}

	fmt.Fprintln(w, "\n== Dev ========================================================")
	base := cfg.Dev.Base
	if base == "" {
		base = "/"
	}
	fmt.Fprintf(w, "- Base: %s\n", base)
	if cfg.Dev.InjectClientScript {
		fmt.Fprintf(w, "- Client script: %s\n", cfg.Dev.ClientScript)
	}
	if cfg.Dev.ForwardErrors {
		fmt.Fprintln(w, "- App errors: forwarded to host")
	}
	fmt.Fprintln(w)
}

func listOrDefault(v []string) string {
	if v == nil {
		return "default"
	}
	if len(v) == 0 {
		return "none"
	}
	return strings.Join(v, ", ")
}
