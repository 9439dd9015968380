package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/valyala/fasthttp"

	"fetchbridge/pkg/banner"
	"fetchbridge/pkg/bridge"
	"fetchbridge/pkg/config"
	"fetchbridge/pkg/devserver"
	"fetchbridge/pkg/limiter"
	"fetchbridge/pkg/logger"
)

// App groups server state and components.
type App struct {
	eff       config.EffectiveConfigResult
	version   string
	commit    string
	buildDate string

	registry *prometheus.Registry
	metrics  *bridge.Metrics
	dev      *devserver.Server
	limiter  *limiter.Pool

	srv     *http.Server
	srvFast *fasthttp.Server
	ready   atomic.Bool
	state   atomic.Value
}

// New wires the bridge, dev server and host handlers from a validated
// config. It does not listen; Run does.
func New(eff config.EffectiveConfigResult, version, commit, buildDate string) (*App, error) {
	if eff.Config == nil {
		return nil, errors.New("app: nil config")
	}
	cfg := eff.Config

	a := &App{eff: eff, version: version, commit: commit, buildDate: buildDate}
	a.state.Store("new")

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = bridge.NewMetrics(a.registry)

	dev, err := devserver.New(newDemo(), devserver.Options{
		Base:               cfg.Dev.Base,
		Exclude:            cfg.Dev.Exclude,
		InjectClientScript: cfg.Dev.InjectClientScript,
		ClientScriptSrc:    cfg.Dev.ClientScript,
		ForwardErrors:      cfg.Dev.ForwardErrors,
		HandlerTimeout:     cfg.Bridge.HandlerTimeout.Duration(),
		Env:                devserver.Env(cfg.Dev.Env),
		Adapter:            hostAdapter(eff, version),
		Bridge: bridge.Options{
			Policy: bridge.FramingPolicy{
				Bufferable: cfg.Bridge.BufferableTypes,
				Streaming:  cfg.Bridge.StreamingTypes,
			},
			MaxBufferSize: cfg.Bridge.MaxBufferSize.Int64(),
			Metrics:       a.metrics,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dev server: %w", err)
	}
	a.dev = dev

	if rl := cfg.Server.RateLimit; rl.RPS > 0 {
		a.limiter = limiter.NewPool(rl.RPS, rl.Burst)
	}

	logger.LogConfigSummary("config_bridge_summary", []string{
		fmt.Sprintf("host: %s", cfg.Server.Host),
		fmt.Sprintf("max_buffer_size: %s", cfg.Bridge.MaxBufferSize),
		fmt.Sprintf("handler_timeout: %s", cfg.Bridge.HandlerTimeout.Duration()),
		fmt.Sprintf("dev_base: %q", cfg.Dev.Base),
		fmt.Sprintf("forward_errors: %t", cfg.Dev.ForwardErrors),
	})
	return a, nil
}

// hostAdapter exposes host facts to the app as env entries.
func hostAdapter(eff config.EffectiveConfigResult, version string) devserver.AdapterFunc {
	env := devserver.Env{
		"FETCHBRIDGE_HOST":    eff.Config.Server.Host,
		"FETCHBRIDGE_VERSION": version,
	}
	return func(context.Context) (*devserver.Adapter, error) {
		return &devserver.Adapter{
			Env: env,
			OnServerClose: func(context.Context) error {
				logger.Info("dev_server_closed")
				return nil
			},
		}, nil
	}
}

// Run listens on the configured address and blocks until ctx is cancelled
// or the server fails.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.eff.Config.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.eff.Config.Addr(), err)
	}
	a.printBanner()

	errCh := a.serve(ln)
	logger.Info("server_started", "addr", ln.Addr().String(), "host", a.eff.Config.Server.Host)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// printBanner prints the startup banner and build info.
func (a *App) printBanner() {
	verStr := a.version
	if a.commit != "" && a.commit != "none" {
		verStr += " (" + a.commit + ")"
	}
	if a.buildDate != "" && a.buildDate != "unknown" {
		verStr += " @ " + a.buildDate
	}
	banner.Print(os.Stdout, a.eff, verStr)
}
