package app

import (
	"errors"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"fetchbridge/pkg/config"
	"fetchbridge/pkg/router"
)

// readyzHandler handles the /readyz endpoint.
func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !a.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("{\"status\":\"not ready\"}"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("{\"status\":\"ok\",\"version\":\"" + a.versionOrDev() + "\"}"))
}

// healthzHandler handles the /healthz endpoint.
func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("{\"status\":\"ok\"}"))
}

// readyzHandlerFast handles the /readyz endpoint (fasthttp).
func (a *App) readyzHandlerFast(ctx *fasthttp.RequestCtx) {
	ctx.SetContentType("application/json")
	if !a.ready.Load() {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		_, _ = ctx.WriteString("{\"status\":\"not ready\"}")
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	_, _ = ctx.WriteString("{\"status\":\"ok\",\"version\":\"" + a.versionOrDev() + "\"}")
}

// healthzHandlerFast handles the /healthz endpoint (fasthttp).
func healthzHandlerFast(ctx *fasthttp.RequestCtx) {
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)
	_, _ = ctx.WriteString("{\"status\":\"ok\"}")
}

func (a *App) versionOrDev() string {
	if a.version == "" {
		return "dev"
	}
	return a.version
}

func (a *App) metricsHandler() http.Handler {
	return promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})
}

// netHandler builds the net/http handler: host endpoints on a mux router,
// everything else through the bridge with the static handler as fallback.
func (a *App) netHandler() http.Handler {
	cfg := a.eff.Config

	r := mux.NewRouter()
	// the bridge sees the target as sent
	r.SkipClean(true)
	r.HandleFunc("/healthz", healthzHandler).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/readyz", a.readyzHandler).Methods(http.MethodGet, http.MethodHead)
	if cfg.Metrics.On() {
		r.Handle(cfg.Metrics.Path, a.metricsHandler()).Methods(http.MethodGet)
	}
	r.PathPrefix("/").Handler(a.dev.NetHTTP(staticHandler(cfg.Server.StaticDir)))

	var h http.Handler = r
	if a.limiter != nil {
		h = a.limiter.Middleware(h)
	}
	if cfg.Server.H2C {
		h = h2c.NewHandler(h, &http2.Server{IdleTimeout: cfg.Server.IdleTimeout.Duration()})
	}
	return h
}

func staticHandler(dir string) http.Handler {
	if dir == "" {
		return http.NotFoundHandler()
	}
	return http.FileServer(http.Dir(dir))
}

// fastHandler builds the fasthttp handler: host endpoints on the router,
// unmatched requests through the bridge with the static handler as fallback.
func (a *App) fastHandler() fasthttp.RequestHandler {
	cfg := a.eff.Config

	r := router.New()
	r.GET("/healthz", healthzHandlerFast)
	r.GET("/readyz", a.readyzHandlerFast)
	if cfg.Metrics.On() {
		r.GET(cfg.Metrics.Path, fasthttpadaptor.NewFastHTTPHandler(a.metricsHandler()))
	}
	r.NotFound(a.dev.FastHTTP(staticHandlerFast(cfg.Server.StaticDir)))

	h := r.Handler
	if a.limiter != nil {
		h = a.limiter.MiddlewareFast(h)
	}
	return h
}

func staticHandlerFast(dir string) fasthttp.RequestHandler {
	if dir == "" {
		return func(ctx *fasthttp.RequestCtx) {
			ctx.Error(http.StatusText(http.StatusNotFound), fasthttp.StatusNotFound)
		}
	}
	fs := &fasthttp.FS{
		Root:            dir,
		IndexNames:      []string{"index.html"},
		AcceptByteRange: true,
		PathNotFound: func(ctx *fasthttp.RequestCtx) {
			ctx.Error(http.StatusText(http.StatusNotFound), fasthttp.StatusNotFound)
		},
	}
	return fs.NewRequestHandler()
}

// serve starts the configured host server on ln in a goroutine and returns
// a channel that delivers its terminal error.
func (a *App) serve(ln net.Listener) <-chan error {
	cfg := a.eff.Config
	errCh := make(chan error, 1)

	if cfg.Server.Host == config.HostFastHTTP {
		a.srvFast = &fasthttp.Server{
			Name:                 "fetchbridge",
			Handler:              a.fastHandler(),
			ReadTimeout:          cfg.Server.ReadTimeout.Duration(),
			WriteTimeout:         cfg.Server.WriteTimeout.Duration(),
			IdleTimeout:          cfg.Server.IdleTimeout.Duration(),
			MaxRequestBodySize:   int(cfg.Server.MaxRequestBodySize.Int64()),
			StreamRequestBody:    cfg.Server.StreamRequestBody,
			NoDefaultContentType: true,
			CloseOnShutdown:      true,
		}
		a.ready.Store(true)
		a.state.Store("running")
		go func() {
			errCh <- a.srvFast.Serve(ln)
		}()
		return errCh
	}

	a.srv = &http.Server{
		Handler:     http.MaxBytesHandler(a.netHandler(), cfg.Server.MaxRequestBodySize.Int64()),
		ReadTimeout: cfg.Server.ReadTimeout.Duration(),
		// zero keeps long streams open
		WriteTimeout: cfg.Server.WriteTimeout.Duration(),
		IdleTimeout:  cfg.Server.IdleTimeout.Duration(),
	}
	a.ready.Store(true)
	a.state.Store("running")
	go func() {
		var err error
		if cert, key := cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile; cert != "" && key != "" {
			err = a.srv.ServeTLS(ln, cert, key)
		} else {
			err = a.srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()
	return errCh
}
