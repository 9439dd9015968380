// Package devserver runs an application behind the bridge the way a frontend
// dev server mounts a backend: asset requests fall through to the host, the
// app gets a merged environment and an execution context, and HTML responses
// get the dev client script.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fasthttp"

	"fetchbridge/pkg/bridge"
	"fetchbridge/pkg/httpx"
	"fetchbridge/pkg/logger"
)

// ErrPassThroughUnsupported is returned by the default execution context.
var ErrPassThroughUnsupported = errors.New("devserver: PassThroughOnException is not supported")

// Env is the bindings map handed to the app on every request.
type Env map[string]string

// EnvFunc produces env entries per request.
type EnvFunc func(ctx context.Context) (Env, error)

// ExecutionContext lets the app extend an exchange past its response.
type ExecutionContext interface {
	// WaitUntil runs fn in the background; Close waits for it. Tasks
	// started after Close began are not run.
	WaitUntil(fn func(ctx context.Context) error)
	PassThroughOnException() error
}

// App is the application mounted on the dev server.
type App interface {
	Fetch(req *bridge.Request, env Env, ec ExecutionContext) (*bridge.Response, error)
}

// AppFunc adapts a function to App.
type AppFunc func(req *bridge.Request, env Env, ec ExecutionContext) (*bridge.Response, error)

func (f AppFunc) Fetch(req *bridge.Request, env Env, ec ExecutionContext) (*bridge.Response, error) {
	return f(req, env, ec)
}

// Plugin contributes env entries and a close hook.
type Plugin struct {
	Name          string
	Env           EnvFunc
	OnServerClose func(ctx context.Context) error
}

// Adapter describes the platform the app targets.
type Adapter struct {
	Env              Env
	ExecutionContext ExecutionContext
	OnServerClose    func(ctx context.Context) error
}

// AdapterFunc resolves the adapter. It is called per request and on close.
type AdapterFunc func(ctx context.Context) (*Adapter, error)

// Options configures a Server.
type Options struct {
	// Base mounts the app under a path prefix. Requests outside it go to
	// the host.
	Base string
	// Exclude patterns, see NewExcluder. nil selects DefaultExclude.
	Exclude []string
	// InjectClientScript appends ClientScript(ClientScriptSrc) to HTML
	// responses.
	InjectClientScript bool
	ClientScriptSrc    string
	// ForwardErrors hands app failures to the host fallback instead of
	// answering them.
	ForwardErrors bool
	// HandlerTimeout bounds the time until the app returns a response.
	// Zero means no bound.
	HandlerTimeout time.Duration

	Env     Env
	EnvFunc EnvFunc
	Plugins []Plugin
	Adapter AdapterFunc

	Bridge bridge.Options
}

// Server is an httpx.Exchanger running App.
type Server struct {
	app      App
	opts     Options
	bridge   *bridge.Bridge
	exclude  *Excluder
	guard    func(string) bool
	rewrite  func(*bridge.Request) *bridge.Request
	tasks    sync.WaitGroup
	closeMu  sync.Mutex
	isClosed bool
}

// New returns a Server for app.
func New(app App, opts Options) (*Server, error) {
	if app == nil {
		return nil, errors.New("devserver: nil app")
	}
	ex, err := NewExcluder(opts.Exclude)
	if err != nil {
		return nil, err
	}
	s := &Server{
		app:     app,
		opts:    opts,
		exclude: ex,
		guard:   BasePathGuard(opts.Base),
		rewrite: BasePathRewriter(opts.Base),
	}
	bo := opts.Bridge
	if opts.ForwardErrors {
		bo.ErrorHandler = forwardError
	}
	s.bridge = bridge.New(s.fetch, bo)
	return s, nil
}

// Handle implements httpx.Exchanger.
func (s *Server) Handle(ctx context.Context, in bridge.Incoming, out bridge.Outgoing) error {
	return s.bridge.Handle(ctx, in, out)
}

// Skip reports whether a request target bypasses the app.
func (s *Server) Skip(target string) bool {
	if s.exclude.Match(target) {
		return true
	}
	path, _ := SafeURLPath(target)
	return !s.guard(path)
}

// NetHTTP mounts the server on net/http with next as the host fallback.
func (s *Server) NetHTTP(next http.Handler) http.Handler {
	return httpx.NetHTTPAdapter(s, next, s.Skip)
}

// FastHTTP mounts the server on fasthttp with next as the host fallback.
func (s *Server) FastHTTP(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return httpx.FastHTTPAdapter(s, next, s.Skip)
}

type bindingsKey struct{}

// NativeBindings returns the native connection pair of the exchange ctx
// belongs to. Apps use it to write a response themselves.
func NativeBindings(ctx context.Context) (bridge.Bindings, bool) {
	b, ok := ctx.Value(bindingsKey{}).(bridge.Bindings)
	return b, ok
}

func (s *Server) fetch(req *bridge.Request, b bridge.Bindings) (*bridge.Response, error) {
	if s.rewrite != nil {
		req = s.rewrite(req)
	}

	ctx := context.WithValue(req.Context(), bindingsKey{}, b)
	env, adapter, err := s.env(ctx)
	if err != nil {
		return nil, err
	}
	ec := ExecutionContext(&waitGroupContext{s: s, ctx: ctx})
	if adapter != nil && adapter.ExecutionContext != nil {
		ec = adapter.ExecutionContext
	}

	res, err := s.call(ctx, req, env, ec)
	if err != nil || res == nil {
		// a nil response is rejected by the bridge
		return res, err
	}

	if s.opts.InjectClientScript && isHTML(res.Header.Get("Content-Type")) {
		return InjectString(res, ClientScript(s.opts.ClientScriptSrc))
	}
	return res, nil
}

func (s *Server) call(ctx context.Context, req *bridge.Request, env Env, ec ExecutionContext) (*bridge.Response, error) {
	if s.opts.HandlerTimeout <= 0 {
		return s.app.Fetch(req.WithContext(ctx), env, ec)
	}
	// only the wait for a response is bounded; streamed bodies keep the
	// signal after the app returns
	ctx, cancel := context.WithCancelCause(ctx)
	timer := time.AfterFunc(s.opts.HandlerTimeout, func() { cancel(context.DeadlineExceeded) })
	res, err := s.app.Fetch(req.WithContext(ctx), env, ec)
	if !timer.Stop() && err != nil {
		return nil, &bridge.Error{
			Phase:  bridge.PhaseHandler,
			Kind:   bridge.KindTimeout,
			Cause:  err,
			Detail: fmt.Sprintf("no response within %s", s.opts.HandlerTimeout),
		}
	}
	return res, err
}

// env merges static env, the env func, plugin envs and adapter env, later
// sources overriding earlier ones.
func (s *Server) env(ctx context.Context) (Env, *Adapter, error) {
	env := make(Env, len(s.opts.Env))
	for k, v := range s.opts.Env {
		env[k] = v
	}
	merge := func(src EnvFunc, name string) error {
		if src == nil {
			return nil
		}
		e, err := src(ctx)
		if err != nil {
			return fmt.Errorf("%s env: %w", name, err)
		}
		for k, v := range e {
			env[k] = v
		}
		return nil
	}
	if err := merge(s.opts.EnvFunc, "options"); err != nil {
		return nil, nil, err
	}
	for _, p := range s.opts.Plugins {
		if err := merge(p.Env, "plugin "+p.Name); err != nil {
			return nil, nil, err
		}
	}

	if s.opts.Adapter == nil {
		return env, nil, nil
	}
	adapter, err := s.opts.Adapter(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve adapter: %w", err)
	}
	if adapter != nil {
		for k, v := range adapter.Env {
			env[k] = v
		}
	}
	return env, adapter, nil
}

// Close waits for background tasks started through WaitUntil, bounded by
// ctx, then runs plugin and adapter close hooks in order.
func (s *Server) Close(ctx context.Context) error {
	s.closeMu.Lock()
	if s.isClosed {
		s.closeMu.Unlock()
		return nil
	}
	s.isClosed = true
	s.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()
	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("wait for background tasks: %w", ctx.Err()))
	}

	for _, p := range s.opts.Plugins {
		if p.OnServerClose == nil {
			continue
		}
		if err := p.OnServerClose(ctx); err != nil {
			errs = append(errs, fmt.Errorf("plugin %s close: %w", p.Name, err))
		}
	}
	if s.opts.Adapter != nil {
		adapter, err := s.opts.Adapter(ctx)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("resolve adapter: %w", err))
		case adapter != nil && adapter.OnServerClose != nil:
			if err := adapter.OnServerClose(ctx); err != nil {
				errs = append(errs, fmt.Errorf("adapter close: %w", err))
			}
		}
	}
	return errors.Join(errs...)
}

// waitGroupContext is the execution context used when the adapter brings
// none.
type waitGroupContext struct {
	s   *Server
	ctx context.Context
}

// WaitUntil drops fn once Close has started.
func (w *waitGroupContext) WaitUntil(fn func(ctx context.Context) error) {
	s := w.s
	s.closeMu.Lock()
	if s.isClosed {
		s.closeMu.Unlock()
		logger.Warn("background_task_rejected", "reason", "server closing")
		return
	}
	s.tasks.Add(1)
	s.closeMu.Unlock()

	ctx := context.WithoutCancel(w.ctx)
	go func() {
		defer w.s.tasks.Done()
		if err := fn(ctx); err != nil {
			logger.Warn("background_task_failed", "error", err)
		}
	}()
}

func (w *waitGroupContext) PassThroughOnException() error {
	return ErrPassThroughUnsupported
}

// forwardError declines every failure so the host fallback sees the request.
func forwardError(_ context.Context, err error) *bridge.Response {
	logger.Error("app_error_forwarded", "error", err)
	return nil
}

func isHTML(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.HasPrefix(strings.ToLower(contentType), "text/html")
	}
	return mt == "text/html"
}
