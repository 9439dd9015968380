// Package router is a minimal fasthttp router for the host endpoints that
// sit beside the bridge (health, readiness, metrics). Unmatched requests go
// to the NotFound handler, which the app points at the bridge.
package router

import (
	"strings"

	"github.com/valyala/fasthttp"
)

// Router dispatches by method and path. Paths may carry {name} segments,
// exposed through ctx.UserValue(name).
type Router struct {
	routes   map[string][]route
	notFound fasthttp.RequestHandler
}

type route struct {
	segments []segment
	handler  fasthttp.RequestHandler
}

type segment struct {
	name    string
	isParam bool
}

// anyMethod keys routes registered for every method.
const anyMethod = "*"

// New constructs a new Router.
func New() *Router {
	return &Router{routes: make(map[string][]route)}
}

// Handler satisfies the fasthttp.Server handler interface.
func (r *Router) Handler(ctx *fasthttp.RequestCtx) {
	method := string(ctx.Method())
	path := string(ctx.Path())
	if r.dispatch(ctx, method, path) {
		return
	}
	// HEAD is served by GET routes; fasthttp drops the body
	if method == fasthttp.MethodHead && r.dispatch(ctx, fasthttp.MethodGet, path) {
		return
	}
	if r.dispatch(ctx, anyMethod, path) {
		return
	}
	if r.notFound != nil {
		r.notFound(ctx)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNotFound)
}

func (r *Router) dispatch(ctx *fasthttp.RequestCtx, method, path string) bool {
	for _, rt := range r.routes[method] {
		if values, ok := match(path, rt.segments); ok {
			for k, v := range values {
				ctx.SetUserValue(k, v)
			}
			rt.handler(ctx)
			return true
		}
	}
	return false
}

// GET registers a GET handler.
func (r *Router) GET(path string, h fasthttp.RequestHandler) {
	r.Handle(fasthttp.MethodGet, path, h)
}

// ANY registers a handler for every method.
func (r *Router) ANY(path string, h fasthttp.RequestHandler) {
	r.Handle(anyMethod, path, h)
}

// Handle registers h for method and path.
func (r *Router) Handle(method, path string, h fasthttp.RequestHandler) {
	r.routes[method] = append(r.routes[method], route{segments: parse(path), handler: h})
}

// NotFound registers a handler for unmatched routes.
func (r *Router) NotFound(h fasthttp.RequestHandler) {
	r.notFound = h
}

func parse(path string) []segment {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return []segment{{}}
	}
	parts := strings.Split(path, "/")
	segs := make([]segment, len(parts))
	for i, part := range parts {
		if len(part) > 2 && strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
			segs[i] = segment{name: part[1 : len(part)-1], isParam: true}
		} else {
			segs[i] = segment{name: part}
		}
	}
	return segs
}

func match(path string, segs []segment) (map[string]string, bool) {
	path = strings.TrimPrefix(path, "/")
	if len(segs) == 1 && !segs[0].isParam && segs[0].name == "" {
		return map[string]string{}, path == ""
	}
	var parts []string
	if path != "" {
		parts = strings.Split(path, "/")
	}
	if len(parts) != len(segs) {
		return nil, false
	}
	values := make(map[string]string)
	for i, seg := range segs {
		if seg.isParam {
			values[seg.name] = parts[i]
			continue
		}
		if seg.name != parts[i] {
			return nil, false
		}
	}
	return values, true
}
