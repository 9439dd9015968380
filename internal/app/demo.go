package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"fetchbridge/pkg/bridge"
	"fetchbridge/pkg/devserver"
	"fetchbridge/pkg/logger"
)

const (
	defaultTick  = time.Second
	defaultDelay = 5 * time.Second
	maxEvents    = 1000
)

// demo is the application served when no other app is mounted. It shows
// each framing strategy the bridge picks.
type demo struct {
	tick time.Duration
}

func newDemo() devserver.App { return &demo{tick: defaultTick} }

func (d *demo) Fetch(req *bridge.Request, env devserver.Env, ec devserver.ExecutionContext) (*bridge.Response, error) {
	switch req.URL().Path {
	case "/":
		return bridge.Text(http.StatusOK, "Hello from fetchbridge!"), nil
	case "/page":
		res := bridge.NewResponse(http.StatusOK, bridge.String("<!doctype html><title>fetchbridge</title><h1>fetchbridge</h1>"))
		res.Header.Set("Content-Type", "text/html; charset=utf-8")
		return res, nil
	case "/json":
		return d.json(req, env, ec)
	case "/echo":
		return echo(req), nil
	case "/events":
		return d.events(req), nil
	case "/slow":
		return slow(req)
	case "/already-sent":
		return alreadySent(req)
	}
	return bridge.Text(http.StatusNotFound, "not found"), nil
}

func (d *demo) json(req *bridge.Request, env devserver.Env, ec devserver.ExecutionContext) (*bridge.Response, error) {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	href := req.Href()
	ec.WaitUntil(func(context.Context) error {
		logger.Debug("demo_json_served", "href", href)
		return nil
	})
	return bridge.JSON(http.StatusOK, map[string]any{
		"method":   req.Method(),
		"url":      href,
		"env_keys": keys,
	})
}

// echo streams the request body back with its content type.
func echo(req *bridge.Request) *bridge.Response {
	body := req.Body()
	if body == nil {
		return bridge.Empty(http.StatusNoContent)
	}
	res := bridge.NewResponse(http.StatusOK, bridge.Stream(body))
	ct := req.HeaderValue("Content-Type")
	if ct == "" {
		ct = "application/octet-stream"
	}
	res.Header.Set("Content-Type", ct)
	return res
}

// events emits one server-sent event per tick until the client leaves or
// ?n= events were sent.
func (d *demo) events(req *bridge.Request) *bridge.Response {
	n := maxEvents
	if v, err := strconv.Atoi(req.URL().Query().Get("n")); err == nil && v > 0 && v < maxEvents {
		n = v
	}
	ctx := req.Context()
	pr, pw := io.Pipe()
	go func() {
		t := time.NewTicker(d.tick)
		defer t.Stop()
		for i := 0; i < n; i++ {
			if i > 0 {
				select {
				case <-ctx.Done():
					pw.CloseWithError(context.Cause(ctx))
					return
				case <-t.C:
				}
			}
			if _, err := fmt.Fprintf(pw, "data: %d\n\n", i); err != nil {
				return
			}
		}
		_ = pw.Close()
	}()

	res := bridge.NewResponse(http.StatusOK, bridge.Stream(pr))
	res.Header.Set("Content-Type", "text/event-stream")
	res.Header.Set("Cache-Control", "no-cache")
	return res
}

// slow answers after ?ms= milliseconds unless the exchange is cancelled
// first.
func slow(req *bridge.Request) (*bridge.Response, error) {
	delay := defaultDelay
	if v, err := strconv.Atoi(req.URL().Query().Get("ms")); err == nil && v >= 0 {
		delay = time.Duration(v) * time.Millisecond
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return bridge.Text(http.StatusOK, "done after "+delay.String()), nil
	case <-req.Context().Done():
		return nil, context.Cause(req.Context())
	}
}

// alreadySent writes the response on the native connection and tells the
// bridge to leave it alone.
func alreadySent(req *bridge.Request) (*bridge.Response, error) {
	b, ok := devserver.NativeBindings(req.Context())
	if !ok {
		return nil, errors.New("native bindings unavailable")
	}
	h := http.Header{"Content-Type": {"text/plain; charset=UTF-8"}}
	if err := b.Outgoing.WriteHead(http.StatusOK, h); err != nil {
		return nil, err
	}
	if _, err := b.Outgoing.Write([]byte("written natively\n")); err != nil {
		return nil, err
	}
	res := bridge.Empty(http.StatusOK)
	res.Header.Set(bridge.HeaderAlreadySent, "true")
	return res, nil
}
