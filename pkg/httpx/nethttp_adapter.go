package httpx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"

	"fetchbridge/pkg/bridge"
	"fetchbridge/pkg/logger"
)

// NetHTTPAdapter exposes x as a net/http handler. next receives requests
// matched by skip and exchanges the bridge abandoned without writing; nil
// means 404.
func NetHTTPAdapter(x Exchanger, next http.Handler, skip SkipFunc) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if skip != nil && skip(requestTarget(r)) {
			next.ServeHTTP(w, r)
			return
		}
		logger.LogRequest(r)

		out := &netOutgoing{w: w, rc: http.NewResponseController(w), reqCtx: r.Context()}
		base := &netIncoming{r: r, out: out}
		var in bridge.Incoming = base
		if r.ProtoMajor == 2 {
			in = &netIncomingH2{netIncoming: base}
		}

		// the request's own context ends with ServeHTTP; the bridge signal
		// must only fire on a real disconnect
		if err := x.Handle(context.WithoutCancel(r.Context()), in, out); err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		if out.aborted() {
			panic(http.ErrAbortHandler)
		}
		if out.untouched() {
			next.ServeHTTP(w, r)
		}
	})
}

func requestTarget(r *http.Request) string {
	if r.RequestURI != "" {
		return r.RequestURI
	}
	return r.URL.RequestURI()
}

type netIncoming struct {
	r   *http.Request
	out *netOutgoing
}

func (n *netIncoming) Method() string { return n.r.Method }

func (n *netIncoming) RequestURI() string { return requestTarget(n.r) }

// RawHeaders puts Host back in front; net/http lifts it out of the map.
func (n *netIncoming) RawHeaders() []bridge.HeaderField {
	fields := make([]bridge.HeaderField, 0, len(n.r.Header)+1)
	if n.r.Host != "" {
		fields = append(fields, bridge.HeaderField{Name: "Host", Value: n.r.Host})
	}
	return sortedFields(n.r.Header, fields)
}

func (n *netIncoming) Body() io.Reader {
	if n.r.Body == nil || n.r.Body == http.NoBody {
		return nil
	}
	return n.r.Body
}

func (n *netIncoming) Encrypted() bool { return n.r.TLS != nil }

func (n *netIncoming) Destroyed() bool {
	return n.r.Context().Err() != nil && !n.out.finished()
}

// netIncomingH2 is an HTTP/2 stream, TLS or h2c.
type netIncomingH2 struct {
	*netIncoming
}

func (n *netIncomingH2) Authority() string { return n.r.Host }

func (n *netIncomingH2) RawHeaders() []bridge.HeaderField {
	scheme := "http"
	if n.r.TLS != nil {
		scheme = "https"
	}
	fields := make([]bridge.HeaderField, 0, len(n.r.Header)+4)
	fields = append(fields,
		bridge.HeaderField{Name: ":method", Value: n.r.Method},
		bridge.HeaderField{Name: ":path", Value: n.RequestURI()},
		bridge.HeaderField{Name: ":authority", Value: n.r.Host},
		bridge.HeaderField{Name: ":scheme", Value: scheme},
	)
	return sortedFields(n.r.Header, fields)
}

type netOutgoing struct {
	w      http.ResponseWriter
	rc     *http.ResponseController
	reqCtx context.Context

	mu        sync.Mutex
	sent      bool
	ended     bool
	wrote     bool
	destroyed error
}

func (o *netOutgoing) WriteHead(status int, header http.Header) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.writeHeadLocked(status, header)
}

func (o *netOutgoing) writeHeadLocked(status int, header http.Header) error {
	if o.sent {
		return bridge.ErrHeadersCommitted
	}
	dst := o.w.Header()
	for k, vs := range header {
		if k == "Transfer-Encoding" {
			// net/http chooses chunking itself
			continue
		}
		dst[k] = append([]string(nil), vs...)
	}
	o.w.WriteHeader(status)
	o.sent = true
	return nil
}

func (o *netOutgoing) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.sent {
		if err := o.writeHeadLocked(http.StatusOK, nil); err != nil {
			return 0, err
		}
	}
	o.wrote = true
	n, err := o.w.Write(p)
	if errors.Is(err, http.ErrBodyNotAllowed) {
		// HEAD, 204 and 304 carry no body
		return len(p), nil
	}
	return n, err
}

func (o *netOutgoing) Flush() error {
	err := o.rc.Flush()
	if errors.Is(err, http.ErrNotSupported) {
		return nil
	}
	return err
}

func (o *netOutgoing) End() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.sent {
		if err := o.writeHeadLocked(http.StatusOK, nil); err != nil {
			return err
		}
	}
	o.ended = true
	return nil
}

func (o *netOutgoing) HeadersSent() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sent
}

func (o *netOutgoing) OnClose(fn func()) func() bool {
	return context.AfterFunc(o.reqCtx, fn)
}

// Destroy is carried out by the adapter once the exchange returns, by
// panicking with http.ErrAbortHandler on the serving goroutine.
func (o *netOutgoing) Destroy(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err == nil {
		err = http.ErrAbortHandler
	}
	o.destroyed = err
}

func (o *netOutgoing) finished() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ended
}

func (o *netOutgoing) aborted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.destroyed != nil
}

func (o *netOutgoing) untouched() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.sent && !o.ended && !o.wrote
}
