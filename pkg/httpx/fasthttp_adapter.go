package httpx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"

	"fetchbridge/pkg/bridge"
	"fetchbridge/pkg/logger"
)

// errBodyAfterCommit is returned by streamed request bodies read after the
// response was handed to fasthttp.
var errBodyAfterCommit = errors.New("httpx: request body read after response commit")

// FastHTTPAdapter exposes x as a fasthttp handler.
//
// fasthttp writes a response only after its handler returns, so the exchange
// runs on its own goroutine. The handler returns once the exchange ends or
// the first flush happens; from then on body bytes travel through a pipe set
// as the response body stream.
//
// Until then the connection is watched for a peer hang-up, which fires the
// close listeners like net/http's background read does. Requests with a
// streamed body are not watched: their body is still on the connection.
func FastHTTPAdapter(x Exchanger, next fasthttp.RequestHandler, skip SkipFunc) fasthttp.RequestHandler {
	if next == nil {
		next = func(ctx *fasthttp.RequestCtx) { ctx.Error(http.StatusText(http.StatusNotFound), http.StatusNotFound) }
	}
	return func(ctx *fasthttp.RequestCtx) {
		if skip != nil && skip(string(ctx.RequestURI())) {
			next(ctx)
			return
		}
		logger.LogRequestFast(ctx)

		out := newFastOutgoing(ctx)
		in := newFastIncoming(ctx, out)

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					out.Destroy(fmt.Errorf("exchange panicked: %v", r))
					done <- nil
				}
			}()
			done <- x.Handle(context.Background(), in, out)
		}()

		var watch *connWatch
		if !ctx.Request.IsBodyStream() {
			watch = watchConn(ctx.Conn(), out)
		}

		var err error
		select {
		case <-out.releaseCh:
		case err = <-done:
		}
		if watch.stop() {
			// part of a pipelined request was consumed
			ctx.SetConnectionClose()
		}
		if out.isReleased() {
			return
		}
		switch {
		case err != nil:
			ctx.Error(http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		case out.untouched():
			next(ctx)
		}
	}
}

// connWatch reads the connection while the handler owns it. fasthttp reads
// nothing until the handler returns, so the read only completes on a
// hang-up, an error or the next pipelined request.
type connWatch struct {
	conn     net.Conn
	stopping atomic.Bool
	stole    bool
	done     chan struct{}
}

func watchConn(conn net.Conn, out *fastOutgoing) *connWatch {
	if conn == nil {
		return nil
	}
	w := &connWatch{conn: conn, done: make(chan struct{})}
	// the server read timeout must not end the watch
	_ = conn.SetReadDeadline(time.Time{})
	go func() {
		defer close(w.done)
		var b [1]byte
		n, err := conn.Read(b[:])
		if n > 0 {
			w.stole = true
			return
		}
		if err == nil || w.stopping.Load() {
			return
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return
		}
		out.closed()
	}()
	return w
}

// stop ends the watch and reports whether request bytes were consumed.
func (w *connWatch) stop() bool {
	if w == nil {
		return false
	}
	w.stopping.Store(true)
	_ = w.conn.SetReadDeadline(time.Now())
	<-w.done
	_ = w.conn.SetReadDeadline(time.Time{})
	return w.stole
}

type fastIncoming struct {
	method string
	uri    string
	fields []bridge.HeaderField
	tls    bool
	body   io.Reader
	out    *fastOutgoing
}

func newFastIncoming(ctx *fasthttp.RequestCtx, out *fastOutgoing) *fastIncoming {
	in := &fastIncoming{
		method: string(ctx.Method()),
		uri:    string(ctx.RequestURI()),
		tls:    ctx.IsTLS(),
		out:    out,
	}
	ctx.Request.Header.VisitAll(func(k, v []byte) {
		in.fields = append(in.fields, bridge.HeaderField{Name: string(k), Value: string(v)})
	})
	if ctx.Request.IsBodyStream() {
		in.body = &commitGuard{r: ctx.RequestBodyStream(), out: out}
	} else if b := ctx.PostBody(); len(b) > 0 {
		// the ctx is recycled once the handler returns
		in.body = bytes.NewReader(append([]byte(nil), b...))
	}
	return in
}

func (f *fastIncoming) Method() string                   { return f.method }
func (f *fastIncoming) RequestURI() string               { return f.uri }
func (f *fastIncoming) RawHeaders() []bridge.HeaderField { return f.fields }
func (f *fastIncoming) Body() io.Reader                  { return f.body }
func (f *fastIncoming) Encrypted() bool                  { return f.tls }
func (f *fastIncoming) Destroyed() bool                  { return f.out.isDestroyed() }

// commitGuard refuses reads of a streamed request body once the ctx belongs
// to fasthttp again.
type commitGuard struct {
	r   io.Reader
	out *fastOutgoing
}

func (g *commitGuard) Read(p []byte) (int, error) {
	if g.out.isReleased() {
		return 0, errBodyAfterCommit
	}
	return g.r.Read(p)
}

type fastOutgoing struct {
	ctx       *fasthttp.RequestCtx
	head      bool
	releaseCh chan struct{}

	mu        sync.Mutex
	sent      bool
	ended     bool
	wrote     bool
	released  bool
	destroyed bool
	size      int
	pw        *io.PipeWriter
	connGone  bool
	listeners closeListeners
}

func newFastOutgoing(ctx *fasthttp.RequestCtx) *fastOutgoing {
	return &fastOutgoing{
		ctx:       ctx,
		head:      ctx.IsHead(),
		releaseCh: make(chan struct{}),
		size:      -1,
	}
}

func (o *fastOutgoing) WriteHead(status int, header http.Header) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.writeHeadLocked(status, header)
}

func (o *fastOutgoing) writeHeadLocked(status int, header http.Header) error {
	if o.sent {
		return bridge.ErrHeadersCommitted
	}
	h := &o.ctx.Response.Header
	o.ctx.SetStatusCode(status)
	for k, vs := range header {
		if framingHeader(k) {
			if http.CanonicalHeaderKey(k) == "Content-Length" && len(vs) > 0 {
				if n, err := strconv.Atoi(vs[0]); err == nil && n >= 0 {
					o.size = n
				}
			}
			continue
		}
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	if o.head && o.size >= 0 {
		h.SetContentLength(o.size)
	}
	o.sent = true
	return nil
}

func (o *fastOutgoing) Write(p []byte) (int, error) {
	o.mu.Lock()
	if !o.sent {
		if err := o.writeHeadLocked(http.StatusOK, nil); err != nil {
			o.mu.Unlock()
			return 0, err
		}
	}
	o.wrote = true
	if o.head {
		o.mu.Unlock()
		return len(p), nil
	}
	if o.released {
		pw := o.pw
		o.mu.Unlock()
		// blocks until fasthttp drains it onto the socket
		return pw.Write(p)
	}
	defer o.mu.Unlock()
	return o.ctx.Write(p)
}

// Flush hands the response to fasthttp. Bytes written so far go first.
func (o *fastOutgoing) Flush() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.released || o.ended {
		return nil
	}
	if !o.sent {
		if err := o.writeHeadLocked(http.StatusOK, nil); err != nil {
			return err
		}
	}
	o.releaseLocked()
	return nil
}

func (o *fastOutgoing) releaseLocked() {
	pr, pw := io.Pipe()
	prefix := append([]byte(nil), o.ctx.Response.Body()...)
	o.ctx.Response.SetBodyStream(&bodyStream{
		Reader: io.MultiReader(bytes.NewReader(prefix), pr),
		pr:     pr,
		out:    o,
	}, o.size)
	o.pw = pw
	o.released = true
	close(o.releaseCh)
}

func (o *fastOutgoing) End() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ended {
		return nil
	}
	if !o.sent {
		if err := o.writeHeadLocked(http.StatusOK, nil); err != nil {
			return err
		}
	}
	o.ended = true
	if o.released {
		return o.pw.Close()
	}
	return nil
}

func (o *fastOutgoing) HeadersSent() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sent
}

// OnClose runs fn right away when the connection is already gone.
func (o *fastOutgoing) OnClose(fn func()) func() bool {
	o.mu.Lock()
	if o.connGone {
		o.mu.Unlock()
		fn()
		return func() bool { return false }
	}
	defer o.mu.Unlock()
	id := o.listeners.add(fn)
	return func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.listeners.remove(id)
	}
}

// Destroy breaks the body stream so fasthttp drops the connection. Before
// any header went out it degrades to a 500 with Connection: close.
func (o *fastOutgoing) Destroy(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	o.ended = true
	if !o.sent {
		o.ctx.SetStatusCode(http.StatusInternalServerError)
		o.ctx.SetConnectionClose()
		o.sent = true
		return
	}
	if !o.released {
		o.releaseLocked()
	}
	_ = o.pw.CloseWithError(err)
}

// closed runs when fasthttp is done with the body stream, on success or
// not, or when the peer hung up before the handler returned.
func (o *fastOutgoing) closed() {
	o.mu.Lock()
	if !o.ended {
		o.destroyed = true
	}
	o.connGone = true
	fns := o.listeners.take()
	o.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (o *fastOutgoing) isReleased() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.released
}

func (o *fastOutgoing) isDestroyed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.destroyed
}

func (o *fastOutgoing) untouched() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.sent && !o.ended && !o.wrote
}

// bodyStream is the response body fasthttp reads once released.
type bodyStream struct {
	io.Reader
	pr   *io.PipeReader
	out  *fastOutgoing
	once sync.Once
}

func (b *bodyStream) Close() error {
	b.once.Do(func() {
		// unblocks a pending Write with io.ErrClosedPipe
		_ = b.pr.Close()
		b.out.closed()
	})
	return nil
}
